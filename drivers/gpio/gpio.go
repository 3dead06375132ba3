// Package gpio implements a hal digital output driver for the valve
// solenoid lines using the Linux GPIO character device.
package gpio

import (
	"fmt"
	"sort"

	"github.com/reef-pi/hal"
	"github.com/warthog618/go-gpiocdev"
)

// Driver owns the requested output lines. Lines are driven low on open and
// on close so the valves fail shut.
type Driver struct {
	meta hal.Metadata
	chip *gpiocdev.Chip
	pins map[int]*outputPin
}

// New requests the given line offsets as outputs, all initially low.
func New(chipName string, lines []int) (*Driver, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("gpio: open chip %s: %w", chipName, err)
	}
	d := &Driver{
		meta: hal.Metadata{
			Name:         "gpio",
			Description:  "valve outputs via Linux GPIO chardev",
			Capabilities: []hal.Capability{hal.DigitalOutput},
		},
		chip: chip,
		pins: make(map[int]*outputPin),
	}
	for _, n := range lines {
		line, err := chip.RequestLine(n, gpiocdev.AsOutput(0))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("gpio: request line %d: %w", n, err)
		}
		d.pins[n] = &outputPin{line: line, number: n}
	}
	return d, nil
}

func (d *Driver) Metadata() hal.Metadata { return d.meta }

// Close drives every line low and releases the chip.
func (d *Driver) Close() error {
	var firstErr error
	for _, p := range d.pins {
		if err := p.line.SetValue(0); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := p.line.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.chip != nil {
		if err := d.chip.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Driver) Pins(cap hal.Capability) ([]hal.Pin, error) {
	if cap != hal.DigitalOutput {
		return nil, fmt.Errorf("gpio: unsupported capability: %v", cap)
	}
	pins := make([]hal.Pin, 0, len(d.pins))
	for _, p := range d.pins {
		pins = append(pins, p)
	}
	sort.Slice(pins, func(i, j int) bool { return pins[i].Number() < pins[j].Number() })
	return pins, nil
}

func (d *Driver) DigitalOutputPins() []hal.DigitalOutputPin {
	pins := make([]hal.DigitalOutputPin, 0, len(d.pins))
	for _, p := range d.pins {
		pins = append(pins, p)
	}
	sort.Slice(pins, func(i, j int) bool { return pins[i].Number() < pins[j].Number() })
	return pins
}

func (d *Driver) DigitalOutputPin(n int) (hal.DigitalOutputPin, error) {
	p, ok := d.pins[n]
	if !ok {
		return nil, fmt.Errorf("gpio: line %d not requested", n)
	}
	return p, nil
}

type outputPin struct {
	line   *gpiocdev.Line
	number int
	state  bool
}

func (p *outputPin) Name() string { return fmt.Sprintf("gpio-%d", p.number) }
func (p *outputPin) Number() int  { return p.number }
func (p *outputPin) Close() error { return p.line.Close() }

func (p *outputPin) Write(state bool) error {
	v := 0
	if state {
		v = 1
	}
	if err := p.line.SetValue(v); err != nil {
		return fmt.Errorf("gpio: set line %d: %w", p.number, err)
	}
	p.state = state
	return nil
}

func (p *outputPin) LastState() bool { return p.state }
