// Package sim provides an in-memory hal driver for dev-mode runs and tests.
// Analog pins return scripted raw ADC codes; output pins record writes.
package sim

import (
	"fmt"
	"sync"

	"github.com/reef-pi/hal"
)

// Driver implements hal.AnalogInputDriver and hal.DigitalOutputDriver.
type Driver struct {
	meta    hal.Metadata
	analog  []*AnalogPin
	outputs []*OutputPin
}

// New returns a driver with the given number of analog channels and digital
// output lines.
func New(analogChannels, outputLines int) *Driver {
	d := &Driver{
		meta: hal.Metadata{
			Name:         "sim",
			Description:  "simulated pneumo-pi hardware",
			Capabilities: []hal.Capability{hal.AnalogInput, hal.DigitalOutput},
		},
	}
	for i := 0; i < analogChannels; i++ {
		d.analog = append(d.analog, &AnalogPin{number: i})
	}
	for i := 0; i < outputLines; i++ {
		d.outputs = append(d.outputs, &OutputPin{number: i})
	}
	return d
}

func (d *Driver) Metadata() hal.Metadata { return d.meta }
func (d *Driver) Close() error           { return nil }

func (d *Driver) Pins(cap hal.Capability) ([]hal.Pin, error) {
	var pins []hal.Pin
	switch cap {
	case hal.AnalogInput:
		for _, p := range d.analog {
			pins = append(pins, p)
		}
	case hal.DigitalOutput:
		for _, p := range d.outputs {
			pins = append(pins, p)
		}
	default:
		return nil, fmt.Errorf("sim: unsupported capability: %v", cap)
	}
	return pins, nil
}

func (d *Driver) AnalogInputPins() []hal.AnalogInputPin {
	pins := make([]hal.AnalogInputPin, len(d.analog))
	for i, p := range d.analog {
		pins[i] = p
	}
	return pins
}

func (d *Driver) AnalogInputPin(n int) (hal.AnalogInputPin, error) {
	if n < 0 || n >= len(d.analog) {
		return nil, fmt.Errorf("sim: no analog input channel %d", n)
	}
	return d.analog[n], nil
}

func (d *Driver) DigitalOutputPins() []hal.DigitalOutputPin {
	pins := make([]hal.DigitalOutputPin, len(d.outputs))
	for i, p := range d.outputs {
		pins[i] = p
	}
	return pins
}

func (d *Driver) DigitalOutputPin(n int) (hal.DigitalOutputPin, error) {
	if n < 0 || n >= len(d.outputs) {
		return nil, fmt.Errorf("sim: no digital output line %d", n)
	}
	return d.outputs[n], nil
}

// Analog returns the scripted analog pin for channel n.
func (d *Driver) Analog(n int) *AnalogPin { return d.analog[n] }

// Output returns the recording output pin for line n.
func (d *Driver) Output(n int) *OutputPin { return d.outputs[n] }

// AnalogPin is a scripted analog input. Value returns the configured raw
// code, or the configured error for the next failing reads.
type AnalogPin struct {
	mu       sync.Mutex
	number   int
	raw      float64
	err      error
	failures int
	reads    int
}

func (p *AnalogPin) Name() string { return fmt.Sprintf("sim-ain%d", p.number) }
func (p *AnalogPin) Number() int  { return p.number }
func (p *AnalogPin) Close() error { return nil }

func (p *AnalogPin) Value() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	if p.failures != 0 {
		if p.failures > 0 {
			p.failures--
		}
		err := p.err
		if err == nil {
			err = fmt.Errorf("sim: scripted read failure on channel %d", p.number)
		}
		return 0, err
	}
	return p.raw, nil
}

func (p *AnalogPin) Measure() (float64, error) { return p.Value() }

func (p *AnalogPin) Calibrate(_ []hal.Measurement) error { return nil }

// SetRaw sets the raw ADC code returned by subsequent reads.
func (p *AnalogPin) SetRaw(v float64) {
	p.mu.Lock()
	p.raw = v
	p.mu.Unlock()
}

// FailNext makes the next n reads fail with err. A negative n fails all
// subsequent reads until SetRaw or FailNext(0, nil).
func (p *AnalogPin) FailNext(n int, err error) {
	p.mu.Lock()
	p.failures = n
	p.err = err
	p.mu.Unlock()
}

// Reads returns the number of Value calls seen so far.
func (p *AnalogPin) Reads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads
}

// OutputPin records digital writes.
type OutputPin struct {
	mu     sync.Mutex
	number int
	state  bool
	writes int
	err    error
}

func (p *OutputPin) Name() string { return fmt.Sprintf("sim-out%d", p.number) }
func (p *OutputPin) Number() int  { return p.number }
func (p *OutputPin) Close() error { return nil }

func (p *OutputPin) Write(state bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.state = state
	p.writes++
	return nil
}

func (p *OutputPin) LastState() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// FailWrites makes Write return err until cleared with FailWrites(nil).
func (p *OutputPin) FailWrites(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Writes returns the number of successful Write calls.
func (p *OutputPin) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}
