// Package ads1115 implements a hal ADC driver for the ADS1115 used by the
// pressure transducers: four single-ended inputs read in single-shot mode
// at unity gain (±4.096 V full scale).
package ads1115

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/reef-pi/hal"
	"github.com/reef-pi/rpi/i2c"
)

const (
	regConversion = 0x00
	regConfig     = 0x01

	configOsSingle   uint16 = 0x8000
	configModeSingle uint16 = 0x0100
	configGainOne    uint16 = 0x0200 // ±4.096 V
	configRate860    uint16 = 0x00E0
	configCompNone   uint16 = 0x0003

	// Single-ended mux AINx vs GND, channel 0 base.
	configMuxSingle0 uint16 = 0x4000
	muxChannelStep   uint16 = 0x1000

	// A conversion at 860 SPS takes ~1.2 ms.
	convTimeout  = 50 * time.Millisecond
	convPollWait = 200 * time.Microsecond

	channelCount = 4
)

// Driver exposes the four inputs as hal analog pins. Value returns the raw
// signed conversion code; Measure returns volts.
type Driver struct {
	meta hal.Metadata
	pins [channelCount]*channel
}

// New builds a driver for the converter at the given I2C address.
func New(bus i2c.Bus, address byte) *Driver {
	d := &Driver{
		meta: hal.Metadata{
			Name:         "ads1115",
			Description:  "ADS1115 4-channel 16-bit ADC",
			Capabilities: []hal.Capability{hal.AnalogInput},
		},
	}
	for ch := 0; ch < channelCount; ch++ {
		d.pins[ch] = &channel{bus: bus, address: address, number: ch}
	}
	return d
}

func (d *Driver) Metadata() hal.Metadata { return d.meta }
func (d *Driver) Close() error           { return nil }

func (d *Driver) Pins(cap hal.Capability) ([]hal.Pin, error) {
	if cap != hal.AnalogInput {
		return nil, fmt.Errorf("ads1115: unsupported capability: %v", cap)
	}
	pins := make([]hal.Pin, channelCount)
	for i, p := range d.pins {
		pins[i] = p
	}
	return pins, nil
}

func (d *Driver) AnalogInputPins() []hal.AnalogInputPin {
	pins := make([]hal.AnalogInputPin, channelCount)
	for i, p := range d.pins {
		pins[i] = p
	}
	return pins
}

func (d *Driver) AnalogInputPin(n int) (hal.AnalogInputPin, error) {
	if n < 0 || n >= channelCount {
		return nil, fmt.Errorf("ads1115: no analog input channel %d", n)
	}
	return d.pins[n], nil
}

type channel struct {
	bus     i2c.Bus
	address byte
	number  int
}

func (c *channel) Name() string { return fmt.Sprintf("ads1115-ain%d", c.number) }
func (c *channel) Number() int  { return c.number }
func (c *channel) Close() error { return nil }

func (c *channel) Calibrate(_ []hal.Measurement) error { return nil }

// Value starts a single-shot conversion and returns the raw signed code.
func (c *channel) Value() (float64, error) {
	raw, err := c.convert()
	if err != nil {
		return 0, err
	}
	return float64(raw), nil
}

// Measure returns the input voltage at the configured gain.
func (c *channel) Measure() (float64, error) {
	raw, err := c.convert()
	if err != nil {
		return 0, err
	}
	return float64(raw) / 32768.0 * 4.096, nil
}

func (c *channel) convert() (int16, error) {
	cfg := configOsSingle | configModeSingle | configGainOne | configRate860 |
		configCompNone | configMuxSingle0 | uint16(c.number)*muxChannelStep

	buf := []byte{byte(cfg >> 8), byte(cfg)}
	if err := c.bus.WriteToReg(c.address, regConfig, buf); err != nil {
		return 0, fmt.Errorf("ads1115: write config: %w", err)
	}

	// Poll the OS bit until the conversion completes.
	deadline := time.Now().Add(convTimeout)
	status := make([]byte, 2)
	for {
		if err := c.bus.ReadFromReg(c.address, regConfig, status); err != nil {
			return 0, fmt.Errorf("ads1115: read config: %w", err)
		}
		if binary.BigEndian.Uint16(status)&configOsSingle != 0 {
			break
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("ads1115: conversion timeout on channel %d", c.number)
		}
		time.Sleep(convPollWait)
	}

	data := make([]byte, 2)
	if err := c.bus.ReadFromReg(c.address, regConversion, data); err != nil {
		return 0, fmt.Errorf("ads1115: read conversion: %w", err)
	}
	return int16(binary.BigEndian.Uint16(data)), nil
}
