// Package valve drives the inlet, outlet and empty circuits of each chamber.
// It enforces the inlet/outlet interlock and rate-limits rapid toggles. The
// in-memory state is authoritative: hardware is never re-queried, and every
// change goes through this controller's setters.
package valve

import (
	"fmt"
	"time"

	"github.com/reef-pi/hal"
	"github.com/sirupsen/logrus"

	"github.com/evancroft/pneumo-pi/controller/telemetry"
)

// ChamberCount matches the machine's fixed three-chamber layout.
const ChamberCount = 3

// Kind identifies one of a chamber's three valves.
type Kind int

const (
	Inlet Kind = iota
	Outlet
	Empty
)

func (k Kind) String() string {
	switch k {
	case Inlet:
		return "inlet"
	case Outlet:
		return "outlet"
	case Empty:
		return "empty"
	}
	return fmt.Sprintf("valve(%d)", int(k))
}

// ChamberPins lists the driver line numbers for one chamber.
type ChamberPins struct {
	Inlet  int
	Outlet int
	Empty  int
}

// State is a chamber's cached valve state.
type State struct {
	Inlet  bool `json:"inlet"`
	Outlet bool `json:"outlet"`
	Empty  bool `json:"empty"`
}

type chamber struct {
	pins       [3]hal.DigitalOutputPin
	open       [3]bool
	lastSwitch [3]time.Time
}

// Controller owns the valve output pins. Calls for the same chamber must be
// serialized by the caller; different chambers are independent.
type Controller struct {
	log         logrus.FieldLogger
	tm          *telemetry.Telemetry
	minInterval time.Duration
	chambers    [ChamberCount]*chamber
}

// New resolves the configured pins and closes every valve before returning.
func New(driver hal.DigitalOutputDriver, pins [ChamberCount]ChamberPins, minInterval time.Duration, log logrus.FieldLogger, tm *telemetry.Telemetry) (*Controller, error) {
	if minInterval < 0 {
		return nil, fmt.Errorf("valve: negative operation interval %v", minInterval)
	}
	c := &Controller{log: log, tm: tm, minInterval: minInterval}
	for i, p := range pins {
		ch := &chamber{}
		for k, n := range [3]int{p.Inlet, p.Outlet, p.Empty} {
			pin, err := driver.DigitalOutputPin(n)
			if err != nil {
				return nil, fmt.Errorf("valve: chamber %d %s pin %d: %w", i, Kind(k), n, err)
			}
			ch.pins[k] = pin
		}
		c.chambers[i] = ch
	}
	if !c.AllValvesClosed() {
		return nil, fmt.Errorf("valve: initial close failed")
	}
	return c, nil
}

// setValve performs one checked, rate-limited transition. Returns false on
// an invalid chamber or a failed write.
func (c *Controller) setValve(chamberIdx int, kind Kind, state bool) bool {
	if chamberIdx < 0 || chamberIdx >= ChamberCount {
		c.log.Errorf("set %s valve: invalid chamber %d", kind, chamberIdx)
		return false
	}
	ch := c.chambers[chamberIdx]
	if ch.open[kind] == state {
		return true
	}

	// Never drop a transition: wait out the remainder of the per-valve
	// rate-limit window instead.
	if !ch.lastSwitch[kind].IsZero() {
		if elapsed := time.Since(ch.lastSwitch[kind]); elapsed < c.minInterval {
			time.Sleep(c.minInterval - elapsed)
		}
	}

	if err := ch.pins[kind].Write(state); err != nil {
		c.log.WithError(err).Errorf("chamber %d %s valve write failed", chamberIdx, kind)
		// Defensive close; state only trusted if the write lands.
		if cerr := ch.pins[kind].Write(false); cerr == nil {
			ch.open[kind] = false
			ch.lastSwitch[kind] = time.Now()
		} else {
			c.log.WithError(cerr).Errorf("chamber %d %s defensive close failed", chamberIdx, kind)
		}
		return false
	}
	ch.open[kind] = state
	ch.lastSwitch[kind] = time.Now()
	c.tm.RecordValveSwitch(chamberIdx, kind.String(), state)
	return true
}

// SetInletValve opens or closes a chamber's inlet. Opening the inlet closes
// an open outlet first, regardless of caller intent.
func (c *Controller) SetInletValve(chamberIdx int, state bool) bool {
	if state && c.isOpen(chamberIdx, Outlet) {
		if !c.setValve(chamberIdx, Outlet, false) {
			return false
		}
	}
	return c.setValve(chamberIdx, Inlet, state)
}

// SetOutletValve opens or closes a chamber's outlet. Opening the outlet
// closes an open inlet first.
func (c *Controller) SetOutletValve(chamberIdx int, state bool) bool {
	if state && c.isOpen(chamberIdx, Inlet) {
		if !c.setValve(chamberIdx, Inlet, false) {
			return false
		}
	}
	return c.setValve(chamberIdx, Outlet, state)
}

// SetEmptyValve opens or closes a chamber's empty circuit.
func (c *Controller) SetEmptyValve(chamberIdx int, state bool) bool {
	return c.setValve(chamberIdx, Empty, state)
}

// SetChamberValves applies an inlet/outlet pair. Requesting both open is an
// invariant violation: it is rejected and the state left unchanged.
func (c *Controller) SetChamberValves(chamberIdx int, inlet, outlet bool) bool {
	if inlet && outlet {
		c.log.Errorf("chamber %d: refusing to open inlet and outlet together", chamberIdx)
		return false
	}
	if inlet {
		return c.SetInletValve(chamberIdx, true)
	}
	if outlet {
		return c.SetOutletValve(chamberIdx, true)
	}
	ok := c.setValve(chamberIdx, Inlet, false)
	return c.setValve(chamberIdx, Outlet, false) && ok
}

// FillChamber closes outlet and empty, then opens the inlet.
func (c *Controller) FillChamber(chamberIdx int) bool {
	if !c.setValve(chamberIdx, Outlet, false) {
		return false
	}
	if !c.setValve(chamberIdx, Empty, false) {
		return false
	}
	return c.setValve(chamberIdx, Inlet, true)
}

// EmptyChamber closes the inlet first, then opens outlet and empty.
func (c *Controller) EmptyChamber(chamberIdx int) bool {
	if !c.setValve(chamberIdx, Inlet, false) {
		return false
	}
	ok := c.setValve(chamberIdx, Outlet, true)
	return c.setValve(chamberIdx, Empty, true) && ok
}

// StopChamber closes all three valves.
func (c *Controller) StopChamber(chamberIdx int) bool {
	ok := c.setValve(chamberIdx, Inlet, false)
	ok = c.setValve(chamberIdx, Outlet, false) && ok
	return c.setValve(chamberIdx, Empty, false) && ok
}

// PulseValve opens a valve for the given duration. The close is attempted
// even when the open fails.
func (c *Controller) PulseValve(chamberIdx int, kind Kind, duration time.Duration) bool {
	var opened bool
	switch kind {
	case Inlet:
		opened = c.SetInletValve(chamberIdx, true)
	case Outlet:
		opened = c.SetOutletValve(chamberIdx, true)
	case Empty:
		opened = c.SetEmptyValve(chamberIdx, true)
	default:
		c.log.Errorf("pulse: unknown valve kind %d", int(kind))
		return false
	}
	if opened {
		time.Sleep(duration)
	}
	closed := c.setValve(chamberIdx, kind, false)
	return opened && closed
}

// AllValvesClosed closes every valve of every chamber. Used at construction
// and shutdown; idempotent.
func (c *Controller) AllValvesClosed() bool {
	ok := true
	for i := range c.chambers {
		ok = c.StopChamber(i) && ok
	}
	return ok
}

// State returns a chamber's cached valve state.
func (c *Controller) State(chamberIdx int) (State, bool) {
	if chamberIdx < 0 || chamberIdx >= ChamberCount {
		return State{}, false
	}
	ch := c.chambers[chamberIdx]
	return State{Inlet: ch.open[Inlet], Outlet: ch.open[Outlet], Empty: ch.open[Empty]}, true
}

func (c *Controller) isOpen(chamberIdx int, kind Kind) bool {
	if chamberIdx < 0 || chamberIdx >= ChamberCount {
		return false
	}
	return c.chambers[chamberIdx].open[kind]
}
