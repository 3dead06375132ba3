// Package pid implements the control-loop primitive used to regulate
// chamber pressure during fill and hold phases.
package pid

import (
	"math"
	"time"
)

// kiFloor guards the anti-windup clamp against division by a near-zero
// integral gain.
const kiFloor = 1e-9

// Controller is a discrete PID controller with clamped output, integral
// anti-windup and derivative-on-measurement. It is not safe for concurrent
// use; the orchestrator runs one controller per chamber.
type Controller struct {
	setpoint   float64
	kp, ki, kd float64
	outMin     float64
	outMax     float64
	sampleTime time.Duration

	integral   float64
	lastErr    float64
	lastInput  float64
	lastOutput float64
	lastTime   time.Time
	primed     bool

	pTerm, iTerm, dTerm float64
}

// New returns a controller with the given gains and setpoint. Output is
// clamped to [0, 1] with a 10 ms sample time by default.
func New(kp, ki, kd, setpoint float64) *Controller {
	return &Controller{
		setpoint:   setpoint,
		kp:         kp,
		ki:         ki,
		kd:         kd,
		outMin:     0,
		outMax:     1,
		sampleTime: 10 * time.Millisecond,
	}
}

// Update advances the controller using the wall-clock delta since the last
// recomputation (zero on the first call) and returns the control output.
// The timestamp only moves when a computation happens, so polling faster
// than the sample time keeps accumulating delta instead of starving.
func (c *Controller) Update(current float64) float64 {
	now := time.Now()
	var dt float64
	if c.primed {
		dt = now.Sub(c.lastTime).Seconds()
	}
	out, computed := c.step(current, dt)
	if computed {
		c.lastTime = now
	}
	return out
}

// UpdateWithDelta advances the controller with an explicit time delta in
// seconds. Deltas below the sample time return the previous output
// unchanged, except on the first call.
func (c *Controller) UpdateWithDelta(current, dt float64) float64 {
	out, computed := c.step(current, dt)
	if computed {
		c.lastTime = time.Now()
	}
	return out
}

func (c *Controller) step(current, dt float64) (float64, bool) {
	if c.primed && dt < c.sampleTime.Seconds() {
		return c.lastOutput, false
	}

	err := c.setpoint - current
	c.pTerm = c.kp * err

	c.integral += err * dt
	// Keep P + I inside the output limits so the integral cannot wind up
	// past what the output can express. Skipped when ki is effectively zero.
	if math.Abs(c.ki) > kiFloor {
		lo := (c.outMin - c.pTerm) / c.ki
		hi := (c.outMax - c.pTerm) / c.ki
		if lo > hi {
			lo, hi = hi, lo
		}
		c.integral = clamp(c.integral, lo, hi)
	}
	c.iTerm = c.ki * c.integral

	// Derivative of the measurement, not the error, so setpoint changes do
	// not kick the output.
	c.dTerm = 0
	if c.primed && dt > 0 {
		c.dTerm = -c.kd * (current - c.lastInput) / dt
	}

	out := clamp(c.pTerm+c.iTerm+c.dTerm, c.outMin, c.outMax)

	c.lastErr = err
	c.lastInput = current
	c.lastOutput = out
	c.primed = true
	return out, true
}

// Reset clears the accumulated state. Gains, setpoint and limits are kept.
func (c *Controller) Reset() {
	c.integral = 0
	c.lastErr = 0
	c.lastInput = 0
	c.lastOutput = 0
	c.lastTime = time.Time{}
	c.primed = false
	c.pTerm, c.iTerm, c.dTerm = 0, 0, 0
}

// SetSetpoint changes the target without resetting the integral.
func (c *Controller) SetSetpoint(sp float64) { c.setpoint = sp }

// Setpoint returns the current target.
func (c *Controller) Setpoint() float64 { return c.setpoint }

// SetGains changes the tuning parameters without resetting the integral.
func (c *Controller) SetGains(kp, ki, kd float64) {
	c.kp, c.ki, c.kd = kp, ki, kd
}

// SetOutputLimits changes the output clamp range. min must be below max.
func (c *Controller) SetOutputLimits(min, max float64) bool {
	if min >= max {
		return false
	}
	c.outMin = min
	c.outMax = max
	return true
}

// SetSampleTime changes the minimum interval between recomputations.
func (c *Controller) SetSampleTime(d time.Duration) bool {
	if d < 0 {
		return false
	}
	c.sampleTime = d
	return true
}

// Components returns the P, I and D contributions of the last computation.
func (c *Controller) Components() (p, i, d float64) {
	return c.pTerm, c.iTerm, c.dTerm
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
