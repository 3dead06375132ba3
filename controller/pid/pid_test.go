package pid

import (
	"math"
	"testing"
	"time"
)

func TestPureProportional(t *testing.T) {
	cases := []struct {
		name     string
		setpoint float64
		current  float64
		want     float64
	}{
		{"below setpoint", 1.0, 0.2, 0.8},
		{"at setpoint", 1.0, 1.0, 0},
		{"above setpoint clamps low", 1.0, 3.0, 0},
		{"far below clamps high", 10.0, 0, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(1.0, 0, 0, tc.setpoint)
			got := c.UpdateWithDelta(tc.current, 0.1)
			if math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("output = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSampleTimeReturnsPreviousOutput(t *testing.T) {
	c := New(1.0, 0, 0, 1.0)
	first := c.UpdateWithDelta(0.2, 0.1)
	// Below the 10 ms default sample time: input change must be ignored.
	got := c.UpdateWithDelta(0.9, 0.001)
	if got != first {
		t.Errorf("output within sample time = %v, want previous %v", got, first)
	}
	// At or above the sample time the new input takes effect.
	got = c.UpdateWithDelta(0.9, 0.05)
	if got == first {
		t.Error("output did not change after sample time elapsed")
	}
}

func TestIntegralAntiWindup(t *testing.T) {
	c := New(0, 1.0, 0, 1.0)
	c.SetSampleTime(0)

	// Hold a large error; the integral must stop at what the output can express.
	var out float64
	for i := 0; i < 100; i++ {
		out = c.UpdateWithDelta(0, 1.0)
	}
	if out != 1.0 {
		t.Fatalf("saturated output = %v, want 1.0", out)
	}
	_, iTerm, _ := c.Components()
	if iTerm > 1.0+1e-12 {
		t.Errorf("integral term %v wound up past the output limit", iTerm)
	}

	// One step of equal negative error must fully unwind a clamped integral.
	out = c.UpdateWithDelta(2.0, 1.0)
	if out != 0 {
		t.Errorf("output after unwind step = %v, want 0", out)
	}
}

func TestNearZeroKiSkipsClamp(t *testing.T) {
	c := New(0.5, 1e-12, 0, 1.0)
	c.SetSampleTime(0)
	for i := 0; i < 10; i++ {
		c.UpdateWithDelta(0, 1.0)
	}
	_, iTerm, _ := c.Components()
	if math.Abs(iTerm-1e-11) > 1e-15 {
		t.Errorf("iTerm = %v, want unclamped accumulation 1e-11", iTerm)
	}
}

func TestDerivativeOnMeasurement(t *testing.T) {
	c := New(0, 0, 1.0, 5.0)
	c.SetSampleTime(0)
	if !c.SetOutputLimits(-10, 10) {
		t.Fatal("SetOutputLimits failed")
	}

	c.UpdateWithDelta(2.0, 1.0)

	// A setpoint change with a steady measurement must not kick the output.
	c.SetSetpoint(50.0)
	c.UpdateWithDelta(2.0, 1.0)
	if _, _, dTerm := c.Components(); dTerm != 0 {
		t.Errorf("dTerm after setpoint change = %v, want 0", dTerm)
	}

	// A rising measurement produces a negative derivative term.
	c.UpdateWithDelta(5.0, 1.0)
	if _, _, dTerm := c.Components(); dTerm != -3.0 {
		t.Errorf("dTerm for rising measurement = %v, want -3.0", dTerm)
	}
}

func TestFirstUpdateHasNoDerivative(t *testing.T) {
	c := New(0, 0, 2.0, 1.0)
	c.SetOutputLimits(-10, 10)
	c.UpdateWithDelta(0.5, 0)
	if _, _, dTerm := c.Components(); dTerm != 0 {
		t.Errorf("dTerm on first update = %v, want 0", dTerm)
	}
}

func TestResetClearsState(t *testing.T) {
	c := New(0.5, 0.5, 0.1, 1.0)
	c.SetSampleTime(0)
	for i := 0; i < 20; i++ {
		c.UpdateWithDelta(0, 1.0)
	}
	c.Reset()

	fresh := New(0.5, 0.5, 0.1, 1.0)
	fresh.SetSampleTime(0)
	if got, want := c.UpdateWithDelta(0.3, 0.5), fresh.UpdateWithDelta(0.3, 0.5); got != want {
		t.Errorf("output after reset = %v, want fresh controller output %v", got, want)
	}
}

func TestSetOutputLimitsValidation(t *testing.T) {
	c := New(1, 0, 0, 1)
	if c.SetOutputLimits(1, 1) {
		t.Error("SetOutputLimits(1, 1) accepted equal bounds")
	}
	if c.SetOutputLimits(2, 1) {
		t.Error("SetOutputLimits(2, 1) accepted inverted bounds")
	}
	if !c.SetOutputLimits(-1, 1) {
		t.Error("SetOutputLimits(-1, 1) rejected valid bounds")
	}
}

func TestSetSampleTimeValidation(t *testing.T) {
	c := New(1, 0, 0, 1)
	if c.SetSampleTime(-time.Millisecond) {
		t.Error("negative sample time accepted")
	}
	if !c.SetSampleTime(0) {
		t.Error("zero sample time rejected")
	}
}

func TestFastPollingStillRecomputes(t *testing.T) {
	c := New(1.0, 0, 0, 1.0)
	first := c.Update(0.9)
	if math.Abs(first-0.1) > 1e-9 {
		t.Fatalf("first output = %v, want 0.1", first)
	}

	// Poll well below the 10 ms sample time. The delta must keep
	// accumulating so a recomputation eventually happens.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if out := c.Update(0.0); out != first {
			if out != 1.0 {
				t.Fatalf("recomputed output = %v, want clamped 1.0", out)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("output stuck at %v despite 100ms of polling", first)
}

func TestUpdateUsesWallClock(t *testing.T) {
	c := New(1.0, 0, 0, 1.0)
	c.SetSampleTime(0)
	first := c.Update(0.5)
	if first != 0.5 {
		t.Fatalf("first output = %v, want 0.5", first)
	}
	time.Sleep(2 * time.Millisecond)
	if got := c.Update(0.25); got != 0.75 {
		t.Errorf("second output = %v, want 0.75", got)
	}
}
