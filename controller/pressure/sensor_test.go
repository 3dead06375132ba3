package pressure

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/reef-pi/hal"
	"github.com/sirupsen/logrus"

	"github.com/evancroft/pneumo-pi/controller/filter"
	"github.com/evancroft/pneumo-pi/drivers/sim"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() Config {
	return Config{
		Multiplier:           2.5,
		Offset:               0,
		MaxPressure:          2500,
		MaxConsecutiveErrors: 3,
		ErrorCooldown:        time.Millisecond,
		ReinitBackoff:        0,
		ChamberKalmanQ:       0.01,
		ChamberKalmanR:       0.5,
		SpareKalmanQ:         0.05,
		SpareKalmanR:         3.0,
	}
}

func newTestSensor(t *testing.T, cfg Config) (*Sensor, *sim.Driver) {
	t.Helper()
	drv := sim.New(ChannelCount, 0)
	s, err := NewSensor(func() (hal.AnalogInputDriver, error) { return drv, nil }, cfg, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return s, drv
}

func TestNewSensorRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveErrors = 0
	if _, err := NewSensor(nil, cfg, testLogger(), nil); err == nil {
		t.Error("zero error threshold accepted")
	}
	cfg = testConfig()
	cfg.ChamberKalmanQ = -1
	if _, err := NewSensor(nil, cfg, testLogger(), nil); err == nil {
		t.Error("negative filter variance accepted")
	}
}

func TestReadVoltageScalesRawCode(t *testing.T) {
	s, drv := newTestSensor(t, testConfig())
	drv.Analog(0).SetRaw(16384)
	v, ok := s.ReadVoltage(0)
	if !ok {
		t.Fatal("read failed")
	}
	want := 16384 * FullScaleVoltage / MaxRawCode
	if v != want {
		t.Errorf("voltage = %v, want %v", v, want)
	}
}

func TestReadVoltageInvalidChannel(t *testing.T) {
	s, _ := newTestSensor(t, testConfig())
	if _, ok := s.ReadVoltage(-1); ok {
		t.Error("channel -1 accepted")
	}
	if _, ok := s.ReadVoltage(ChannelCount); ok {
		t.Errorf("channel %d accepted", ChannelCount)
	}
}

func TestReadPressureAppliesOffsets(t *testing.T) {
	cfg := testConfig()
	s, drv := newTestSensor(t, cfg)
	const raw = 1200.0
	drv.Analog(1).SetRaw(raw)
	if err := s.SetChamberOffset(1, 15); err != nil {
		t.Fatal(err)
	}
	p, ok := s.ReadPressure(1, false)
	if !ok {
		t.Fatal("read failed")
	}
	want := raw*FullScaleVoltage/MaxRawCode*cfg.Multiplier*1000 + 15
	if p != want {
		t.Errorf("pressure = %v, want %v", p, want)
	}
}

func TestReadPressureSpareChannelHasNoOffset(t *testing.T) {
	s, drv := newTestSensor(t, testConfig())
	const raw = 1200.0
	drv.Analog(3).SetRaw(raw)
	s.SetOffsets([ChamberCount]float64{50, 50, 50})
	p, ok := s.ReadPressure(3, false)
	if !ok {
		t.Fatal("read failed")
	}
	want := raw * FullScaleVoltage / MaxRawCode * testConfig().Multiplier * 1000
	if p != want {
		t.Errorf("spare pressure = %v, want %v without chamber offset", p, want)
	}
}

func TestReadPressureClampsAtZero(t *testing.T) {
	cfg := testConfig()
	cfg.Offset = -0.5 // device offset pulls a zero reading negative
	s, drv := newTestSensor(t, cfg)
	drv.Analog(0).SetRaw(0)
	p, ok := s.ReadPressure(0, false)
	if !ok {
		t.Fatal("read failed")
	}
	if p != 0 {
		t.Errorf("pressure = %v, want clamp at 0", p)
	}
}

func TestFilteredReadMatchesStandaloneFilter(t *testing.T) {
	cfg := testConfig()
	s, drv := newTestSensor(t, cfg)
	drv.Analog(0).SetRaw(800)

	ref, err := filter.NewKalmanFilter(cfg.ChamberKalmanQ, cfg.ChamberKalmanR)
	if err != nil {
		t.Fatal(err)
	}
	rawP, ok := s.ReadPressure(0, false)
	if !ok {
		t.Fatal("read failed")
	}

	p, ok := s.ReadPressure(0, true)
	if !ok {
		t.Fatal("read failed")
	}
	if want := ref.Update(rawP); p != want {
		t.Errorf("filtered pressure = %v, want %v", p, want)
	}
}

func TestChannelDisabledAfterConsecutiveErrors(t *testing.T) {
	s, drv := newTestSensor(t, testConfig())
	drv.Analog(0).FailNext(-1, errors.New("scripted"))
	drv.Analog(1).SetRaw(500)

	for i := 0; i < 3; i++ {
		if _, ok := s.ReadVoltage(0); ok {
			t.Fatalf("read %d unexpectedly succeeded", i)
		}
	}
	if got := s.ErrorCount(0); got != 3 {
		t.Fatalf("ErrorCount = %d, want 3", got)
	}

	// At the threshold the channel must not touch the hardware again.
	before := drv.Analog(0).Reads()
	if _, ok := s.ReadVoltage(0); ok {
		t.Error("disabled channel returned a value")
	}
	if drv.Analog(0).Reads() != before {
		t.Error("disabled channel still issued a hardware read")
	}

	// Other channels are unaffected.
	if _, ok := s.ReadVoltage(1); !ok {
		t.Error("healthy channel failed")
	}

	s.ResetErrors()
	drv.Analog(0).FailNext(0, nil)
	if _, ok := s.ReadVoltage(0); !ok {
		t.Error("channel did not recover after ResetErrors")
	}
	if s.ErrorCount(0) != 0 {
		t.Errorf("ErrorCount after recovery = %d, want 0", s.ErrorCount(0))
	}
}

func TestDeviceRecoveryReenablesChannels(t *testing.T) {
	s, drv := newTestSensor(t, testConfig())
	drv.Analog(0).SetRaw(300)
	if _, ok := s.ReadVoltage(0); !ok {
		t.Fatal("initial read failed")
	}

	// Transport failures drop the handle; keep reading past the threshold.
	drv.Analog(0).FailNext(-1, errors.New("read: remote i/o error"))
	for i := 0; i < 6; i++ {
		if _, ok := s.ReadVoltage(0); ok {
			t.Fatalf("read %d succeeded with the device gone", i)
		}
	}

	// Device restored: the next read reconnects and revives the channel
	// without an operator reset.
	drv.Analog(0).FailNext(0, nil)
	if _, ok := s.ReadVoltage(0); !ok {
		t.Fatal("channel still disabled after device recovery")
	}
	if got := s.ErrorCount(0); got != 0 {
		t.Errorf("ErrorCount after recovery = %d, want 0", got)
	}
	if !s.Connected() {
		t.Error("sensor not connected after recovery")
	}
}

func TestCooldownSleepsOnlyOnce(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorCooldown = 60 * time.Millisecond
	s, drv := newTestSensor(t, cfg)
	drv.Analog(0).FailNext(-1, errors.New("scripted"))
	for i := 0; i < 3; i++ {
		s.ReadVoltage(0)
	}

	start := time.Now()
	if _, ok := s.ReadVoltage(0); ok {
		t.Fatal("disabled channel returned a value")
	}
	if d := time.Since(start); d < 50*time.Millisecond {
		t.Errorf("first post-threshold read returned after %v, want the cooldown wait", d)
	}

	start = time.Now()
	if _, ok := s.ReadVoltage(0); ok {
		t.Fatal("disabled channel returned a value")
	}
	if d := time.Since(start); d > 30*time.Millisecond {
		t.Errorf("second post-threshold read took %v, cooldown paid twice", d)
	}
}

func TestSuccessResetsErrorCount(t *testing.T) {
	s, drv := newTestSensor(t, testConfig())
	drv.Analog(0).FailNext(2, errors.New("scripted"))
	s.ReadVoltage(0)
	s.ReadVoltage(0)
	if got := s.ErrorCount(0); got != 2 {
		t.Fatalf("ErrorCount = %d, want 2", got)
	}
	if _, ok := s.ReadVoltage(0); !ok {
		t.Fatal("read failed after scripted failures cleared")
	}
	if got := s.ErrorCount(0); got != 0 {
		t.Errorf("ErrorCount after success = %d, want 0", got)
	}
}

func TestTransportErrorForcesReinit(t *testing.T) {
	s, drv := newTestSensor(t, testConfig())
	drv.Analog(0).SetRaw(100)
	if _, ok := s.ReadVoltage(0); !ok {
		t.Fatal("initial read failed")
	}
	if !s.Connected() {
		t.Fatal("sensor not connected after successful read")
	}

	drv.Analog(0).FailNext(1, errors.New("read: remote i/o error"))
	if _, ok := s.ReadVoltage(0); ok {
		t.Fatal("transport failure read succeeded")
	}
	if s.Connected() {
		t.Error("handle kept after transport failure")
	}

	// Zero backoff: the next read reconnects immediately.
	if _, ok := s.ReadVoltage(0); !ok {
		t.Error("read after reconnect failed")
	}
	if !s.Connected() {
		t.Error("sensor did not reconnect")
	}
}

func TestOpenerFailureCountsAgainstChannel(t *testing.T) {
	openErr := errors.New("no such device")
	s, err := NewSensor(func() (hal.AnalogInputDriver, error) { return nil, openErr }, testConfig(), testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.ReadVoltage(0); ok {
		t.Fatal("read succeeded without a device")
	}
	if got := s.ErrorCount(0); got != 1 {
		t.Errorf("ErrorCount = %d, want 1", got)
	}
}

func TestReadAllPressuresIsolatesFailures(t *testing.T) {
	s, drv := newTestSensor(t, testConfig())
	drv.Analog(0).SetRaw(400)
	drv.Analog(1).FailNext(-1, errors.New("scripted"))
	drv.Analog(2).SetRaw(800)

	out := s.ReadAllPressures()
	if !out[0].OK || !out[2].OK {
		t.Errorf("healthy chambers reported absent: %+v", out)
	}
	if out[1].OK {
		t.Error("failed chamber reported present")
	}
}

func TestTakeAveragedReading(t *testing.T) {
	cfg := testConfig()
	s, drv := newTestSensor(t, cfg)
	const raw = 1000.0
	drv.Analog(0).SetRaw(raw)

	avg, ok := s.TakeAveragedReading(0, 5, 0)
	if !ok {
		t.Fatal("averaged reading failed")
	}
	// Constant samples: the average is the unfiltered value, filtered once.
	ref, err := filter.NewKalmanFilter(cfg.ChamberKalmanQ, cfg.ChamberKalmanR)
	if err != nil {
		t.Fatal(err)
	}
	want := ref.Update(raw * FullScaleVoltage / MaxRawCode * cfg.Multiplier * 1000)
	if avg != want {
		t.Errorf("averaged reading = %v, want %v", avg, want)
	}
	if drv.Analog(0).Reads() != 5 {
		t.Errorf("issued %d reads, want 5", drv.Analog(0).Reads())
	}
}

func TestTakeAveragedReadingToleratesPartialFailures(t *testing.T) {
	s, drv := newTestSensor(t, testConfig())
	drv.Analog(0).SetRaw(1000)
	drv.Analog(0).FailNext(2, errors.New("scripted"))
	if _, ok := s.TakeAveragedReading(0, 5, 0); !ok {
		t.Error("averaged reading failed despite recovering samples")
	}

	drv.Analog(0).FailNext(-1, errors.New("scripted"))
	s.ResetErrors()
	if _, ok := s.TakeAveragedReading(0, 2, 0); ok {
		t.Error("averaged reading succeeded with zero samples")
	}
}

func TestCheckSensorStability(t *testing.T) {
	s, drv := newTestSensor(t, testConfig())
	drv.Analog(0).SetRaw(600)
	st, ok := s.CheckSensorStability(0, 5, 0, 1.0)
	if !ok {
		t.Fatal("stability check failed")
	}
	if st.StdDev != 0 {
		t.Errorf("StdDev = %v, want 0 for constant signal", st.StdDev)
	}
	if !st.Stable {
		t.Error("constant signal reported unstable")
	}

	drv.Analog(1).FailNext(-1, errors.New("scripted"))
	if _, ok := s.CheckSensorStability(1, 3, 0, 1.0); ok {
		t.Error("stability check succeeded with no samples")
	}
}

func TestValidateSensors(t *testing.T) {
	s, drv := newTestSensor(t, testConfig())
	drv.Analog(0).SetRaw(2000)
	drv.Analog(1).SetRaw(MaxRawCode) // ~10240 mbar, past 1.1 x 2500
	drv.Analog(2).FailNext(-1, errors.New("scripted"))

	valid := s.ValidateSensors()
	if !valid[0] {
		t.Error("in-range chamber reported invalid")
	}
	if valid[1] {
		t.Error("over-limit chamber reported valid")
	}
	if valid[2] {
		t.Error("absent chamber reported valid")
	}
}

func TestOffsetAccessors(t *testing.T) {
	s, _ := newTestSensor(t, testConfig())
	if err := s.SetChamberOffset(3, 1); err == nil {
		t.Error("chamber 3 offset accepted")
	}
	if _, err := s.ChamberOffset(-1); err == nil {
		t.Error("chamber -1 offset read accepted")
	}
	s.SetOffsets([ChamberCount]float64{1, 2, 3})
	if v, _ := s.ChamberOffset(2); v != 3 {
		t.Errorf("offset = %v, want 3", v)
	}
	s.ResetOffsets()
	if v, _ := s.ChamberOffset(2); v != 0 {
		t.Errorf("offset after reset = %v, want 0", v)
	}
}

func TestSpareChannelFilterParams(t *testing.T) {
	s, _ := newTestSensor(t, testConfig())
	f, err := s.Filter(3)
	if err != nil {
		t.Fatal(err)
	}
	if f == nil {
		t.Fatal("spare channel has no filter")
	}
	if _, err := s.Filter(ChannelCount); err == nil {
		t.Error("out-of-range filter lookup accepted")
	}
}
