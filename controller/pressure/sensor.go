// Package pressure converts ADC channel readings into calibrated, filtered
// chamber pressures with per-channel fault isolation.
package pressure

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/reef-pi/hal"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/evancroft/pneumo-pi/controller/filter"
	"github.com/evancroft/pneumo-pi/controller/telemetry"
)

const (
	// ADS1115 at unity gain: ±4.096 V full scale over ±32767 codes.
	FullScaleVoltage = 4.096
	MaxRawCode       = 32767

	// Channels 0-2 map to chambers 0-2; channel 3 is the spare input.
	ChannelCount = 4
	ChamberCount = 3

	// Connection attempts are logged verbosely this many times, then only
	// every tenth attempt.
	verboseConnectAttempts = 5
	connectLogEvery        = 10
)

// Opener connects to the ADC device. The sensor calls it lazily and again
// after a transport failure.
type Opener func() (hal.AnalogInputDriver, error)

// Config holds conversion constants and fault-isolation settings.
type Config struct {
	Multiplier           float64 // bar per volt
	Offset               float64 // bar, device-level
	MaxPressure          float64 // mbar, sane upper bound for validation
	MaxConsecutiveErrors int
	ErrorCooldown        time.Duration
	ReinitBackoff        time.Duration
	ChamberKalmanQ       float64
	ChamberKalmanR       float64
	SpareKalmanQ         float64
	SpareKalmanR         float64
}

// Reading is one chamber's converted pressure. OK is false when the channel
// was absent this cycle.
type Reading struct {
	Pressure float64 `json:"pressure"`
	OK       bool    `json:"ok"`
}

// Stability summarizes a repeated-sampling stability check.
type Stability struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Stable bool    `json:"stable"`
}

// Sensor owns the ADC handle, one Kalman filter per channel and the live
// calibration offsets. It performs no locking; the orchestrator serializes
// calls per channel.
type Sensor struct {
	open Opener
	cfg  Config
	log  logrus.FieldLogger
	tm   *telemetry.Telemetry

	adc             hal.AnalogInputDriver
	lastConnectTry  time.Time
	connectAttempts int

	filters    [ChannelCount]*filter.KalmanFilter
	offsets    [ChamberCount]float64
	errCount   [ChannelCount]int
	cooledDown [ChannelCount]bool
}

// NewSensor builds a disconnected sensor; the device is opened on first use.
// tm may be nil.
func NewSensor(open Opener, cfg Config, log logrus.FieldLogger, tm *telemetry.Telemetry) (*Sensor, error) {
	if cfg.MaxConsecutiveErrors <= 0 {
		return nil, errors.New("pressure: max consecutive errors must be positive")
	}
	s := &Sensor{open: open, cfg: cfg, log: log, tm: tm}
	for ch := 0; ch < ChannelCount; ch++ {
		q, r := cfg.ChamberKalmanQ, cfg.ChamberKalmanR
		if ch >= ChamberCount {
			q, r = cfg.SpareKalmanQ, cfg.SpareKalmanR
		}
		f, err := filter.NewKalmanFilter(q, r)
		if err != nil {
			return nil, fmt.Errorf("pressure: channel %d filter: %w", ch, err)
		}
		s.filters[ch] = f
	}
	return s, nil
}

// ensureADC connects lazily, retrying no more often than the backoff allows.
func (s *Sensor) ensureADC() bool {
	if s.adc != nil {
		return true
	}
	if !s.lastConnectTry.IsZero() && time.Since(s.lastConnectTry) < s.cfg.ReinitBackoff {
		return false
	}
	s.lastConnectTry = time.Now()
	s.connectAttempts++
	adc, err := s.open()
	if err != nil {
		if s.connectAttempts <= verboseConnectAttempts || s.connectAttempts%connectLogEvery == 0 {
			s.log.WithError(err).Warnf("ADC connect attempt %d failed", s.connectAttempts)
		}
		return false
	}
	s.log.Infof("ADC connected after %d attempt(s)", s.connectAttempts)
	s.adc = adc
	// A successful (re)initialization re-enables channels that were
	// disabled while the device was gone.
	s.ResetErrors()
	return true
}

// ReadVoltage returns the scaled input voltage for a channel, or ok=false if
// the channel is disabled or the read failed. The device attach runs before
// the threshold gate so a reconnect can revive disabled channels; a channel
// still at the threshold is not touched, and the first such read sleeps the
// error cooldown once to let the hardware settle.
func (s *Sensor) ReadVoltage(channel int) (float64, bool) {
	if channel < 0 || channel >= ChannelCount {
		s.log.Errorf("read voltage: invalid channel %d", channel)
		return 0, false
	}
	if !s.ensureADC() {
		s.recordFailure(channel, errors.New("device not connected"))
		return 0, false
	}
	if s.errCount[channel] >= s.cfg.MaxConsecutiveErrors {
		if !s.cooledDown[channel] {
			s.cooledDown[channel] = true
			s.log.Warnf("channel %d disabled after %d consecutive errors, cooling down", channel, s.errCount[channel])
			time.Sleep(s.cfg.ErrorCooldown)
		}
		return 0, false
	}
	pin, err := s.adc.AnalogInputPin(channel)
	if err != nil {
		s.recordFailure(channel, err)
		return 0, false
	}
	raw, err := pin.Value()
	if err != nil {
		s.recordFailure(channel, err)
		return 0, false
	}
	s.errCount[channel] = 0
	s.cooledDown[channel] = false
	return raw * FullScaleVoltage / MaxRawCode, true
}

func (s *Sensor) recordFailure(channel int, err error) {
	s.errCount[channel]++
	s.tm.RecordSensorError(channel)
	s.log.WithError(err).Debugf("channel %d read failed (%d consecutive)", channel, s.errCount[channel])
	if isTransportError(err) {
		s.log.WithError(err).Warn("ADC transport failure, forcing re-initialization")
		if s.adc != nil {
			_ = s.adc.Close()
			s.adc = nil
		}
	}
}

// ReadPressure converts a channel's voltage into mbar, applies the chamber
// calibration offset for chamber channels, clamps at zero and optionally
// passes the result through the channel's Kalman filter.
func (s *Sensor) ReadPressure(channel int, applyFilter bool) (float64, bool) {
	volts, ok := s.ReadVoltage(channel)
	if !ok {
		return 0, false
	}
	p := volts*s.cfg.Multiplier*1000 + s.cfg.Offset*1000
	if channel < ChamberCount {
		p += s.offsets[channel]
	}
	if p < 0 {
		p = 0
	}
	if applyFilter {
		p = s.filters[channel].Update(p)
	}
	return p, true
}

// ReadAllPressures reads the three chamber channels independently; one
// chamber's failure never blocks another's.
func (s *Sensor) ReadAllPressures() [ChamberCount]Reading {
	var out [ChamberCount]Reading
	for ch := 0; ch < ChamberCount; ch++ {
		p, ok := s.ReadPressure(ch, true)
		out[ch] = Reading{Pressure: p, OK: ok}
	}
	return out
}

// TakeAveragedReading collects unfiltered samples until n succeed or n
// attempts fail, averages them and filters the average once. It fails only
// when no sample at all was obtained.
func (s *Sensor) TakeAveragedReading(channel, n int, delay time.Duration) (float64, bool) {
	samples := s.collectSamples(channel, n, delay)
	if len(samples) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	avg := sum / float64(len(samples))
	if channel >= 0 && channel < ChannelCount {
		avg = s.filters[channel].Update(avg)
	}
	return avg, true
}

// CheckSensorStability samples like TakeAveragedReading and reports whether
// the population standard deviation stays within tolerance.
func (s *Sensor) CheckSensorStability(channel, n int, delay time.Duration, tolerance float64) (Stability, bool) {
	samples := s.collectSamples(channel, n, delay)
	if len(samples) == 0 {
		return Stability{}, false
	}
	mean := stat.Mean(samples, nil)
	sd := stat.PopStdDev(samples, nil)
	return Stability{Mean: mean, StdDev: sd, Stable: sd <= tolerance}, true
}

func (s *Sensor) collectSamples(channel, n int, delay time.Duration) []float64 {
	var samples []float64
	failures := 0
	for len(samples) < n && failures < n {
		if v, ok := s.ReadPressure(channel, false); ok {
			samples = append(samples, v)
		} else {
			failures++
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	return samples
}

// ValidateSensors takes one unfiltered reading per chamber; a chamber is
// valid when present and within [0, 1.1 x max allowed pressure].
func (s *Sensor) ValidateSensors() [ChamberCount]bool {
	var out [ChamberCount]bool
	limit := 1.1 * s.cfg.MaxPressure
	for ch := 0; ch < ChamberCount; ch++ {
		p, ok := s.ReadPressure(ch, false)
		out[ch] = ok && p >= 0 && p <= limit
	}
	return out
}

// ChamberOffset returns the live calibration offset for a chamber.
func (s *Sensor) ChamberOffset(chamber int) (float64, error) {
	if chamber < 0 || chamber >= ChamberCount {
		return 0, fmt.Errorf("pressure: invalid chamber %d", chamber)
	}
	return s.offsets[chamber], nil
}

// SetChamberOffset sets the live calibration offset for a chamber.
func (s *Sensor) SetChamberOffset(chamber int, value float64) error {
	if chamber < 0 || chamber >= ChamberCount {
		return fmt.Errorf("pressure: invalid chamber %d", chamber)
	}
	s.offsets[chamber] = value
	return nil
}

// SetOffsets replaces all chamber offsets at once.
func (s *Sensor) SetOffsets(offsets [ChamberCount]float64) {
	s.offsets = offsets
}

// ResetOffsets zeroes all chamber offsets.
func (s *Sensor) ResetOffsets() {
	s.offsets = [ChamberCount]float64{}
}

// Filter exposes a channel's Kalman filter for tuning and resets.
func (s *Sensor) Filter(channel int) (*filter.KalmanFilter, error) {
	if channel < 0 || channel >= ChannelCount {
		return nil, fmt.Errorf("pressure: invalid channel %d", channel)
	}
	return s.filters[channel], nil
}

// ErrorCount returns a channel's consecutive-failure counter.
func (s *Sensor) ErrorCount(channel int) int {
	if channel < 0 || channel >= ChannelCount {
		return 0
	}
	return s.errCount[channel]
}

// ResetErrors clears all failure counters, re-enabling disabled channels.
func (s *Sensor) ResetErrors() {
	s.errCount = [ChannelCount]int{}
	s.cooledDown = [ChannelCount]bool{}
}

// Connected reports whether the ADC handle is currently open.
func (s *Sensor) Connected() bool { return s.adc != nil }

// isTransportError reports whether an I/O failure indicates the device went
// away, requiring full re-initialization.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such device") ||
		strings.Contains(msg, "input/output error") ||
		strings.Contains(msg, "remote i/o error")
}
