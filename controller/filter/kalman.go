// Package filter provides the scalar noise filter applied to chamber
// pressure readings.
package filter

import "errors"

var errNegativeVariance = errors.New("filter: variance must be >= 0")

// KalmanFilter is a one-dimensional constant-model Kalman filter.
// It carries no locking; callers serialize access per channel.
type KalmanFilter struct {
	x float64 // estimate
	p float64 // error covariance
	q float64 // process variance
	r float64 // measurement variance
	k float64 // last gain
}

// NewKalmanFilter returns a filter with the given process and measurement
// variances. Both must be non-negative.
func NewKalmanFilter(q, r float64) (*KalmanFilter, error) {
	if q < 0 || r < 0 {
		return nil, errNegativeVariance
	}
	return &KalmanFilter{q: q, r: r, p: 1.0}, nil
}

// Update folds a new measurement into the estimate and returns it.
func (f *KalmanFilter) Update(measurement float64) float64 {
	f.p += f.q
	f.k = f.p / (f.p + f.r)
	f.x += f.k * (measurement - f.x)
	f.p *= 1 - f.k
	return f.x
}

// Reset re-seeds the estimate and restores the initial covariance.
func (f *KalmanFilter) Reset(initial float64) {
	f.x = initial
	f.p = 1.0
}

func (f *KalmanFilter) SetProcessVariance(q float64) error {
	if q < 0 {
		return errNegativeVariance
	}
	f.q = q
	return nil
}

func (f *KalmanFilter) SetMeasurementVariance(r float64) error {
	if r < 0 {
		return errNegativeVariance
	}
	f.r = r
	return nil
}

// Estimate returns the current estimate without updating it.
func (f *KalmanFilter) Estimate() float64 { return f.x }

// Gain returns the gain computed by the last Update call.
func (f *KalmanFilter) Gain() float64 { return f.k }

// Covariance returns the current error covariance.
func (f *KalmanFilter) Covariance() float64 { return f.p }
