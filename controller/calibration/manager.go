package calibration

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/evancroft/pneumo-pi/controller/telemetry"
)

// OffsetStore is the persistence surface the manager needs.
type OffsetStore interface {
	SaveChamberOffset(chamber int, value float64) error
	ActiveChamberOffset(chamber int) (float64, bool)
	ChamberOffsetHistory(chamber, limit int) ([]Offset, error)
}

// OffsetSink receives live offsets; implemented by the pressure sensor.
type OffsetSink interface {
	SetChamberOffset(chamber int, value float64) error
	SetOffsets(offsets [ChamberCount]float64)
}

// Manager keeps persisted calibration and the live sensor consistent.
// Storage is written first; the sensor is only updated after the write
// lands, so the two never diverge after a successful save.
type Manager struct {
	db     OffsetStore
	sensor OffsetSink
	log    logrus.FieldLogger
	tm     *telemetry.Telemetry
}

// NewManager loads the active offsets (missing chambers default to zero)
// and pushes them into the sensor.
func NewManager(db OffsetStore, sensor OffsetSink, log logrus.FieldLogger, tm *telemetry.Telemetry) *Manager {
	m := &Manager{db: db, sensor: sensor, log: log, tm: tm}
	m.sensor.SetOffsets(m.LoadAllChamberOffsets())
	return m
}

// SaveChamberOffset persists the offset, then applies it live. On a failed
// save both the table and the sensor are left untouched.
func (m *Manager) SaveChamberOffset(chamber int, offset float64) error {
	if err := m.db.SaveChamberOffset(chamber, offset); err != nil {
		return fmt.Errorf("calibration: save chamber %d: %w", chamber, err)
	}
	if err := m.sensor.SetChamberOffset(chamber, offset); err != nil {
		// The save already landed; only an invalid index can get here.
		return fmt.Errorf("calibration: apply chamber %d: %w", chamber, err)
	}
	m.tm.RecordCalibration(chamber)
	m.log.Infof("chamber %d calibration offset saved: %.2f mbar", chamber, offset)
	return nil
}

// LoadAllChamberOffsets returns the active offset for every chamber,
// defaulting missing ones to zero. It never fails.
func (m *Manager) LoadAllChamberOffsets() [ChamberCount]float64 {
	var out [ChamberCount]float64
	for c := 0; c < ChamberCount; c++ {
		if v, ok := m.db.ActiveChamberOffset(c); ok {
			out[c] = v
		}
	}
	return out
}

// ActiveChamberOffset returns a chamber's persisted active offset.
func (m *Manager) ActiveChamberOffset(chamber int) (float64, bool) {
	return m.db.ActiveChamberOffset(chamber)
}

// ChamberOffsetHistory returns a chamber's records newest first for
// operator review.
func (m *Manager) ChamberOffsetHistory(chamber, limit int) ([]Offset, error) {
	return m.db.ChamberOffsetHistory(chamber, limit)
}
