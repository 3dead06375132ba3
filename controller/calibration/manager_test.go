package calibration

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/reef-pi/hal"

	"github.com/evancroft/pneumo-pi/controller/pressure"
	"github.com/evancroft/pneumo-pi/controller/storage"
	"github.com/evancroft/pneumo-pi/drivers/sim"
)

func testSensor(t *testing.T) *pressure.Sensor {
	t.Helper()
	drv := sim.New(pressure.ChannelCount, 0)
	s, err := pressure.NewSensor(func() (hal.AnalogInputDriver, error) { return drv, nil }, pressure.Config{
		Multiplier:           2.5,
		MaxPressure:          2500,
		MaxConsecutiveErrors: 5,
		ErrorCooldown:        time.Millisecond,
		ChamberKalmanQ:       0.01,
		ChamberKalmanR:       0.5,
		SpareKalmanQ:         0.05,
		SpareKalmanR:         3.0,
	}, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSaveAppliesOffsetLive(t *testing.T) {
	db := testDatabase(t)
	sensor := testSensor(t)
	m := NewManager(db, sensor, testLogger(), nil)

	if err := m.SaveChamberOffset(1, 20); err != nil {
		t.Fatal(err)
	}
	if v, _ := sensor.ChamberOffset(1); v != 20 {
		t.Errorf("live offset = %v, want 20 without a reload", v)
	}
	if v, ok := m.ActiveChamberOffset(1); !ok || v != 20 {
		t.Errorf("persisted offset = (%v, %v), want (20, true)", v, ok)
	}
}

func TestStartupLoadsPersistedOffsets(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "cal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	db, err := NewDatabase(store, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveChamberOffset(2, 20); err != nil {
		t.Fatal(err)
	}

	// A fresh sensor picks up the persisted offset through the manager.
	sensor := testSensor(t)
	NewManager(db, sensor, testLogger(), nil)
	if v, _ := sensor.ChamberOffset(2); v != 20 {
		t.Errorf("offset after bootstrap = %v, want 20", v)
	}
	if v, _ := sensor.ChamberOffset(0); v != 0 {
		t.Errorf("uncalibrated chamber offset = %v, want 0", v)
	}
}

// failingStore rejects saves so consistency on failure can be observed.
type failingStore struct {
	err error
}

func (f *failingStore) SaveChamberOffset(int, float64) error    { return f.err }
func (f *failingStore) ActiveChamberOffset(int) (float64, bool) { return 0, false }
func (f *failingStore) ChamberOffsetHistory(int, int) ([]Offset, error) {
	return nil, f.err
}

func TestFailedSaveLeavesSensorUntouched(t *testing.T) {
	sensor := testSensor(t)
	m := NewManager(&failingStore{err: errors.New("disk full")}, sensor, testLogger(), nil)

	if err := m.SaveChamberOffset(0, 99); err == nil {
		t.Fatal("failed save reported success")
	}
	if v, _ := sensor.ChamberOffset(0); v != 0 {
		t.Errorf("live offset = %v after failed save, want 0", v)
	}
}

func TestLoadAllDefaultsMissingToZero(t *testing.T) {
	db := testDatabase(t)
	sensor := testSensor(t)
	m := NewManager(db, sensor, testLogger(), nil)

	if err := m.SaveChamberOffset(1, 8); err != nil {
		t.Fatal(err)
	}
	offsets := m.LoadAllChamberOffsets()
	if offsets != [ChamberCount]float64{0, 8, 0} {
		t.Errorf("offsets = %v, want [0 8 0]", offsets)
	}
}

func TestHistoryPassthrough(t *testing.T) {
	db := testDatabase(t)
	m := NewManager(db, testSensor(t), testLogger(), nil)
	if err := m.SaveChamberOffset(0, 1); err != nil {
		t.Fatal(err)
	}
	history, err := m.ChamberOffsetHistory(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Value != 1 {
		t.Errorf("history = %+v, want one record with value 1", history)
	}
}
