// Package monitor runs the periodic sensor health job: it snapshots chamber
// pressures, validates the sensors, persists the snapshot and feeds
// telemetry. It only runs while no test loop owns the sensor.
package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/evancroft/pneumo-pi/controller/pressure"
	"github.com/evancroft/pneumo-pi/controller/storage"
	"github.com/evancroft/pneumo-pi/controller/telemetry"
)

// Bucket stores monitor snapshots.
const Bucket = "readings"

// Snapshot is one persisted health record.
type Snapshot struct {
	ID        string                                  `json:"id"`
	Time      int64                                   `json:"ts"`
	Readings  [pressure.ChamberCount]pressure.Reading `json:"readings"`
	Valid     [pressure.ChamberCount]bool             `json:"valid"`
	ErrCounts [pressure.ChannelCount]int              `json:"error_counts"`
}

// Monitor owns the cron job.
type Monitor struct {
	sensor *pressure.Sensor
	store  *storage.Store
	tm     *telemetry.Telemetry
	log    logrus.FieldLogger
	spec   string
	cron   *cron.Cron
}

// New ensures the snapshot bucket exists. spec is a cron expression such as
// "@every 30s".
func New(sensor *pressure.Sensor, store *storage.Store, tm *telemetry.Telemetry, spec string, log logrus.FieldLogger) (*Monitor, error) {
	if err := store.CreateBucket(Bucket); err != nil {
		return nil, fmt.Errorf("monitor: create bucket: %w", err)
	}
	return &Monitor{sensor: sensor, store: store, tm: tm, log: log, spec: spec}, nil
}

// Start schedules the job.
func (m *Monitor) Start() error {
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(m.spec, m.tick); err != nil {
		return fmt.Errorf("monitor: schedule %q: %w", m.spec, err)
	}
	m.cron.Start()
	m.log.Infof("sensor monitor scheduled: %s", m.spec)
	return nil
}

// Stop halts the schedule; a running tick finishes first.
func (m *Monitor) Stop() {
	if m.cron != nil {
		ctx := m.cron.Stop()
		<-ctx.Done()
	}
}

func (m *Monitor) tick() {
	snap := Snapshot{Time: time.Now().Unix()}
	snap.Readings = m.sensor.ReadAllPressures()
	snap.Valid = m.sensor.ValidateSensors()
	for ch := 0; ch < pressure.ChannelCount; ch++ {
		snap.ErrCounts[ch] = m.sensor.ErrorCount(ch)
	}

	for c, r := range snap.Readings {
		if r.OK {
			m.tm.RecordPressure(c, r.Pressure)
		}
		if !snap.Valid[c] {
			m.log.Warnf("chamber %d sensor reading invalid", c)
		}
	}

	if err := m.store.Create(Bucket, func(id string) interface{} {
		snap.ID = id
		return &snap
	}); err != nil {
		m.log.WithError(err).Error("snapshot persist failed")
	}
	m.tm.PublishSnapshot(&snap)
}

// History returns the most recent snapshots, newest first.
func (m *Monitor) History(limit int) ([]Snapshot, error) {
	var out []Snapshot
	err := m.store.List(Bucket, func(_ string, v []byte) error {
		var s Snapshot
		if err := json.Unmarshal(v, &s); err == nil {
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Keys are sequence-ordered; reverse for newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
