// Package calibration persists per-chamber additive pressure offsets and
// keeps the live sensor in sync with storage. Offset is the machine's only
// calibration mechanism; there is no slope correction.
package calibration

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/evancroft/pneumo-pi/controller/storage"
)

// Bucket is the offset table's bbolt bucket.
const Bucket = "chamber_offsets"

// ChamberCount matches the machine's fixed three-chamber layout.
const ChamberCount = 3

// Offset is one calibration record. Records are append-only: superseded
// rows are deactivated, never deleted.
type Offset struct {
	ID        string  `json:"id"`
	ChamberID int     `json:"chamber_id"`
	Value     float64 `json:"offset_value"`
	Date      string  `json:"offset_date"` // RFC 3339
	Active    bool    `json:"is_active"`
}

// Database is the offset table. Saves are transactional: deactivating the
// previous row and inserting the new one either both happen or neither.
type Database struct {
	store *storage.Store
	log   logrus.FieldLogger
}

// NewDatabase ensures the bucket exists.
func NewDatabase(store *storage.Store, log logrus.FieldLogger) (*Database, error) {
	if err := store.CreateBucket(Bucket); err != nil {
		return nil, fmt.Errorf("calibration: create bucket: %w", err)
	}
	return &Database{store: store, log: log}, nil
}

// SaveChamberOffset deactivates the chamber's active row and appends a new
// active one atomically, leaving exactly one active record per chamber.
func (d *Database) SaveChamberOffset(chamber int, value float64) error {
	if chamber < 0 || chamber >= ChamberCount {
		return fmt.Errorf("calibration: invalid chamber %d", chamber)
	}
	return d.store.DB().Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(Bucket))
		if b == nil {
			return fmt.Errorf("calibration: bucket missing")
		}
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var rec Offset
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("calibration: corrupt record %s: %w", k, err)
			}
			if rec.ChamberID != chamber || !rec.Active {
				continue
			}
			rec.Active = false
			buf, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			if err := b.Put(k, buf); err != nil {
				return err
			}
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec := Offset{
			ID:        storage.SequenceID(seq),
			ChamberID: chamber,
			Value:     value,
			Date:      time.Now().Format(time.RFC3339),
			Active:    true,
		}
		buf, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), buf)
	})
}

// ActiveChamberOffset returns the chamber's single active offset, or
// ok=false when the chamber has never been calibrated.
func (d *Database) ActiveChamberOffset(chamber int) (float64, bool) {
	if chamber < 0 || chamber >= ChamberCount {
		d.log.Errorf("active offset: invalid chamber %d", chamber)
		return 0, false
	}
	var value float64
	found := false
	err := d.store.List(Bucket, func(_ string, v []byte) error {
		var rec Offset
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil
		}
		if rec.ChamberID == chamber && rec.Active {
			value = rec.Value
			found = true
		}
		return nil
	})
	if err != nil {
		d.log.WithError(err).Errorf("active offset lookup failed for chamber %d", chamber)
		return 0, false
	}
	return value, found
}

// ChamberOffsetHistory returns the chamber's records newest first. A limit
// of zero or less returns everything.
func (d *Database) ChamberOffsetHistory(chamber, limit int) ([]Offset, error) {
	if chamber < 0 || chamber >= ChamberCount {
		return nil, fmt.Errorf("calibration: invalid chamber %d", chamber)
	}
	var records []Offset
	err := d.store.List(Bucket, func(_ string, v []byte) error {
		var rec Offset
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil
		}
		if rec.ChamberID == chamber {
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("calibration: history: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Date != records[j].Date {
			return records[i].Date > records[j].Date
		}
		return records[i].ID > records[j].ID
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
