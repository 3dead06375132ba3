// Package storage provides the bbolt-backed bucket store shared by the
// calibration table and the monitor's reading history.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store wraps a bbolt database with JSON bucket CRUD. IDs are assigned from
// the bucket sequence and zero-padded so key order matches insertion order.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for callers that need a single
// multi-record transaction.
func (s *Store) DB() *bolt.DB { return s.db }

// CreateBucket ensures the named bucket exists.
func (s *Store) CreateBucket(bucket string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
}

// Get unmarshals the record with the given id into out.
func (s *Store) Get(bucket, id string, out interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("record %s/%s not found", bucket, id)
		}
		return json.Unmarshal(v, out)
	})
}

// Create assigns a new sequential id, passes it to fn and persists the
// returned record.
func (s *Store) Create(bucket string, fn func(id string) interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id := SequenceID(seq)
		buf, err := json.Marshal(fn(id))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), buf)
	})
}

// Update overwrites an existing record.
func (s *Store) Update(bucket, id string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("record %s/%s not found", bucket, id)
		}
		buf, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), buf)
	})
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(bucket, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return b.Delete([]byte(id))
	})
}

// List calls fn with each raw record in key order.
func (s *Store) List(bucket string, fn func(id string, v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// SequenceID formats a bucket sequence number as a fixed-width key.
func SequenceID(seq uint64) string {
	return fmt.Sprintf("%012d", seq)
}
