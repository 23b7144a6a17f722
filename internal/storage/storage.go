// Package storage persists the session snapshot between runs so a restart
// can resume with a stored refresh token instead of asking for a password.
package storage

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var sessionBucket = []byte("session")

var snapshotKey = []byte("current")

// Snapshot is what survives a restart: who was logged in and the refresh
// token to resume with. Access tokens are short-lived and never stored.
type Snapshot struct {
	Username     string    `msgpack:"username"`
	RefreshToken string    `msgpack:"refresh_token"`
	SavedAt      time.Time `msgpack:"saved_at"`
}

type Storage struct {
	db *bolt.DB
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create session bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Save(snap Snapshot) error {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(snapshotKey, data)
	})
}

// Load returns the stored snapshot; ok is false when none exists.
func (s *Storage) Load() (snap Snapshot, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sessionBucket).Get(snapshotKey)
		if data == nil {
			return nil
		}
		if err := msgpack.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("decode session snapshot: %w", err)
		}
		ok = true
		return nil
	})
	return snap, ok, err
}

// Delete wipes the snapshot; called on logout and terminal session failure.
func (s *Storage) Delete() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(snapshotKey)
	})
}
