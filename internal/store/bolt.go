package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements KV using BoltDB, one bucket per namespace.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, ns := range []string{NamespaceWiFi, NamespaceSettings} {
			if _, err := tx.CreateBucketIfNotExists([]byte(ns)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
		}
		value = string(data)
		return nil
	})
	return value, err
}

func (s *BoltStore) Set(namespace, key, value string) error {
	return s.SetMany(namespace, map[string]string{key: value})
}

func (s *BoltStore) SetMany(namespace string, values map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		for k, v := range values {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return fmt.Errorf("put %s/%s: %w", namespace, k, err)
			}
		}
		return nil
	})
}

// Clear drops and recreates the namespace bucket.
func (s *BoltStore) Clear(namespace string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(namespace)) != nil {
			if err := tx.DeleteBucket([]byte(namespace)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket([]byte(namespace))
		return err
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
