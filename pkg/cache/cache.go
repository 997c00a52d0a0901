// Package cache keeps the last known state of each board on local disk so
// a session can render before the relay answers.
package cache

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boardsBucket = []byte("boards")

type Cache struct {
	db *bolt.DB
}

func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boardsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Get returns the cached snapshot of boardID, or nil.
func (c *Cache) Get(boardID string) ([]byte, error) {
	var out []byte
	if err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boardsBucket).Get([]byte(boardID)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	return out, nil
}

func (c *Cache) Put(boardID string, snapshot []byte) error {
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boardsBucket).Put([]byte(boardID), snapshot)
	}); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

func (c *Cache) Delete(boardID string) error {
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boardsBucket).Delete([]byte(boardID))
	}); err != nil {
		return fmt.Errorf("failed to delete from cache: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}
