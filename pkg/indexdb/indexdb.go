// Package indexdb persists built track indexes in a bolt database, so
// re-opening a large file skips the sample table walk.
package indexdb

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"mediakit/pkg/media"
)

const dbAPIversion = "1"

// DB implements media.IndexStore on a bolt database.
type DB struct {
	db *bolt.DB
}

// Open opens or creates the database at dbPath.
func Open(dbPath string) (*DB, error) {
	dbOpts := &bolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bolt.Open(dbPath, 0o600, dbOpts)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w: %v", err, dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(dbAPIversion))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create bucket: %v, %w", dbAPIversion, err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// encodeKey joins the file key and the track ID. The file key length
// prefix keeps distinct pairs distinct.
func encodeKey(fileKey string, trackID int64) []byte {
	key := make([]byte, len(fileKey)+12)
	binary.BigEndian.PutUint32(key, uint32(len(fileKey)))
	copy(key[4:], fileKey)
	binary.BigEndian.PutUint64(key[len(key)-8:], uint64(trackID))
	return key
}

// GetIndex implements media.IndexStore.
func (d *DB) GetIndex(fileKey string, trackID int64) (*media.Index, error) {
	var value []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(dbAPIversion)).Get(encodeKey(fileKey, trackID))
		if v != nil {
			value = append(value, v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}

	x := &media.Index{}
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(x); err != nil {
		return nil, fmt.Errorf("could not decode index: %w", err)
	}
	return x, nil
}

// PutIndex implements media.IndexStore.
func (d *DB) PutIndex(fileKey string, trackID int64, x *media.Index) error {
	var value bytes.Buffer
	if err := gob.NewEncoder(&value).Encode(x); err != nil {
		return fmt.Errorf("could not encode index: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbAPIversion))
		return b.Put(encodeKey(fileKey, trackID), value.Bytes())
	})
}
