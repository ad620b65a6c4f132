// Package kvstore keeps option blobs in an embedded BoltDB file, for
// single-node deployments that run the ledger elsewhere or want settings to
// survive without a database round trip.
package kvstore

import (
	"bytes"
	"context"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/go-faster/errors"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
)

const bucketName = "options"

// Bolt stores option blobs keyed by name in a single bucket.
type Bolt struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path and ensures the bucket exists.
func Open(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create bucket")
	}

	return &Bolt{db: db}, nil
}

// Close releases the database file lock.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Get returns the value stored under key, or settings.ErrNotFound.
func (b *Bolt) Get(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if v == nil {
			return settings.ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		out = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put stores value under key. Identical values are not rewritten; the
// returned flag reports whether a write happened.
func (b *Bolt) Put(key string, value []byte) (bool, error) {
	written := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bytes.Equal(bucket.Get([]byte(key)), value) {
			return nil
		}
		written = true
		return bucket.Put([]byte(key), value)
	})
	if err != nil {
		return false, errors.Wrapf(err, "put %s", key)
	}
	return written, nil
}

// Option binds one key of the store as a settings.Repository.
func (b *Bolt) Option(key string) *Option {
	return &Option{store: b, key: key}
}

var _ settings.Repository = (*Option)(nil)

// Option is a single option blob inside a Bolt store.
type Option struct {
	store *Bolt
	key   string
}

// Load implements settings.Repository.
func (o *Option) Load(_ context.Context) ([]byte, error) {
	return o.store.Get(o.key)
}

// Save implements settings.Repository.
func (o *Option) Save(_ context.Context, data []byte) error {
	_, err := o.store.Put(o.key, data)
	return err
}
