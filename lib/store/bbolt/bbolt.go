package bbolt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skysprint/scorerelay/lib/store"
	"go.etcd.io/bbolt"
)

var (
	dataKey   = []byte("data")
	expiryKey = []byte("expiry")
)

// Store implements store.Interface backed by bbolt[1].
//
// Every value gets its own bucket holding two keys:
//
// 1. data - The raw data, a JSON encoded challenge
// 2. expiry - The expiry time formatted as a time.RFC3339Nano timestamp string
//
// Keeping the expiry next to the data lets the cleanup phase scan expiry
// times without decoding challenges. Nonces survive a relay restart with
// this backend, but it cannot be shared between relay instances. For that,
// use the valkey storage backend.
//
// [1]: https://github.com/etcd-io/bbolt
type Store struct {
	bdb *bbolt.DB
}

func expired(bkt *bbolt.Bucket, now time.Time) (bool, error) {
	expiryStr := bkt.Get(expiryKey)
	if expiryStr == nil {
		return false, fmt.Errorf("[unexpected] %w: expiry is nil", store.ErrCantDecode)
	}

	expiry, err := time.Parse(time.RFC3339Nano, string(expiryStr))
	if err != nil {
		return false, fmt.Errorf("[unexpected] %w: %w", store.ErrCantDecode, err)
	}

	return now.After(expiry), nil
}

// Delete a key from the datastore. If the key does not exist or has already
// expired, return store.ErrNotFound.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(key))
		if bkt == nil {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		isExpired, err := expired(bkt, time.Now())
		if err != nil {
			return err
		}

		if err := tx.DeleteBucket([]byte(key)); err != nil {
			return err
		}

		if isExpired {
			return fmt.Errorf("%w: %q (expired)", store.ErrNotFound, key)
		}

		return nil
	})
}

// DeleteIf removes key in a single write transaction if it is live and its
// data equals expected. Otherwise it returns store.ErrNotFound.
func (s *Store) DeleteIf(ctx context.Context, key string, expected []byte) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(key))
		if bkt == nil {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		isExpired, err := expired(bkt, time.Now())
		if err != nil {
			return err
		}

		if isExpired {
			return fmt.Errorf("%w: %q (expired)", store.ErrNotFound, key)
		}

		if !bytes.Equal(bkt.Get(dataKey), expected) {
			return fmt.Errorf("%w: %q (value changed)", store.ErrNotFound, key)
		}

		return tx.DeleteBucket([]byte(key))
	})
}

// Get a value from the datastore. Expired values are reported as missing and
// removed in the background.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte

	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(key))
		if bkt == nil {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		isExpired, err := expired(bkt, time.Now())
		if err != nil {
			return err
		}

		if isExpired {
			go s.Delete(context.Background(), key)
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		data := bkt.Get(dataKey)
		if data == nil {
			return fmt.Errorf("[unexpected] %w: %q (data is nil)", store.ErrNotFound, key)
		}

		// bbolt memory is only valid for the life of the transaction
		result = append([]byte(nil), data...)

		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// Set a value into the store with a given expiry, replacing any older value.
func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	expires := time.Now().Add(expiry)

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return fmt.Errorf("%w: %w: %q (create bucket)", store.ErrCantEncode, err, key)
		}

		if err := bkt.Put(expiryKey, []byte(expires.Format(time.RFC3339Nano))); err != nil {
			return fmt.Errorf("%w: %q (expiry)", store.ErrCantEncode, key)
		}

		if err := bkt.Put(dataKey, value); err != nil {
			return fmt.Errorf("%w: %q (data)", store.ErrCantEncode, key)
		}

		return nil
	})
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.bdb.Close()
}

func (s *Store) cleanup(ctx context.Context) error {
	now := time.Now()

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		var stale [][]byte

		if err := tx.ForEach(func(key []byte, bkt *bbolt.Bucket) error {
			isExpired, err := expired(bkt, now)
			if err != nil {
				slog.Warn("while running cleanup, can't read expiry, file a bug?", "key", string(key), "err", err)
				return nil
			}

			if isExpired {
				stale = append(stale, append([]byte(nil), key...))
			}

			return nil
		}); err != nil {
			return err
		}

		for _, key := range stale {
			if err := tx.DeleteBucket(key); err != nil {
				return fmt.Errorf("can't delete expired bucket %q: %w", string(key), err)
			}
		}

		return nil
	})
}

func (s *Store) cleanupThread(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.cleanup(ctx); err != nil {
				slog.Error("error during bbolt cleanup", "err", err)
			}
		}
	}
}
