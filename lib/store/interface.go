package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when the store implementation cannot find the value
	// for a given key. Delete also returns it when the key is already gone, which
	// lets callers detect that a concurrent delete won.
	ErrNotFound = errors.New("store: key not found")

	// ErrCantDecode is returned when a store adaptor cannot decode the store format
	// to a value used by the code.
	ErrCantDecode = errors.New("store: can't decode value")

	// ErrCantEncode is returned when a store adaptor cannot encode the value into
	// the format that the store uses.
	ErrCantEncode = errors.New("store: can't encode value")

	// ErrBadConfig is returned when a store adaptor's configuration is invalid.
	ErrBadConfig = errors.New("store: configuration is invalid")
)

// Interface defines the calls that the relay uses for storage in a local or
// remote datastore. This can be implemented with an in-memory, on-disk, or
// in-database storage backend.
type Interface interface {
	// Delete removes a value from the store by key. It returns ErrNotFound if
	// the key does not exist.
	Delete(ctx context.Context, key string) error

	// DeleteIf removes key only if its current value is exactly expected. It
	// returns ErrNotFound if the key does not exist, has expired or holds a
	// different value, so a caller that read a value can remove that value
	// and nothing newer.
	DeleteIf(ctx context.Context, key string, expected []byte) error

	// Get returns the value of a key assuming that value exists and has not expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set puts a value into the store that expires according to its expiry,
	// replacing any previous value for key.
	Set(ctx context.Context, key string, value []byte, expiry time.Duration) error
}

func z[T any]() T { return *new(T) }

// JSON is a typed view over an Interface that stores values as JSON under an
// optional key prefix.
type JSON[T any] struct {
	Underlying Interface
	Prefix     string
}

func (j *JSON[T]) key(key string) string {
	return j.Prefix + key
}

func (j *JSON[T]) Delete(ctx context.Context, key string) error {
	return j.Underlying.Delete(ctx, j.key(key))
}

// DeleteIf removes key if it still holds raw, the encoded form returned by
// GetRaw.
func (j *JSON[T]) DeleteIf(ctx context.Context, key string, raw []byte) error {
	return j.Underlying.DeleteIf(ctx, j.key(key), raw)
}

func (j *JSON[T]) Get(ctx context.Context, key string) (T, error) {
	result, _, err := j.GetRaw(ctx, key)
	return result, err
}

// GetRaw returns the decoded value along with the bytes it was decoded from.
func (j *JSON[T]) GetRaw(ctx context.Context, key string) (T, []byte, error) {
	data, err := j.Underlying.Get(ctx, j.key(key))
	if err != nil {
		return z[T](), nil, err
	}

	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return z[T](), nil, fmt.Errorf("%w: %w", ErrCantDecode, err)
	}

	return result, data, nil
}

func (j *JSON[T]) Set(ctx context.Context, key string, value T, expiry time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCantEncode, err)
	}

	return j.Underlying.Set(ctx, j.key(key), data, expiry)
}
