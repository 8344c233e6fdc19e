package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skysprint/scorerelay/lib/store"
	valkey "github.com/redis/go-redis/v9"
)

// Store implements store.Interface on top of a valkey (or redis) server.
// Expiry is delegated to the server, so every relay instance pointed at the
// same server shares one nonce table.
type Store struct {
	rdb *valkey.Client
}

// Delete removes key. DEL reports how many keys it removed, so concurrent
// deleters of the same key see exactly one success.
func (s *Store) Delete(ctx context.Context, key string) error {
	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("can't delete from valkey: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	return nil
}

// deleteIf compares and deletes atomically on the server.
var deleteIf = valkey.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DeleteIf removes key only if the server still holds expected for it. The
// compare and the delete run as one script, so a value written by another
// relay instance in between is never removed.
func (s *Store) DeleteIf(ctx context.Context, key string, expected []byte) error {
	n, err := deleteIf.Run(ctx, s.rdb, []string{key}, expected).Int64()
	if err != nil {
		return fmt.Errorf("can't compare and delete in valkey: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		return nil, fmt.Errorf("can't fetch from valkey: %w", err)
	}

	return result, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, expiry).Err(); err != nil {
		return fmt.Errorf("can't set %q in valkey: %w", key, err)
	}

	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}
