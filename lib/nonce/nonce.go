// Package nonce issues single-use challenges that a player must embed in the
// signed digest of a score. A challenge is keyed by (round, player) and can be
// consumed at most once.
package nonce

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/skysprint/scorerelay"
	"github.com/skysprint/scorerelay/internal"
	"github.com/skysprint/scorerelay/lib/relayerr"
	"github.com/skysprint/scorerelay/lib/store"
)

var (
	ErrNonceMismatch = errors.New("nonce: no matching challenge")
	ErrNonceExpired  = errors.New("nonce: challenge expired")
)

const lockStripes = 256

// Challenge is the metadata about a single nonce issuance.
type Challenge struct {
	ID        string         `json:"id"`        // UUID identifying the issuance, for logs
	RoundID   uint64         `json:"roundId"`   // Round the score will be submitted for
	Player    common.Address `json:"player"`    // Player the nonce was issued to
	Nonce     common.Hash    `json:"nonce"`     // 256 random bits
	IssuedAt  int64          `json:"issuedAt"`  // Unix seconds
	ExpiresAt int64          `json:"expiresAt"` // Unix seconds, inclusive
	Contract  common.Address `json:"contract"`  // Scoring contract the nonce is bound to
}

// Expired reports whether the challenge can no longer be consumed at now.
func (c *Challenge) Expired(now time.Time) bool {
	return now.Unix() > c.ExpiresAt
}

type Options struct {
	// Store holds the challenges. Required.
	Store store.Interface

	// Contract scopes every key, so nonces issued for one deployment are
	// invisible to a relay configured with another.
	Contract common.Address

	// TTL is how long a nonce can be consumed after issuance.
	TTL time.Duration

	// ExpiredRetention is how long an expired challenge is kept around so
	// late submissions are told it expired rather than that it is unknown.
	ExpiredRetention time.Duration

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Registry owns the live challenges. Operations on the same (round, player)
// are serialized, operations on different keys are not.
type Registry struct {
	challenges store.JSON[Challenge]
	contract   common.Address
	ttl        time.Duration
	retention  time.Duration
	now        func() time.Time
	locks      [lockStripes]sync.Mutex
}

func New(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, relayerr.New(relayerr.ConfigurationError, "nonce.New", relayerr.ConfigurationError.MessageID(),
			fmt.Errorf("%w: nonce store is missing", relayerr.ErrConfiguration))
	}

	if opts.TTL < 0 || opts.ExpiredRetention < 0 {
		return nil, relayerr.New(relayerr.ConfigurationError, "nonce.New", relayerr.ConfigurationError.MessageID(),
			fmt.Errorf("%w: nonce TTL and expired retention must not be negative", relayerr.ErrConfiguration))
	}

	if opts.TTL == 0 {
		opts.TTL = scorerelay.DefaultNonceTTL
	}

	if opts.ExpiredRetention == 0 {
		opts.ExpiredRetention = scorerelay.DefaultExpiredRetention
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Registry{
		challenges: store.JSON[Challenge]{
			Underlying: opts.Store,
			Prefix:     "nonce:" + strings.ToLower(opts.Contract.Hex()) + ":",
		},
		contract:  opts.Contract,
		ttl:       opts.TTL,
		retention: opts.ExpiredRetention,
		now:       opts.Now,
	}, nil
}

func (r *Registry) TTL() time.Duration {
	return r.ttl
}

func key(roundID uint64, player common.Address) string {
	return strings.ToLower(player.Hex()) + ":" + strconv.FormatUint(roundID, 10)
}

func (r *Registry) lock(k string) *sync.Mutex {
	return &r.locks[internal.FastHash(k)%lockStripes]
}

// Issue creates a fresh challenge for (roundID, player), replacing any
// challenge issued earlier for the same pair.
func (r *Registry) Issue(ctx context.Context, roundID uint64, player common.Address) (*Challenge, error) {
	var n common.Hash
	if _, err := rand.Read(n[:]); err != nil {
		return nil, fmt.Errorf("nonce: can't read random data: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("nonce: can't generate challenge ID: %w", err)
	}

	now := r.now()
	chall := &Challenge{
		ID:        id.String(),
		RoundID:   roundID,
		Player:    player,
		Nonce:     n,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(r.ttl).Unix(),
		Contract:  r.contract,
	}

	k := key(roundID, player)
	mu := r.lock(k)
	mu.Lock()
	defer mu.Unlock()

	if err := r.challenges.Set(ctx, k, *chall, r.ttl+r.retention); err != nil {
		return nil, fmt.Errorf("nonce: can't store challenge: %w", err)
	}

	noncesIssued.Inc()

	return chall, nil
}

// Consume spends the challenge for (roundID, player) if it carries nonce and
// has not expired. A challenge that does not match is left in place.
func (r *Registry) Consume(ctx context.Context, roundID uint64, player common.Address, nonce common.Hash) error {
	k := key(roundID, player)
	mu := r.lock(k)
	mu.Lock()
	defer mu.Unlock()

	chall, raw, err := r.challenges.GetRaw(ctx, k)
	switch {
	case errors.Is(err, store.ErrNotFound):
		noncesConsumed.WithLabelValues("mismatch").Inc()
		return mismatch(fmt.Errorf("%w: no challenge for round %d player %s", ErrNonceMismatch, roundID, player.Hex()))
	case err != nil:
		noncesConsumed.WithLabelValues("error").Inc()
		return fmt.Errorf("nonce: can't read challenge: %w", err)
	}

	if subtle.ConstantTimeCompare(chall.Nonce[:], nonce[:]) != 1 {
		noncesConsumed.WithLabelValues("mismatch").Inc()
		return mismatch(fmt.Errorf("%w: nonce differs from challenge %s", ErrNonceMismatch, chall.ID))
	}

	if chall.Expired(r.now()) {
		if err := r.challenges.DeleteIf(ctx, k, raw); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("nonce: can't delete expired challenge: %w", err)
		}

		noncesConsumed.WithLabelValues("expired").Inc()
		return relayerr.New(relayerr.NonceExpired, "nonce.Consume", relayerr.NonceExpired.MessageID(),
			fmt.Errorf("%w: challenge %s expired at %d", ErrNonceExpired, chall.ID, chall.ExpiresAt))
	}

	// Another relay instance sharing the store may consume or reissue between
	// the read and here. Only the exact challenge that was read is removed.
	if err := r.challenges.DeleteIf(ctx, k, raw); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			noncesConsumed.WithLabelValues("mismatch").Inc()
			return mismatch(fmt.Errorf("%w: challenge %s consumed or replaced concurrently", ErrNonceMismatch, chall.ID))
		}

		noncesConsumed.WithLabelValues("error").Inc()
		return fmt.Errorf("nonce: can't delete challenge: %w", err)
	}

	noncesConsumed.WithLabelValues("ok").Inc()
	return nil
}

func mismatch(err error) error {
	return relayerr.New(relayerr.NonceMismatch, "nonce.Consume", relayerr.NonceMismatch.MessageID(), err)
}
