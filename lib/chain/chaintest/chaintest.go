// Package chaintest provides an in-memory chain.Submitter for tests.
package chaintest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/skysprint/scorerelay/lib/chain"
	"github.com/skysprint/scorerelay/lib/relayerr"
)

// Fake records submissions and confirms them instantly. The tx hash is
// keccak256(digest || counter) so runs are reproducible.
type Fake struct {
	// Err, when set, fails every submission after recording it.
	Err error

	lock        sync.Mutex
	submissions []chain.Submission
}

func (f *Fake) Submit(ctx context.Context, sub chain.Submission) (*chain.Receipt, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.submissions = append(f.submissions, sub)

	if f.Err != nil {
		return nil, relayerr.New(relayerr.ChainSubmissionFailed, "chaintest.Submit", relayerr.ChainSubmissionFailed.MessageID(),
			fmt.Errorf("%w: %w", chain.ErrChainSubmissionFailed, f.Err))
	}

	if err := ctx.Err(); err != nil {
		return nil, relayerr.New(relayerr.ChainSubmissionFailed, "chaintest.Submit", relayerr.ChainSubmissionFailed.MessageID(),
			fmt.Errorf("%w: %w", chain.ErrChainSubmissionFailed, err))
	}

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(len(f.submissions)))

	return &chain.Receipt{
		TxHash:      crypto.Keccak256Hash(sub.Digest.Bytes(), counter[:]).Hex(),
		Digest:      sub.Digest,
		BlockNumber: uint64(len(f.submissions)),
	}, nil
}

// Submissions returns a copy of everything passed to Submit so far.
func (f *Fake) Submissions() []chain.Submission {
	f.lock.Lock()
	defer f.lock.Unlock()

	return append([]chain.Submission(nil), f.submissions...)
}
