// Package signature binds a score to the player that claims it. The client
// signs a digest of {contract, round, player, score, nonce} and the relay
// recovers the signer from that digest.
package signature

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/skysprint/scorerelay"
	"github.com/skysprint/scorerelay/lib/relayerr"
)

var (
	ErrSignatureMismatch = errors.New("signature: signer does not match player")
	ErrMalformed         = errors.New("signature: malformed signature")
)

// Version of the digest encoding implemented by Ethereum.
const Version = scorerelay.DigestVersion

// Digest is the 32 byte message a player signs.
type Digest = common.Hash

// DigestInput is everything a digest commits to.
type DigestInput struct {
	Contract common.Address
	RoundID  uint64
	Player   common.Address
	Score    uint64
	Nonce    common.Hash
}

// Scheme computes digests and recovers their signers.
type Scheme interface {
	ComputeDigest(in DigestInput) Digest
	RecoverSigner(d Digest, sig []byte) (common.Address, error)
}

// Ethereum is digest version 1:
//
//	keccak256(abi.encodePacked(address contract, uint256 roundId, address player, uint256 score, bytes32 nonce))
//
// signed as an EIP-191 personal message.
type Ethereum struct{}

func uint256(n uint64) []byte {
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[24:], n)
	return buf[:]
}

func (Ethereum) ComputeDigest(in DigestInput) Digest {
	return crypto.Keccak256Hash(
		in.Contract.Bytes(),
		uint256(in.RoundID),
		in.Player.Bytes(),
		uint256(in.Score),
		in.Nonce.Bytes(),
	)
}

// RecoverSigner accepts recovery ids in both the {0,1} and {27,28} forms.
func (Ethereum) RecoverSigner(d Digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: want %d bytes, got %d", ErrMalformed, crypto.SignatureLength, len(sig))
	}

	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	if v := normalized[crypto.RecoveryIDOffset]; v > 1 {
		return common.Address{}, fmt.Errorf("%w: invalid recovery id %d", ErrMalformed, sig[crypto.RecoveryIDOffset])
	}

	pub, err := crypto.SigToPub(accounts.TextHash(d.Bytes()), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a 65 byte signature over d with v in {27, 28}, the form
// wallets return from personal_sign.
func Sign(key *ecdsa.PrivateKey, d Digest) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(d.Bytes()), key)
	if err != nil {
		return nil, err
	}

	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Verifier checks that a submission was signed by the player it names.
type Verifier struct {
	scheme Scheme
}

func NewVerifier(scheme Scheme) *Verifier {
	if scheme == nil {
		scheme = Ethereum{}
	}

	return &Verifier{scheme: scheme}
}

// Verify returns the digest of in if sig recovers to in.Player. Addresses
// compare by value, so the hex casing the client used does not matter.
func (v *Verifier) Verify(in DigestInput, sig []byte) (Digest, error) {
	d := v.scheme.ComputeDigest(in)

	signer, err := v.scheme.RecoverSigner(d, sig)
	if err != nil {
		return d, relayerr.New(relayerr.SignatureMismatch, "signature.Verify", relayerr.SignatureMismatch.MessageID(),
			fmt.Errorf("%w: %w", ErrSignatureMismatch, err))
	}

	if signer != in.Player {
		return d, relayerr.New(relayerr.SignatureMismatch, "signature.Verify", relayerr.SignatureMismatch.MessageID(),
			fmt.Errorf("%w: recovered %s, claimed %s", ErrSignatureMismatch, signer.Hex(), in.Player.Hex()))
	}

	return d, nil
}
