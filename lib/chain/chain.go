// Package chain submits accepted scores to the scoring contract.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/skysprint/scorerelay"
	"github.com/skysprint/scorerelay/lib/relayerr"
	"github.com/skysprint/scorerelay/lib/signature"
)

var (
	ErrChainSubmissionFailed = errors.New("chain: score submission failed")
	ErrReverted              = errors.New("chain: transaction reverted")
)

// ScoreABI is the part of the scoring contract the relay calls.
const ScoreABI = `[{
	"type": "function",
	"name": "submitScore",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "roundId", "type": "uint256"},
		{"name": "player", "type": "address"},
		{"name": "score", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "signature", "type": "bytes"}
	],
	"outputs": []
}]`

// Submission is a verified score ready to be sent on chain.
type Submission struct {
	RoundID   uint64
	Player    common.Address
	Score     uint64
	Nonce     common.Hash
	Signature []byte
	Digest    signature.Digest
}

// Receipt identifies the confirmed transaction that recorded a score.
type Receipt struct {
	TxHash      string           `json:"txHash"`
	Digest      signature.Digest `json:"digest"`
	BlockNumber uint64           `json:"blockNumber"`
}

// Submitter sends one score transaction and waits for it to be confirmed.
// Submit never retries.
type Submitter interface {
	Submit(ctx context.Context, sub Submission) (*Receipt, error)
}

// Backend is the subset of an RPC client the relay needs. *ethclient.Client
// implements it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

type Options struct {
	// RPCURL is dialed when Backend is nil.
	RPCURL  string
	Backend Backend

	// PrivateKey signs every transaction. Its account pays for gas.
	PrivateKey *ecdsa.PrivateKey

	Contract common.Address

	// ChainID is asked from the node when nil or zero.
	ChainID *big.Int

	GasLimit       uint64
	ConfirmTimeout time.Duration
}

func configError(format string, args ...any) error {
	return relayerr.New(relayerr.ConfigurationError, "chain.New", relayerr.ConfigurationError.MessageID(),
		fmt.Errorf("%w: %s", relayerr.ErrConfiguration, fmt.Sprintf(format, args...)))
}

// ParsePrivateKey decodes a hex encoded secp256k1 key with or without a 0x
// prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, configError("relayer private key is missing")
	}

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, configError("relayer private key is malformed: %v", err)
	}

	return key, nil
}

// Ethereum submits scores through go-ethereum's contract bindings.
type Ethereum struct {
	backend        Backend
	contract       *bind.BoundContract
	auth           bind.TransactOpts
	from           common.Address
	gasLimit       uint64
	confirmTimeout time.Duration

	// serializes account nonce allocation for the relayer key; a channel so
	// waiters give up when their context ends
	sendLock chan struct{}
}

func New(ctx context.Context, opts Options) (*Ethereum, error) {
	if opts.Backend == nil && opts.RPCURL == "" {
		return nil, configError("RPC URL is missing")
	}

	if opts.PrivateKey == nil {
		return nil, configError("relayer private key is missing")
	}

	if opts.Contract == (common.Address{}) {
		return nil, configError("contract address is missing")
	}

	if opts.GasLimit == 0 {
		opts.GasLimit = scorerelay.DefaultGasLimit
	}

	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = scorerelay.DefaultConfirmTimeout
	}

	parsed, err := abi.JSON(strings.NewReader(ScoreABI))
	if err != nil {
		return nil, fmt.Errorf("[unexpected] can't parse score ABI: %w", err)
	}

	backend := opts.Backend
	if backend == nil {
		client, err := ethclient.DialContext(ctx, opts.RPCURL)
		if err != nil {
			return nil, relayerr.New(relayerr.ChainSubmissionFailed, "chain.New", relayerr.ChainSubmissionFailed.MessageID(),
				fmt.Errorf("%w: can't dial %s: %w", ErrChainSubmissionFailed, opts.RPCURL, err))
		}
		backend = client
	}

	chainID := opts.ChainID
	if chainID == nil || chainID.Sign() == 0 {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			return nil, relayerr.New(relayerr.ChainSubmissionFailed, "chain.New", relayerr.ChainSubmissionFailed.MessageID(),
				fmt.Errorf("%w: can't fetch chain id: %w", ErrChainSubmissionFailed, err))
		}
	}

	auth, err := bind.NewKeyedTransactorWithChainID(opts.PrivateKey, chainID)
	if err != nil {
		return nil, configError("can't build transactor: %v", err)
	}

	slog.Debug("chain relay ready", "relayer", auth.From.Hex(), "contract", opts.Contract.Hex(), "chain_id", chainID.String())

	return &Ethereum{
		backend:        backend,
		contract:       bind.NewBoundContract(opts.Contract, parsed, backend, backend, backend),
		auth:           *auth,
		from:           auth.From,
		gasLimit:       opts.GasLimit,
		confirmTimeout: opts.ConfirmTimeout,
		sendLock:       make(chan struct{}, 1),
	}, nil
}

// From is the relayer account that pays for submissions.
func (e *Ethereum) From() common.Address {
	return e.from
}

func (e *Ethereum) send(ctx context.Context, sub Submission) (*types.Transaction, error) {
	select {
	case e.sendLock <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for the send lock: %w", ctx.Err())
	}
	defer func() { <-e.sendLock }()

	opts := e.auth
	opts.Context = ctx
	opts.GasLimit = e.gasLimit

	return e.contract.Transact(&opts, "submitScore",
		new(big.Int).SetUint64(sub.RoundID),
		sub.Player,
		new(big.Int).SetUint64(sub.Score),
		[32]byte(sub.Nonce),
		sub.Signature,
	)
}

func failed(result string, err error) error {
	chainSubmissions.WithLabelValues(result).Inc()
	return relayerr.New(relayerr.ChainSubmissionFailed, "chain.Submit", relayerr.ChainSubmissionFailed.MessageID(),
		fmt.Errorf("%w: %w", ErrChainSubmissionFailed, err))
}

// Submit broadcasts submitScore and waits for one confirmation. The confirm
// timeout bounds the whole call, broadcast included.
func (e *Ethereum) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	tx, err := e.send(ctx, sub)
	if err != nil {
		return nil, failed("broadcast", err)
	}

	lg := slog.With("tx", tx.Hash().Hex(), "round", sub.RoundID, "player", sub.Player.Hex())
	lg.Debug("score transaction sent")

	receipt, err := bind.WaitMined(ctx, e.backend, tx)
	if err != nil {
		return nil, failed("timeout", fmt.Errorf("waiting for %s: %w", tx.Hash().Hex(), err))
	}

	confirmSeconds.Observe(time.Since(start).Seconds())

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, failed("reverted", fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex()))
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}

	chainSubmissions.WithLabelValues("ok").Inc()
	lg.Debug("score transaction confirmed", "block", block)

	return &Receipt{
		TxHash:      tx.Hash().Hex(),
		Digest:      sub.Digest,
		BlockNumber: block,
	}, nil
}
