package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/skysprint/scorerelay/lib/relayerr"
)

const relayerKeyHex = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

var contract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// fakeBackend is a pre-London node that mines every transaction it is sent
// into block 1. Methods the relay never calls panic through the nil
// embedded interface.
type fakeBackend struct {
	bind.ContractBackend

	lock    sync.Mutex
	sent    []*types.Transaction
	nonce   uint64
	status  uint64
	sendErr error
	pending bool
	hang    bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{status: types.ReceiptStatusSuccessful}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(44787), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1)}, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.lock.Lock()
	hang := f.hang
	f.lock.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}

	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.pending {
		return nil, ethereum.NotFound
	}

	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return &types.Receipt{
				Status:      f.status,
				TxHash:      hash,
				BlockNumber: big.NewInt(1),
			}, nil
		}
	}

	return nil, ethereum.NotFound
}

func newEthereum(t *testing.T, backend *fakeBackend) *Ethereum {
	t.Helper()
	return newEthereumWithTimeout(t, backend, 2*time.Second)
}

func newEthereumWithTimeout(t *testing.T, backend *fakeBackend, timeout time.Duration) *Ethereum {
	t.Helper()

	key, err := ParsePrivateKey(relayerKeyHex)
	if err != nil {
		t.Fatal(err)
	}

	e, err := New(t.Context(), Options{
		Backend:        backend,
		PrivateKey:     key,
		Contract:       contract,
		ConfirmTimeout: timeout,
	})
	if err != nil {
		t.Fatal(err)
	}

	return e
}

func submission() Submission {
	return Submission{
		RoundID:   3,
		Player:    common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
		Score:     4200,
		Nonce:     common.HexToHash("0xaa"),
		Signature: make([]byte, 65),
		Digest:    common.HexToHash("0xbb"),
	}
}

func TestSubmit(t *testing.T) {
	backend := newFakeBackend()
	e := newEthereum(t, backend)

	sub := submission()
	receipt, err := e.Submit(t.Context(), sub)
	if err != nil {
		t.Fatal(err)
	}

	if len(backend.sent) != 1 {
		t.Fatalf("wanted one transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]

	if receipt.TxHash != tx.Hash().Hex() || receipt.TxHash == "" {
		t.Errorf("receipt has tx hash %q, wanted %q", receipt.TxHash, tx.Hash().Hex())
	}

	if receipt.Digest != sub.Digest {
		t.Errorf("receipt has digest %s, wanted %s", receipt.Digest, sub.Digest)
	}

	if *tx.To() != contract {
		t.Errorf("transaction sent to %s, wanted %s", tx.To(), contract)
	}

	if tx.Gas() != 1_000_000 {
		t.Errorf("wanted gas limit 1000000, got %d", tx.Gas())
	}

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(44787)), tx)
	if err != nil {
		t.Fatal(err)
	}
	if from != e.From() {
		t.Errorf("transaction signed by %s, wanted %s", from, e.From())
	}

	parsed, err := abi.JSON(strings.NewReader(ScoreABI))
	if err != nil {
		t.Fatal(err)
	}

	args, err := parsed.Methods["submitScore"].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatal(err)
	}

	if got := args[0].(*big.Int).Uint64(); got != sub.RoundID {
		t.Errorf("wanted round %d, got %d", sub.RoundID, got)
	}
	if got := args[1].(common.Address); got != sub.Player {
		t.Errorf("wanted player %s, got %s", sub.Player, got)
	}
	if got := args[2].(*big.Int).Uint64(); got != sub.Score {
		t.Errorf("wanted score %d, got %d", sub.Score, got)
	}
	if got := common.Hash(args[3].([32]byte)); got != sub.Nonce {
		t.Errorf("wanted nonce %s, got %s", sub.Nonce, got)
	}
}

func TestSubmitFailures(t *testing.T) {
	for _, tt := range []struct {
		name string
		mut  func(*fakeBackend)
		err  error
	}{
		{
			name: "reverted",
			mut:  func(f *fakeBackend) { f.status = types.ReceiptStatusFailed },
			err:  ErrReverted,
		},
		{
			name: "broadcast",
			mut:  func(f *fakeBackend) { f.sendErr = errors.New("insufficient funds for gas") },
		},
		{
			name: "confirmation timeout",
			mut:  func(f *fakeBackend) { f.pending = true },
			err:  context.DeadlineExceeded,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			tt.mut(backend)
			e := newEthereum(t, backend)

			_, err := e.Submit(t.Context(), submission())
			if !errors.Is(err, ErrChainSubmissionFailed) {
				t.Fatalf("wanted ErrChainSubmissionFailed, got: %v", err)
			}

			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Errorf("wanted %v in the chain, got: %v", tt.err, err)
			}

			if got := relayerr.KindOf(err); got != relayerr.ChainSubmissionFailed {
				t.Errorf("wanted kind %s, got: %s", relayerr.ChainSubmissionFailed, got)
			}
		})
	}
}

func TestHungBroadcastTimesOut(t *testing.T) {
	backend := newFakeBackend()
	backend.hang = true
	e := newEthereumWithTimeout(t, backend, 200*time.Millisecond)

	done := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := e.Submit(context.Background(), submission())
			done <- err
		}()
	}

	for range 2 {
		select {
		case err := <-done:
			if !errors.Is(err, ErrChainSubmissionFailed) {
				t.Errorf("wanted ErrChainSubmissionFailed, got: %v", err)
			}

			if !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("wanted context.DeadlineExceeded in the chain, got: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Submit did not give up on a hung broadcast")
		}
	}

	backend.lock.Lock()
	backend.hang = false
	backend.lock.Unlock()

	if _, err := e.Submit(t.Context(), submission()); err != nil {
		t.Errorf("send lock was not released after the timeout: %v", err)
	}
}

func TestConcurrentSubmitUsesDistinctNonces(t *testing.T) {
	backend := newFakeBackend()
	e := newEthereum(t, backend)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Submit(t.Context(), submission()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, tx := range backend.sent {
		if seen[tx.Nonce()] {
			t.Errorf("account nonce %d used twice", tx.Nonce())
		}
		seen[tx.Nonce()] = true
	}
}

func TestNewConfigErrors(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		opts Options
	}{
		{"missing rpc url", Options{PrivateKey: key, Contract: contract}},
		{"missing key", Options{RPCURL: "http://localhost:8545", Contract: contract}},
		{"missing contract", Options{RPCURL: "http://localhost:8545", PrivateKey: key}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(t.Context(), tt.opts)
			if !errors.Is(err, relayerr.ErrConfiguration) {
				t.Errorf("wanted configuration error, got: %v", err)
			}
			if got := relayerr.KindOf(err); got != relayerr.ConfigurationError {
				t.Errorf("wanted kind %s, got: %s", relayerr.ConfigurationError, got)
			}
		})
	}
}

func TestParsePrivateKey(t *testing.T) {
	for _, tt := range []struct {
		name string
		in   string
		ok   bool
	}{
		{"with prefix", relayerKeyHex, true},
		{"without prefix", strings.TrimPrefix(relayerKeyHex, "0x"), true},
		{"trailing newline", relayerKeyHex + "\n", true},
		{"empty", "", false},
		{"garbage", "0xnothex", false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePrivateKey(tt.in)
			if (err == nil) != tt.ok {
				t.Errorf("wanted ok=%v, got: %v", tt.ok, err)
			}
			if err != nil && !errors.Is(err, relayerr.ErrConfiguration) {
				t.Errorf("wanted configuration error, got: %v", err)
			}
		})
	}
}
