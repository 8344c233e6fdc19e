package lib

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/skysprint/scorerelay"
	"github.com/skysprint/scorerelay/data"
	"github.com/skysprint/scorerelay/internal"
	"github.com/skysprint/scorerelay/lib/chain"
	"github.com/skysprint/scorerelay/lib/config"
	"github.com/skysprint/scorerelay/lib/nonce"
	"github.com/skysprint/scorerelay/lib/relayerr"
	"github.com/skysprint/scorerelay/lib/signature"
	"github.com/skysprint/scorerelay/lib/telemetry"
)

const DefaultAttestationTTL = 24 * time.Hour

type Options struct {
	Registry  *nonce.Registry
	Validator *telemetry.Validator
	Verifier  *signature.Verifier
	Submitter chain.Submitter

	// Contract is the scoring contract every digest commits to.
	Contract common.Address

	BasePrefix string

	// ED25519PrivateKey signs receipt attestations. Attestations are off
	// when it is nil.
	ED25519PrivateKey ed25519.PrivateKey
	AttestationTTL    time.Duration

	// AuditLog receives one record per relayed score.
	AuditLog *slog.Logger
}

func LoadConfigOrDefault(fname string) (*config.Config, error) {
	var fin io.ReadCloser
	var err error

	if fname != "" {
		fin, err = os.Open(fname)
		if err != nil {
			return nil, fmt.Errorf("%w: can't open config file %s: %w", relayerr.ErrConfiguration, fname, err)
		}
	} else {
		fname = "(data)/relay.yaml"
		fin, err = data.Configs.Open("relay.yaml")
		if err != nil {
			return nil, fmt.Errorf("[unexpected] can't open builtin config file %s: %w", fname, err)
		}
	}

	defer func(fin io.ReadCloser) {
		err := fin.Close()
		if err != nil {
			slog.Error("failed to close config file", "file", fname, "err", err)
		}
	}(fin)

	c, err := config.Load(fin, fname)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", relayerr.ErrConfiguration, err)
	}

	return c, nil
}

func configError(format string, args ...any) error {
	return relayerr.New(relayerr.ConfigurationError, "lib.New", relayerr.ConfigurationError.MessageID(),
		fmt.Errorf("%w: %s", relayerr.ErrConfiguration, fmt.Sprintf(format, args...)))
}

func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, configError("nonce registry is missing")
	}

	if opts.Validator == nil {
		return nil, configError("telemetry validator is missing")
	}

	if opts.Submitter == nil {
		return nil, configError("chain submitter is missing")
	}

	if opts.Contract == (common.Address{}) {
		return nil, configError("contract address is missing")
	}

	if opts.Verifier == nil {
		opts.Verifier = signature.NewVerifier(signature.Ethereum{})
	}

	if opts.AuditLog == nil {
		opts.AuditLog = slog.New(slog.DiscardHandler)
	}

	if opts.AttestationTTL <= 0 {
		opts.AttestationTTL = DefaultAttestationTTL
	}

	scorerelay.BasePrefix = opts.BasePrefix

	result := &Server{
		registry:    opts.Registry,
		validator:   opts.Validator,
		verifier:    opts.Verifier,
		submitter:   opts.Submitter,
		contract:    opts.Contract,
		ed25519Priv: opts.ED25519PrivateKey,
		audit:       opts.AuditLog,
		opts:        opts,
	}

	if opts.ED25519PrivateKey != nil {
		result.ed25519Pub = opts.ED25519PrivateKey.Public().(ed25519.PublicKey)
	}

	mux := http.NewServeMux()

	// Helper to add global prefix
	registerWithPrefix := func(pattern string, handler http.Handler, method string) {
		if method != "" {
			method = method + " " // methods must end with a space to register with them
		}

		// Ensure there's no double slash when concatenating BasePrefix and pattern
		basePrefix := strings.TrimSuffix(scorerelay.BasePrefix, "/")
		prefix := method + basePrefix

		if !strings.HasPrefix(pattern, "/") {
			pattern = "/" + pattern
		}

		mux.Handle(prefix+pattern, internal.NoStoreCache(handler))
	}

	registerWithPrefix(scorerelay.APIPrefix+"nonce", http.HandlerFunc(result.IssueNonceHandler), "POST")
	registerWithPrefix(scorerelay.APIPrefix+"submit-score", http.HandlerFunc(result.SubmitScoreHandler), "POST")
	registerWithPrefix(scorerelay.APIPrefix+"info", http.HandlerFunc(result.InfoHandler), "GET")

	result.mux = mux

	return result, nil
}
