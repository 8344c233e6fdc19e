package lib

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skysprint/scorerelay"
	"github.com/skysprint/scorerelay/lib/chain"
	"github.com/skysprint/scorerelay/lib/nonce"
	"github.com/skysprint/scorerelay/lib/relayerr"
	"github.com/skysprint/scorerelay/lib/signature"
	"github.com/skysprint/scorerelay/lib/telemetry"
)

var (
	scoreSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scorerelay_score_submissions_total",
		Help: "The total number of score submissions by outcome",
	}, []string{"result"})

	submitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scorerelay_submit_duration_seconds",
		Help:    "Time taken to relay an accepted score, including confirmation",
		Buckets: prometheus.ExponentialBucketsRange(0.01, 120, 14),
	})
)

// NonceResponse is handed to the client before it signs a score.
type NonceResponse struct {
	RoundID       uint64         `json:"roundId"`
	Player        common.Address `json:"player"`
	Nonce         common.Hash    `json:"nonce"`
	ExpiresAt     int64          `json:"expiresAt"`
	DigestVersion int            `json:"digestVersion"`
	Contract      common.Address `json:"contract"`
}

// ScoreSubmission is a client's claim that Player scored Score in RoundID.
type ScoreSubmission struct {
	RoundID   uint64              `json:"roundId"`
	Player    common.Address      `json:"player"`
	Score     uint64              `json:"score"`
	Nonce     common.Hash         `json:"nonce"`
	Signature hexutil.Bytes       `json:"signature"`
	Telemetry telemetry.Telemetry `json:"telemetry"`
}

// RelayReceipt is returned for every score that made it on chain.
type RelayReceipt struct {
	chain.Receipt
	Attestation string `json:"attestation,omitempty"`
}

type Server struct {
	mux         *http.ServeMux
	registry    *nonce.Registry
	validator   *telemetry.Validator
	verifier    *signature.Verifier
	submitter   chain.Submitter
	contract    common.Address
	ed25519Priv ed25519.PrivateKey
	ed25519Pub  ed25519.PublicKey
	audit       *slog.Logger
	opts        Options
}

// IssueNonce starts a submission for (roundID, player). Any earlier nonce for
// the pair stops being valid.
func (s *Server) IssueNonce(ctx context.Context, roundID uint64, player common.Address) (*NonceResponse, error) {
	chall, err := s.registry.Issue(ctx, roundID, player)
	if err != nil {
		return nil, err
	}

	return &NonceResponse{
		RoundID:       chall.RoundID,
		Player:        chall.Player,
		Nonce:         chall.Nonce,
		ExpiresAt:     chall.ExpiresAt,
		DigestVersion: scorerelay.DigestVersion,
		Contract:      s.contract,
	}, nil
}

// SubmitScore runs the relay pipeline: telemetry, signature, nonce, chain.
// The first failing stage ends the submission. The signature is checked over
// the nonce the client claims, before the nonce is spent, so a forged
// submission cannot burn a player's nonce. Once the nonce is spent it stays
// spent even if the chain submission fails.
func (s *Server) SubmitScore(ctx context.Context, sub ScoreSubmission) (*RelayReceipt, error) {
	start := time.Now()

	if err := s.validator.Validate(sub.Telemetry); err != nil {
		return nil, failed(err)
	}

	digest, err := s.verifier.Verify(signature.DigestInput{
		Contract: s.contract,
		RoundID:  sub.RoundID,
		Player:   sub.Player,
		Score:    sub.Score,
		Nonce:    sub.Nonce,
	}, sub.Signature)
	if err != nil {
		return nil, failed(err)
	}

	if err := s.registry.Consume(ctx, sub.RoundID, sub.Player, sub.Nonce); err != nil {
		return nil, failed(err)
	}

	receipt, err := s.submitter.Submit(ctx, chain.Submission{
		RoundID:   sub.RoundID,
		Player:    sub.Player,
		Score:     sub.Score,
		Nonce:     sub.Nonce,
		Signature: sub.Signature,
		Digest:    digest,
	})
	if err != nil {
		return nil, failed(err)
	}

	result := &RelayReceipt{Receipt: *receipt}

	if s.ed25519Priv != nil {
		token, err := s.attest(sub, receipt)
		if err != nil {
			// the score is already on chain, so the receipt is still returned
			slog.Error("can't sign receipt attestation", "tx", receipt.TxHash, "err", err)
		} else {
			result.Attestation = token
		}
	}

	s.audit.Info("score relayed",
		"round", sub.RoundID,
		"player", sub.Player.Hex(),
		"score", sub.Score,
		"tx", receipt.TxHash,
		"block", receipt.BlockNumber,
		"digest", digest.Hex(),
		"digest_version", scorerelay.DigestVersion,
		"telemetry_digest", telemetry.Digest(sub.Telemetry),
		"taps", sub.Telemetry.TapCount,
		"avg_frame_ms", sub.Telemetry.AvgFrameMillis,
		"device", sub.Telemetry.Device,
	)

	scoreSubmissions.WithLabelValues("ok").Inc()
	submitDuration.Observe(time.Since(start).Seconds())

	return result, nil
}

func failed(err error) error {
	scoreSubmissions.WithLabelValues(relayerr.KindOf(err).String()).Inc()
	return err
}
