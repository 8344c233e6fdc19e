package lib

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/skysprint/scorerelay"
	"github.com/skysprint/scorerelay/internal"
	"github.com/skysprint/scorerelay/lib/localization"
	"github.com/skysprint/scorerelay/lib/relayerr"
)

const maxBodySize = 64 * 1024

var errMissingPlayer = errors.New("lib: player address is missing")

// NonceRequest is the body of POST /api/nonce.
type NonceRequest struct {
	RoundID uint64         `json:"roundId"`
	Player  common.Address `json:"player"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// InfoResponse lets clients discover how to sign and how to check
// attestations.
type InfoResponse struct {
	Version              string         `json:"version"`
	Contract             common.Address `json:"contract"`
	DigestVersion        int            `json:"digestVersion"`
	NonceTTLSeconds      int64          `json:"nonceTtlSeconds"`
	AttestationPublicKey string         `json:"attestationPublicKey,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("can't decode request body: %w", err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("can't write response", "err", err)
	}
}

func (s *Server) IssueNonceHandler(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	var req NonceRequest
	if err := decodeBody(w, r, &req); err != nil {
		lg.Debug("bad nonce request", "err", err)
		s.respondWithStatus(w, r, "bad_request", "", http.StatusBadRequest)
		return
	}

	if req.Player == (common.Address{}) {
		lg.Debug("bad nonce request", "err", errMissingPlayer)
		s.respondWithStatus(w, r, "bad_request", "", http.StatusBadRequest)
		return
	}

	lg = lg.With("round", req.RoundID, "player", req.Player.Hex())

	resp, err := s.IssueNonce(r.Context(), req.RoundID, req.Player)
	if err != nil {
		lg.Error("can't issue nonce", "err", err)
		s.respondWithError(w, r, err)
		return
	}

	lg.Debug("nonce issued", "expires_at", resp.ExpiresAt)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) SubmitScoreHandler(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	var sub ScoreSubmission
	if err := decodeBody(w, r, &sub); err != nil {
		lg.Debug("bad score submission", "err", err)
		s.respondWithStatus(w, r, "bad_request", "", http.StatusBadRequest)
		return
	}

	if sub.Player == (common.Address{}) {
		lg.Debug("bad score submission", "err", errMissingPlayer)
		s.respondWithStatus(w, r, "bad_request", "", http.StatusBadRequest)
		return
	}

	lg = lg.With("round", sub.RoundID, "player", sub.Player.Hex(), "score", sub.Score)

	receipt, err := s.SubmitScore(r.Context(), sub)
	if err != nil {
		switch relayerr.KindOf(err).Class() {
		case relayerr.ClassInfrastructure, relayerr.ClassConfiguration, relayerr.ClassUnknown:
			lg.Error("score not relayed", "err", err)
		default:
			lg.Info("score rejected", "err", err)
		}

		s.respondWithError(w, r, err)
		return
	}

	lg.Info("score relayed", "tx", receipt.TxHash)
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) InfoHandler(w http.ResponseWriter, r *http.Request) {
	resp := InfoResponse{
		Version:         scorerelay.Version,
		Contract:        s.contract,
		DigestVersion:   scorerelay.DigestVersion,
		NonceTTLSeconds: int64(s.registry.TTL().Seconds()),
	}

	if s.ed25519Pub != nil {
		resp.AttestationPublicKey = hex.EncodeToString(s.ed25519Pub)
	}

	writeJSON(w, http.StatusOK, resp)
}

// respondWithError reports err to the client. Only the localized public
// reason of a relay error leaves the process.
func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var rerr *relayerr.Error
	if !errors.As(err, &rerr) {
		s.respondWithStatus(w, r, relayerr.KindUnknown.MessageID(), "", http.StatusInternalServerError)
		return
	}

	s.respondWithStatus(w, r, rerr.PublicReason, rerr.Kind.String(), rerr.StatusCode)
}

func (s *Server) respondWithStatus(w http.ResponseWriter, r *http.Request, messageID, kind string, status int) {
	localizer := localization.GetLocalizer(r)

	writeJSON(w, status, ErrorResponse{
		Error: localizer.T(messageID),
		Kind:  kind,
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
