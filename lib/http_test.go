package lib

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/skysprint/scorerelay"
	"github.com/skysprint/scorerelay/lib/relayerr"
)

func postJSON(t *testing.T, ts *httptest.Server, path string, body any, lang string) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, ts.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("can't make request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if lang != "" {
		req.Header.Set("Accept-Language", lang)
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("can't do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func TestHTTPRoundTrip(t *testing.T) {
	h := spawnRelay(t, nil)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	key := loadKey(t, playerKeyHex)
	player := crypto.PubkeyToAddress(key.PublicKey)

	resp := postJSON(t, ts, "/api/nonce", NonceRequest{RoundID: 9, Player: player}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wanted status 200, got %d", resp.StatusCode)
	}

	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("nonce response is cacheable: %q", cc)
	}

	var nr NonceResponse
	if err := json.NewDecoder(resp.Body).Decode(&nr); err != nil {
		t.Fatal(err)
	}

	if nr.DigestVersion != scorerelay.DigestVersion || nr.Contract != testContract || nr.Player != player {
		t.Errorf("unexpected nonce response: %+v", nr)
	}

	// A second nonce replaces the first, sign for the new one.
	sub := h.signedSubmission(t, key, key, 9, 1234)

	resp = postJSON(t, ts, "/api/submit-score", sub, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wanted status 200, got %d", resp.StatusCode)
	}

	var receipt RelayReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		t.Fatal(err)
	}

	if receipt.TxHash == "" {
		t.Error("receipt has no tx hash")
	}

	resp = postJSON(t, ts, "/api/submit-score", sub, "de")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replay: wanted status 409, got %d", resp.StatusCode)
	}

	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatal(err)
	}

	if er.Kind != relayerr.NonceMismatch.String() {
		t.Errorf("wanted kind %s, got %q", relayerr.NonceMismatch, er.Kind)
	}

	if !strings.Contains(er.Error, "Nonce") {
		t.Errorf("wanted a german error message, got %q", er.Error)
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	h := spawnRelay(t, nil)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	key := loadKey(t, playerKeyHex)
	other := loadKey(t, otherKeyHex)

	for _, tt := range []struct {
		name   string
		sub    func(t *testing.T) ScoreSubmission
		status int
		kind   relayerr.Kind
	}{
		{
			name: "bad telemetry",
			sub: func(t *testing.T) ScoreSubmission {
				sub := h.signedSubmission(t, key, key, 1, 1)
				sub.Telemetry.TapCount = 5
				return sub
			},
			status: http.StatusBadRequest,
			kind:   relayerr.InvalidTapCount,
		},
		{
			name: "wrong signer",
			sub: func(t *testing.T) ScoreSubmission {
				return h.signedSubmission(t, key, other, 1, 1)
			},
			status: http.StatusUnauthorized,
			kind:   relayerr.SignatureMismatch,
		},
		{
			name: "no nonce issued",
			sub: func(t *testing.T) ScoreSubmission {
				sub := h.signedSubmission(t, key, key, 1, 1)
				h.srv.registry.Consume(t.Context(), sub.RoundID, sub.Player, sub.Nonce)
				return sub
			},
			status: http.StatusConflict,
			kind:   relayerr.NonceMismatch,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts, "/api/submit-score", tt.sub(t), "")
			if resp.StatusCode != tt.status {
				t.Errorf("wanted status %d, got %d", tt.status, resp.StatusCode)
			}

			var er ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
				t.Fatal(err)
			}

			if er.Kind != tt.kind.String() {
				t.Errorf("wanted kind %s, got %q", tt.kind, er.Kind)
			}

			if er.Error == "" || er.Error == tt.kind.MessageID() {
				t.Errorf("error message was not localized: %q", er.Error)
			}
		})
	}
}

func TestHTTPBadRequests(t *testing.T) {
	h := spawnRelay(t, nil)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	for _, tt := range []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"not json", http.MethodPost, "/api/nonce", "{", http.StatusBadRequest},
		{"missing player", http.MethodPost, "/api/nonce", `{"roundId": 1}`, http.StatusBadRequest},
		{"bad player", http.MethodPost, "/api/nonce", `{"roundId": 1, "player": "0x1234"}`, http.StatusBadRequest},
		{"bad signature hex", http.MethodPost, "/api/submit-score", `{"player": "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", "signature": "zz"}`, http.StatusBadRequest},
		{"too large", http.MethodPost, "/api/submit-score", `{"device": "` + strings.Repeat("a", maxBodySize) + `"}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/nonce", "", http.StatusMethodNotAllowed},
	} {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequestWithContext(t.Context(), tt.method, ts.URL+tt.path, strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}

			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Errorf("wanted status %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestHTTPInfo(t *testing.T) {
	h := spawnRelay(t, nil)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/api/info")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var info InfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}

	if info.Contract != testContract || info.DigestVersion != scorerelay.DigestVersion || info.NonceTTLSeconds != 60 {
		t.Errorf("unexpected info: %+v", info)
	}

	if info.AttestationPublicKey != "" {
		t.Error("attestation key advertised without attestation")
	}
}
