// Command signscore plays the client side of the relay protocol: it fetches
// a nonce, signs a score for it and submits the result. With -nonce it only
// prints the digest and signature.
package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/skysprint/scorerelay"
	librelay "github.com/skysprint/scorerelay/lib"
	"github.com/skysprint/scorerelay/lib/chain"
	"github.com/skysprint/scorerelay/lib/signature"
	"github.com/skysprint/scorerelay/lib/telemetry"
)

var (
	avgFrameMillis  = flag.Float64("avg-frame-ms", 16.7, "average frame time to report")
	contractAddress = flag.String("contract-address", "", "scoring contract, only needed with -nonce")
	device          = flag.String("device", "signscore", "device name to report")
	nonceHex        = flag.String("nonce", "", "if set, sign for this nonce offline instead of asking the relay")
	playerKeyHex    = flag.String("player-private-key-hex", "", "private key of the player")
	relayURL        = flag.String("relay-url", "http://localhost:8923", "base URL of the relay, including any base prefix")
	roundID         = flag.Uint64("round", 1, "round id")
	score           = flag.Uint64("score", 0, "score to submit")
	taps            = flag.Int("taps", 50, "tap count to report")
	uptimeHash      = flag.String("uptime-hash", "", "uptime hash to report, random if empty")
)

type client struct {
	baseURL string
	http    *http.Client
}

func (c client) post(ctx context.Context, path string, body, dst any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.baseURL, "/")+scorerelay.APIPrefix+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var er librelay.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			return fmt.Errorf("%s: status %d", path, resp.StatusCode)
		}
		return fmt.Errorf("%s: status %d: %s (%s)", path, resp.StatusCode, er.Error, er.Kind)
	}

	return json.NewDecoder(resp.Body).Decode(dst)
}

func sign(key *ecdsa.PrivateKey, contract common.Address, round, score uint64, nonce common.Hash) (signature.Digest, []byte, error) {
	d := signature.Ethereum{}.ComputeDigest(signature.DigestInput{
		Contract: contract,
		RoundID:  round,
		Player:   crypto.PubkeyToAddress(key.PublicKey),
		Score:    score,
		Nonce:    nonce,
	})

	sig, err := signature.Sign(key, d)
	return d, sig, err
}

// submit runs one full client round: fetch a nonce, sign the score for it
// and hand it to the relay.
func (c client) submit(ctx context.Context, key *ecdsa.PrivateKey, round, score uint64, tel telemetry.Telemetry) (*librelay.RelayReceipt, error) {
	player := crypto.PubkeyToAddress(key.PublicKey)

	var nr librelay.NonceResponse
	if err := c.post(ctx, "nonce", librelay.NonceRequest{RoundID: round, Player: player}, &nr); err != nil {
		return nil, err
	}

	if nr.DigestVersion != signature.Version {
		return nil, fmt.Errorf("relay uses digest version %d, this tool signs version %d", nr.DigestVersion, signature.Version)
	}

	_, sig, err := sign(key, nr.Contract, round, score, nr.Nonce)
	if err != nil {
		return nil, err
	}

	var receipt librelay.RelayReceipt
	if err := c.post(ctx, "submit-score", librelay.ScoreSubmission{
		RoundID:   round,
		Player:    player,
		Score:     score,
		Nonce:     nr.Nonce,
		Signature: sig,
		Telemetry: tel,
	}, &receipt); err != nil {
		return nil, err
	}

	return &receipt, nil
}

func main() {
	flagenv.Parse()
	flag.Parse()

	key, err := chain.ParsePrivateKey(*playerKeyHex)
	if err != nil {
		log.Fatalf("PLAYER_PRIVATE_KEY_HEX: %v", err)
	}

	if *nonceHex != "" {
		if !common.IsHexAddress(*contractAddress) {
			log.Fatalf("-contract-address is required with -nonce")
		}

		d, sig, err := sign(key, common.HexToAddress(*contractAddress), *roundID, *score, common.HexToHash(*nonceHex))
		if err != nil {
			log.Fatal(err)
		}

		fmt.Println("player:   ", crypto.PubkeyToAddress(key.PublicKey).Hex())
		fmt.Println("digest:   ", d.Hex())
		fmt.Println("signature:", hexutil.Encode(sig))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	hash := *uptimeHash
	if hash == "" {
		hash = crypto.Keccak256Hash([]byte(time.Now().String())).Hex()
	}

	c := client{baseURL: *relayURL, http: http.DefaultClient}
	receipt, err := c.submit(ctx, key, *roundID, *score, telemetry.Telemetry{
		TapCount:       *taps,
		AvgFrameMillis: *avgFrameMillis,
		UptimeHash:     hash,
		Device:         *device,
	})
	if err != nil {
		log.Fatal(err)
	}

	json.NewEncoder(os.Stdout).Encode(receipt)
}
