package lib

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/skysprint/scorerelay/lib/chain"
)

const attestationIssuer = "scorerelay"

var ErrBadAttestation = errors.New("lib: attestation is not valid")

func (s *Server) signJWT(claims jwt.MapClaims) (string, error) {
	claims["iss"] = attestationIssuer
	claims["iat"] = time.Now().Unix()
	claims["nbf"] = time.Now().Add(-1 * time.Minute).Unix()
	claims["exp"] = time.Now().Add(s.opts.AttestationTTL).Unix()

	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.ed25519Priv)
}

// attest vouches that the relay accepted sub and recorded it in receipt.
func (s *Server) attest(sub ScoreSubmission, receipt *chain.Receipt) (string, error) {
	return s.signJWT(jwt.MapClaims{
		"sub":      sub.Player.Hex(),
		"round":    sub.RoundID,
		"score":    sub.Score,
		"contract": s.contract.Hex(),
		"txHash":   receipt.TxHash,
		"digest":   receipt.Digest.Hex(),
	})
}

// ParseAttestation checks token against the relay's public key and returns
// its claims. Numeric claims decode as float64.
func ParseAttestation(token string, pub ed25519.PublicKey) (jwt.MapClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		return pub, nil
	},
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(attestationIssuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithStrictDecoding(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadAttestation, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrBadAttestation
	}

	return claims, nil
}
