// Package telemetry applies coarse plausibility bounds to the run summary a
// game client sends along with its score.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/skysprint/scorerelay/internal"
	"github.com/skysprint/scorerelay/lib/relayerr"
)

var (
	ErrInvalidTapCount     = errors.New("telemetry: tap count out of range")
	ErrDeviceTooSlow       = errors.New("telemetry: device too slow")
	ErrMalformedUptimeHash = errors.New("telemetry: malformed uptime hash")
	ErrInvalidBounds       = errors.New("telemetry: invalid bounds")
)

const (
	DefaultMinTaps        = 10
	DefaultMaxTaps        = 400
	DefaultMaxFrameMillis = 60
)

var uptimeHashRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Telemetry is the client's summary of a single run. It is never persisted.
type Telemetry struct {
	TapCount       int     `json:"taps"`
	AvgFrameMillis float64 `json:"avgFrameMs"`
	UptimeHash     string  `json:"uptimeHash"`
	Device         string  `json:"device,omitempty"`
}

// Bounds are the inclusive limits a run must fall within.
type Bounds struct {
	MinTaps        int     `json:"min_taps"`
	MaxTaps        int     `json:"max_taps"`
	MaxFrameMillis float64 `json:"max_frame_millis"`
}

func DefaultBounds() Bounds {
	return Bounds{
		MinTaps:        DefaultMinTaps,
		MaxTaps:        DefaultMaxTaps,
		MaxFrameMillis: DefaultMaxFrameMillis,
	}
}

func (b Bounds) Valid() error {
	var errs []error

	if b.MinTaps <= 0 {
		errs = append(errs, fmt.Errorf("%w: min_taps must be positive, got %d", ErrInvalidBounds, b.MinTaps))
	}

	if b.MaxTaps < b.MinTaps {
		errs = append(errs, fmt.Errorf("%w: max_taps (%d) is less than min_taps (%d)", ErrInvalidBounds, b.MaxTaps, b.MinTaps))
	}

	if b.MaxFrameMillis <= 0 {
		errs = append(errs, fmt.Errorf("%w: max_frame_millis must be positive, got %v", ErrInvalidBounds, b.MaxFrameMillis))
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Validator checks telemetry against a fixed set of bounds. It holds no
// mutable state and is safe for concurrent use.
type Validator struct {
	bounds Bounds
}

// NewValidator fails with relayerr.ErrConfiguration if the bounds are unusable.
func NewValidator(b Bounds) (*Validator, error) {
	if err := b.Valid(); err != nil {
		return nil, relayerr.New(relayerr.ConfigurationError, "telemetry.NewValidator", relayerr.ConfigurationError.MessageID(), fmt.Errorf("%w: %w", relayerr.ErrConfiguration, err))
	}

	return &Validator{bounds: b}, nil
}

func (v *Validator) Bounds() Bounds {
	return v.bounds
}

// Validate reports the first bound t violates. Checks run in a fixed order:
// tap count, frame time, uptime hash.
func (v *Validator) Validate(t Telemetry) error {
	if t.TapCount < v.bounds.MinTaps || t.TapCount > v.bounds.MaxTaps {
		return relayerr.New(relayerr.InvalidTapCount, "telemetry.Validate", relayerr.InvalidTapCount.MessageID(),
			fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidTapCount, t.TapCount, v.bounds.MinTaps, v.bounds.MaxTaps))
	}

	if t.AvgFrameMillis > v.bounds.MaxFrameMillis {
		return relayerr.New(relayerr.DeviceTooSlow, "telemetry.Validate", relayerr.DeviceTooSlow.MessageID(),
			fmt.Errorf("%w: average frame time %vms exceeds %vms", ErrDeviceTooSlow, t.AvgFrameMillis, v.bounds.MaxFrameMillis))
	}

	if !uptimeHashRegex.MatchString(t.UptimeHash) {
		return relayerr.New(relayerr.MalformedUptimeHash, "telemetry.Validate", relayerr.MalformedUptimeHash.MessageID(),
			fmt.Errorf("%w: %q", ErrMalformedUptimeHash, t.UptimeHash))
	}

	return nil
}

// Digest is a stable fingerprint of t for audit logs.
func Digest(t Telemetry) string {
	data, err := json.Marshal(t)
	if err != nil {
		panic(fmt.Sprintf("[unexpected] can't marshal telemetry: %v", err))
	}

	return "0x" + internal.SHA256sum(data)
}
