// Package relayerr is the error taxonomy shared by every stage of the score
// relay pipeline. Each stage returns its own sentinel wrapped in an *Error so
// that callers can switch on Kind while errors.Is still reaches the sentinel.
package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrConfiguration is wrapped by every error raised while building a
// component from bad or missing settings.
var ErrConfiguration = errors.New("relay: configuration error")

// Kind names a single failure mode of the relay.
type Kind int

const (
	KindUnknown Kind = iota
	InvalidTapCount
	DeviceTooSlow
	MalformedUptimeHash
	NonceMismatch
	NonceExpired
	SignatureMismatch
	ChainSubmissionFailed
	ConfigurationError
)

var kindNames = map[Kind]string{
	KindUnknown:           "Unknown",
	InvalidTapCount:       "InvalidTapCount",
	DeviceTooSlow:         "DeviceTooSlow",
	MalformedUptimeHash:   "MalformedUptimeHash",
	NonceMismatch:         "NonceMismatch",
	NonceExpired:          "NonceExpired",
	SignatureMismatch:     "SignatureMismatch",
	ChainSubmissionFailed: "ChainSubmissionFailed",
	ConfigurationError:    "ConfigurationError",
}

var messageIDs = map[Kind]string{
	KindUnknown:           "internal_error",
	InvalidTapCount:       "invalid_tap_count",
	DeviceTooSlow:         "device_too_slow",
	MalformedUptimeHash:   "malformed_uptime_hash",
	NonceMismatch:         "nonce_mismatch",
	NonceExpired:          "nonce_expired",
	SignatureMismatch:     "signature_mismatch",
	ChainSubmissionFailed: "chain_submission_failed",
	ConfigurationError:    "configuration_error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON error bodies.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// MessageID is the localization key for the kind's public message.
func (k Kind) MessageID() string {
	if id, ok := messageIDs[k]; ok {
		return id
	}

	return messageIDs[KindUnknown]
}

// Class groups kinds by who is at fault.
type Class int

const (
	ClassUnknown Class = iota
	ClassTelemetry
	ClassReplay
	ClassAuthentication
	ClassInfrastructure
	ClassConfiguration
)

func (c Class) String() string {
	switch c {
	case ClassTelemetry:
		return "telemetry"
	case ClassReplay:
		return "replay"
	case ClassAuthentication:
		return "authentication"
	case ClassInfrastructure:
		return "infrastructure"
	case ClassConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

func (k Kind) Class() Class {
	switch k {
	case InvalidTapCount, DeviceTooSlow, MalformedUptimeHash:
		return ClassTelemetry
	case NonceMismatch, NonceExpired:
		return ClassReplay
	case SignatureMismatch:
		return ClassAuthentication
	case ChainSubmissionFailed:
		return ClassInfrastructure
	case ConfigurationError:
		return ClassConfiguration
	default:
		return ClassUnknown
	}
}

// StatusCode is the HTTP status reported for the kind.
func (k Kind) StatusCode() int {
	switch k.Class() {
	case ClassTelemetry:
		return http.StatusBadRequest
	case ClassReplay:
		return http.StatusConflict
	case ClassAuthentication:
		return http.StatusUnauthorized
	case ClassInfrastructure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, verb, publicReason string, privateReason error) *Error {
	return &Error{
		Kind:          kind,
		Verb:          verb,
		PublicReason:  publicReason,
		PrivateReason: privateReason,
		StatusCode:    kind.StatusCode(),
	}
}

// Error is a pipeline failure. PublicReason is safe to show to the client,
// PrivateReason is only logged.
type Error struct {
	PrivateReason error
	Kind          Kind
	Verb          string
	PublicReason  string
	StatusCode    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay: %s: %s: %v", e.Kind, e.Verb, e.PrivateReason)
}

func (e *Error) Unwrap() error {
	return e.PrivateReason
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}

	return KindUnknown
}
