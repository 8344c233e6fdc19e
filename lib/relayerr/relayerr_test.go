package relayerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusCodes(t *testing.T) {
	for _, tt := range []struct {
		kind   Kind
		class  Class
		status int
	}{
		{InvalidTapCount, ClassTelemetry, http.StatusBadRequest},
		{DeviceTooSlow, ClassTelemetry, http.StatusBadRequest},
		{MalformedUptimeHash, ClassTelemetry, http.StatusBadRequest},
		{NonceMismatch, ClassReplay, http.StatusConflict},
		{NonceExpired, ClassReplay, http.StatusConflict},
		{SignatureMismatch, ClassAuthentication, http.StatusUnauthorized},
		{ChainSubmissionFailed, ClassInfrastructure, http.StatusBadGateway},
		{ConfigurationError, ClassConfiguration, http.StatusInternalServerError},
		{KindUnknown, ClassUnknown, http.StatusInternalServerError},
	} {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.Class(); got != tt.class {
				t.Errorf("wanted class %s, got: %s", tt.class, got)
			}

			if got := New(tt.kind, "test", "test", nil).StatusCode; got != tt.status {
				t.Errorf("wanted status %d, got: %d", tt.status, got)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := fmt.Errorf("outer: %w", New(NonceExpired, "consume", "nonce_expired", fmt.Errorf("%w: round 1", sentinel)))

	if !errors.Is(err, sentinel) {
		t.Error("errors.Is did not reach the sentinel")
	}

	if got := KindOf(err); got != NonceExpired {
		t.Errorf("wanted kind %s, got: %s", NonceExpired, got)
	}

	if got := KindOf(sentinel); got != KindUnknown {
		t.Errorf("wanted kind %s, got: %s", KindUnknown, got)
	}
}

func TestKindJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Kind{"kind": SignatureMismatch})
	if err != nil {
		t.Fatal(err)
	}

	if want := `{"kind":"SignatureMismatch"}`; string(data) != want {
		t.Errorf("wanted %s, got: %s", want, data)
	}

	if got := Kind(99).MessageID(); got != "internal_error" {
		t.Errorf("unknown kinds should use the internal_error message, got: %s", got)
	}
}
