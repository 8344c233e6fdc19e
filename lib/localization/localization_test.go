package localization

import (
	"encoding/json"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/skysprint/scorerelay/lib/relayerr"
)

func TestLocalizationService(t *testing.T) {
	service := NewLocalizationService()

	for _, tt := range []struct {
		lang string
		want string
	}{
		{"en", "This score challenge has expired. Request a new nonce."},
		{"de", "Diese Herausforderung ist abgelaufen. Bitte eine neue Nonce anfordern."},
		{"fr", "Ce défi a expiré. Demandez un nouveau nonce."},
		{"tr", "This score challenge has expired. Request a new nonce."},
	} {
		t.Run(tt.lang, func(t *testing.T) {
			sl := &SimpleLocalizer{Localizer: service.GetLocalizer(tt.lang)}
			if got := sl.T(relayerr.NonceExpired.MessageID()); got != tt.want {
				t.Errorf("wanted %q, got: %q", tt.want, got)
			}
		})
	}
}

func TestEveryKindHasAMessage(t *testing.T) {
	sl := &SimpleLocalizer{Localizer: NewLocalizationService().GetLocalizer("en")}

	for k := relayerr.KindUnknown; k <= relayerr.ConfigurationError; k++ {
		if got := sl.T(k.MessageID()); got == k.MessageID() {
			t.Errorf("kind %s has no english message", k)
		}
	}
}

func TestGetLocalizerFromRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/submit-score", nil)
	req.Header.Set("Accept-Language", "fr-FR,fr;q=0.9,en;q=0.8")

	if got, want := GetLocalizer(req).T("nonce_mismatch"), "Ce défi est inconnu ou a déjà été utilisé. Demandez un nouveau nonce."; got != want {
		t.Errorf("wanted %q, got: %q", want, got)
	}

	if got := GetLocalizer(req).T("no_such_message"); got != "no_such_message" {
		t.Errorf("missing messages should fall back to their ID, got: %q", got)
	}
}

func TestLocalesHaveSameKeys(t *testing.T) {
	keys := func(name string) []string {
		data, err := localeFS.ReadFile("locales/" + name)
		if err != nil {
			t.Fatal(err)
		}

		var messages map[string]string
		if err := json.Unmarshal(data, &messages); err != nil {
			t.Fatal(err)
		}

		var result []string
		for k := range messages {
			result = append(result, k)
		}
		sort.Strings(result)
		return result
	}

	want := keys("en.json")
	for _, name := range []string{"de.json", "fr.json"} {
		got := keys(name)
		if len(got) != len(want) {
			t.Errorf("%s has %d keys, en.json has %d", name, len(got), len(want))
			continue
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s: key mismatch at %d: %q != %q", name, i, got[i], want[i])
			}
		}
	}
}
