package faultline

import (
	"errors"
	"reflect"
	"testing"
)

func newTestSanitizer() *Sanitizer {
	return NewSanitizer(nil, "", 10)
}

func TestSanitizeRedactsSensitiveKeys(t *testing.T) {
	s := newTestSanitizer()

	in := map[string]any{
		"username": "alice",
		"password": "hunter2",
		"apiToken": "tok_live_abc",
		"nested": map[string]any{
			"refreshToken": "rt-123",
			"count":        3,
			"deep": map[string]any{
				"api_key": "sk-xyz",
				"note":    "fine",
			},
		},
	}

	out := s.Sanitize(in).(map[string]any)

	if out["username"] != "alice" {
		t.Errorf("username = %v, want alice", out["username"])
	}
	if out["password"] != redactedMarker {
		t.Errorf("password = %v, want %s", out["password"], redactedMarker)
	}
	if out["apiToken"] != redactedMarker {
		t.Errorf("apiToken = %v, want %s", out["apiToken"], redactedMarker)
	}

	nested := out["nested"].(map[string]any)
	if nested["refreshToken"] != redactedMarker {
		t.Errorf("nested refreshToken = %v, want redacted", nested["refreshToken"])
	}
	if nested["count"] != 3 {
		t.Errorf("nested count = %v, want 3", nested["count"])
	}
	deep := nested["deep"].(map[string]any)
	if deep["api_key"] != redactedMarker {
		t.Errorf("deep api_key = %v, want redacted", deep["api_key"])
	}
	if deep["note"] != "fine" {
		t.Errorf("deep note = %v, want fine", deep["note"])
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	s := newTestSanitizer()

	in := map[string]any{"password": "secret", "ok": "yes"}
	s.Sanitize(in)

	if in["password"] != "secret" {
		t.Error("Sanitize mutated its input")
	}
}

func TestSanitizeCustomPatterns(t *testing.T) {
	s := NewSanitizer([]string{"^ssn$", "card"}, "", 10)

	out := s.Sanitize(map[string]any{
		"ssn":        "123-45-6789",
		"cardNumber": "4111111111111111",
		"ssnHistory": "kept, pattern is anchored",
	}).(map[string]any)

	if out["ssn"] != redactedMarker {
		t.Errorf("ssn = %v, want redacted", out["ssn"])
	}
	if out["cardNumber"] != redactedMarker {
		t.Errorf("cardNumber = %v, want redacted", out["cardNumber"])
	}
	if out["ssnHistory"] != "kept, pattern is anchored" {
		t.Errorf("ssnHistory = %v, want original value", out["ssnHistory"])
	}
}

func TestSanitizeDepthCap(t *testing.T) {
	s := NewSanitizer(nil, "", 3)

	in := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": map[string]any{
					"d": "too deep",
				},
			},
		},
	}

	out := s.Sanitize(in).(map[string]any)
	a := out["a"].(map[string]any)
	b := a["b"].(map[string]any)
	c := b["c"].(map[string]any)
	if c["d"] != depthMarker {
		t.Errorf("value past the depth cap = %v, want %s", c["d"], depthMarker)
	}
}

func TestSanitizeCircularReference(t *testing.T) {
	s := newTestSanitizer()

	in := map[string]any{"name": "loop"}
	in["self"] = in

	out := s.Sanitize(in).(map[string]any)
	if out["name"] != "loop" {
		t.Errorf("name = %v, want loop", out["name"])
	}
	if out["self"] != circularMarker {
		t.Errorf("self = %v, want %s", out["self"], circularMarker)
	}
}

func TestSanitizeSharedReferenceIsNotCircular(t *testing.T) {
	s := newTestSanitizer()

	shared := map[string]any{"v": 1}
	out := s.Sanitize(map[string]any{"a": shared, "b": shared}).(map[string]any)

	for _, key := range []string{"a", "b"} {
		m, ok := out[key].(map[string]any)
		if !ok {
			t.Fatalf("%s = %v, want flattened map (shared, non-cyclic data must survive)", key, out[key])
		}
		if m["v"] != 1 {
			t.Errorf("%s.v = %v, want 1", key, m["v"])
		}
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	s := newTestSanitizer()

	in := map[string]any{
		"password": "x",
		"list":     []any{1, "two", map[string]any{"secret": "y", "keep": true}},
		"err":      errors.New("boom"),
	}

	once := s.Sanitize(in)
	twice := s.Sanitize(once)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("sanitize(sanitize(x)) != sanitize(x):\nonce:  %#v\ntwice: %#v", once, twice)
	}
}

func TestSanitizeErrorValues(t *testing.T) {
	s := newTestSanitizer()

	out := s.Sanitize(errors.New("disk on fire")).(map[string]any)
	if out["message"] != "disk on fire" {
		t.Errorf("message = %v, want the error text", out["message"])
	}
	if out["name"] == "" {
		t.Error("error name should carry the concrete type")
	}
}

func TestSanitizeStructsFlattenWithRedaction(t *testing.T) {
	s := newTestSanitizer()

	type creds struct {
		User     string
		Password string
	}
	out := s.Sanitize(creds{User: "bob", Password: "pw"}).(map[string]any)

	if out["User"] != "bob" {
		t.Errorf("User = %v, want bob", out["User"])
	}
	if out["Password"] != redactedMarker {
		t.Errorf("Password = %v, want redacted", out["Password"])
	}
}

func TestSanitizeUnsupportedTypes(t *testing.T) {
	s := newTestSanitizer()

	out := s.Sanitize(map[string]any{"ch": make(chan int)}).(map[string]any)
	if out["ch"] != unsupportedMarker {
		t.Errorf("ch = %v, want %s", out["ch"], unsupportedMarker)
	}
}

func TestSanitizePrimitivesAndNil(t *testing.T) {
	s := newTestSanitizer()

	if got := s.Sanitize(nil); got != nil {
		t.Errorf("Sanitize(nil) = %v, want nil", got)
	}
	if got := s.Sanitize(42); got != 42 {
		t.Errorf("Sanitize(42) = %v, want 42", got)
	}
	if got := s.Sanitize("plain"); got != "plain" {
		t.Errorf("Sanitize(plain) = %v", got)
	}
}
