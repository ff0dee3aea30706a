package artifact

import (
	"errors"
	"testing"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return v
}

func TestParseAcceptsValidForms(t *testing.T) {
	v := newTestValidator(t)

	cases := map[string]string{
		"raw json":     `{"summary":"add handler","content":"func handler() {}"}`,
		"fenced json":  "Here you go:\n```json\n{\"summary\":\"add handler\",\"content\":\"func handler() {}\"}\n```",
		"plain fence":  "```\n{\"summary\":\"add handler\",\"content\":\"func handler() {}\"}\n```",
		"json in text": "I did the work. {\"summary\":\"add handler\",\"content\":\"func handler() {}\"} Done.",
	}
	for name, raw := range cases {
		art, err := v.Parse(raw)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if art.Summary != "add handler" || art.Content != "func handler() {}" {
			t.Errorf("%s: artifact = %+v", name, art)
		}
	}
}

func TestParseRejectsInvalidOutput(t *testing.T) {
	v := newTestValidator(t)

	cases := map[string]string{
		"no json":         "I could not produce anything structured.",
		"missing summary": `{"content":"func x() {}"}`,
		"empty content":   `{"summary":"did work","content":""}`,
		"wrong types":     `{"summary":42,"content":"x"}`,
	}
	for name, raw := range cases {
		_, err := v.Parse(raw)
		if err == nil {
			t.Errorf("%s: expected rejection", name)
			continue
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: err type %T", name, err)
		}
	}
}

func TestExtractBalancedHandlesNestedAndStrings(t *testing.T) {
	raw := `prefix {"a":{"b":"}"},"c":[1,2]} suffix`
	got := extractJSON(raw)
	if got != `{"a":{"b":"}"},"c":[1,2]}` {
		t.Fatalf("extracted %q", got)
	}
}
