package services_test

import (
	"errors"
	"strings"
	"testing"

	"docket/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "capture", "download", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"capture", "download", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

type kindError string

func (k kindError) Error() string     { return string(k) }
func (k kindError) ErrorKind() string { return string(k) }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want services.Outcome
	}{
		{"nil", nil, services.OutcomeRetryable},
		{"plain", errors.New("connection reset"), services.OutcomeRetryable},
		{"transient", services.Wrap(services.ErrTransient, "extract", "fetch", "timeout", nil), services.OutcomeRetryable},
		{"external tool", services.Wrap(services.ErrExternalTool, "capture", "run", "", errors.New("exit 1")), services.OutcomeRetryable},
		{"terminal", services.Terminal("normalize", "parse", "malformed", nil), services.OutcomeTerminal},
		{"validation", services.Wrap(services.ErrValidation, "publish", "check", "empty transcript", nil), services.OutcomeTerminal},
		{"configuration", services.Wrap(services.ErrConfiguration, "capture", "setup", "no command", nil), services.OutcomeTerminal},
		{"classifier terminal", kindError("terminal"), services.OutcomeTerminal},
		{"classifier other", kindError("network"), services.OutcomeRetryable},
	}
	for _, tc := range cases {
		if got := services.Classify(tc.err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}
