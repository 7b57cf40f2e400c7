package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks failures worth retrying (network, timeouts, busy upstreams).
	ErrTransient = errors.New("transient failure")
	// ErrTerminal marks input that can never succeed; the task goes straight to dead-letter.
	ErrTerminal = errors.New("terminal failure")
	// ErrExternalTool marks a failing external command. Retryable.
	ErrExternalTool = errors.New("external tool error")
	// ErrValidation marks malformed handler input or output. Terminal.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration marks a missing or invalid handler setup. Terminal.
	ErrConfiguration = errors.New("configuration error")
	ErrTimeout       = errors.New("timeout")
)

// Outcome is the classification the queue persists for a failed handler call.
type Outcome string

const (
	OutcomeRetryable Outcome = "retryable"
	OutcomeTerminal  Outcome = "terminal"
)

// ErrorClassifier allows errors to declare their classification without
// wrapping one of the markers above. Kinds "terminal", "validation" and
// "configuration" are terminal; everything else is retryable.
type ErrorClassifier interface {
	ErrorKind() string
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. A nil marker means ErrTransient.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Terminal is shorthand for Wrap(ErrTerminal, ...).
func Terminal(stage, operation, message string, err error) error {
	return Wrap(ErrTerminal, stage, operation, message, err)
}

// Classify maps a handler or notifier error to the outcome the worker records.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeRetryable
	case errors.Is(err, ErrTerminal), errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration):
		return OutcomeTerminal
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		switch classifier.ErrorKind() {
		case "terminal", "validation", "configuration":
			return OutcomeTerminal
		}
	}
	return OutcomeRetryable
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "handler failure"
	}
	return strings.Join(parts, ": ")
}
