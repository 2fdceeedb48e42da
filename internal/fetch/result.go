package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Outcome tags the result of a single Fetch call.
type Outcome int

const (
	Success Outcome = iota
	// RetryableFailure means every attempt failed transiently.
	RetryableFailure
	// FatalFailure means retrying cannot succeed (client error, bad payload).
	FatalFailure
	// Cancelled means the caller's context ended before a result was reached.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case FatalFailure:
		return "fatal_failure"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	// ErrRetriesExhausted wraps a RetryableFailure.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrFatal wraps a FatalFailure.
	ErrFatal = errors.New("fatal fetch failure")
	// ErrUnauthorized marks a FatalFailure caused by rejected credentials.
	// Such failures cannot succeed for any city.
	ErrUnauthorized = errors.New("credentials rejected")
)

// Result is the transient outcome of one Fetch call. It is never persisted.
type Result struct {
	Outcome      Outcome
	Payload      json.RawMessage
	Reason       string
	Attempts     int
	StatusCode   int
	Unauthorized bool
	// Waited is the total backoff time spent between attempts.
	Waited time.Duration
}

// Err converts a non-success result into an error matching ErrRetriesExhausted,
// ErrFatal, ErrUnauthorized or context.Canceled. It returns nil on success.
func (r Result) Err() error {
	switch r.Outcome {
	case Success:
		return nil
	case RetryableFailure:
		return fmt.Errorf("%w after %d attempts: %s", ErrRetriesExhausted, r.Attempts, r.Reason)
	case Cancelled:
		return fmt.Errorf("fetch cancelled after %d attempts: %w", r.Attempts, context.Canceled)
	default:
		if r.Unauthorized {
			return fmt.Errorf("%w: %w: %s", ErrFatal, ErrUnauthorized, r.Reason)
		}
		return fmt.Errorf("%w: %s", ErrFatal, r.Reason)
	}
}
