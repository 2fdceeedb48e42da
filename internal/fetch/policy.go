package fetch

import (
	"errors"
	"time"
)

// maxShift bounds the exponent so the doubling cannot overflow time.Duration.
const maxShift = 32

// Policy bounds the retry loop of a single Fetch call.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	// MaxBackoff caps any single wait. Zero means uncapped.
	MaxBackoff time.Duration
}

// Validate enforces MaxAttempts >= 1 and BaseBackoff > 0.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if p.BaseBackoff <= 0 {
		return errors.New("base backoff must be positive")
	}
	if p.MaxBackoff < 0 {
		return errors.New("max backoff must not be negative")
	}
	return nil
}

// Backoff returns the wait after the given failed attempt (1-based):
// BaseBackoff * 2^(attempt-1), capped at MaxBackoff.
func Backoff(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}
	d := p.BaseBackoff << shift
	if d < p.BaseBackoff {
		d = p.BaseBackoff
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
