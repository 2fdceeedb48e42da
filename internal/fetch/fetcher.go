// Package fetch performs provider HTTP GETs with bounded retries,
// exponential backoff, rate limiting, an in-flight cap and a circuit breaker.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/energy-weather-etl/internal/observability"
)

const (
	maxBodyBytes   = 64 << 20
	summaryMaxLen  = 200
	redactedMarker = "REDACTED"
)

// CredentialLocation says where a credential travels on the request.
type CredentialLocation int

const (
	InHeader CredentialLocation = iota
	InQuery
)

// Credential is a provider secret. Its value never appears in logs or errors.
type Credential struct {
	Name  string
	Value string
	In    CredentialLocation
}

// Request describes one provider GET.
type Request struct {
	Endpoint   string
	Params     url.Values
	Credential Credential
}

func (r Request) build(ctx context.Context) (*http.Request, error) {
	u, err := url.Parse(r.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	for k, vs := range r.Params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if r.Credential.In == InQuery && r.Credential.Name != "" {
		q.Set(r.Credential.Name, r.Credential.Value)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.Credential.In == InHeader && r.Credential.Name != "" {
		req.Header.Set(r.Credential.Name, r.Credential.Value)
	}
	return req, nil
}

// redacted returns the endpoint without any query string.
func (r Request) redacted() string {
	u, err := url.Parse(r.Endpoint)
	if err != nil {
		return "<invalid endpoint>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

// scrub removes the credential value from provider-supplied text.
func (r Request) scrub(s string) string {
	if r.Credential.Value == "" {
		return s
	}
	return strings.ReplaceAll(s, r.Credential.Value, redactedMarker)
}

// Options configures a Fetcher. Zero values fall back to permissive defaults.
type Options struct {
	// Provider labels logs, metrics and the circuit breaker.
	Provider    string
	HTTPClient  *http.Client
	MaxInFlight int
	// RatePerSecond limits request starts. Zero or negative disables limiting.
	RatePerSecond float64
	// BreakerFailures is the consecutive transient failures that open the breaker.
	// Zero disables tripping.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Clock           clockwork.Clock
}

// Fetcher is safe for concurrent use by many goroutines.
type Fetcher struct {
	provider string
	client   *http.Client
	limiter  *rate.Limiter
	inFlight chan struct{}
	breaker  *gobreaker.CircuitBreaker
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates a Fetcher for one provider.
func New(opts Options, logger *slog.Logger, metrics *observability.Metrics) *Fetcher {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = time.Minute
	}

	limit := rate.Inf
	burst := 1
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	f := &Fetcher{
		provider: opts.Provider,
		client:   opts.HTTPClient,
		limiter:  rate.NewLimiter(limit, burst),
		inFlight: make(chan struct{}, opts.MaxInFlight),
		clock:    opts.Clock,
		logger:   logger.With("provider", opts.Provider),
		metrics:  metrics,
	}

	failures := opts.BreakerFailures
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Provider,
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return failures > 0 && c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1
			}
			f.metrics.BreakerOpen.WithLabelValues(name).Set(open)
		},
	})
	return f
}

// Provider returns the provider label.
func (f *Fetcher) Provider() string { return f.provider }

// Fetch issues req until it succeeds, fails fatally, exhausts policy.MaxAttempts
// or ctx ends. It always returns a Result; it never panics on provider input.
func (f *Fetcher) Fetch(ctx context.Context, req Request, policy Policy) Result {
	res := f.fetch(ctx, req, policy)
	f.metrics.FetchRequests.WithLabelValues(f.provider, res.Outcome.String()).Inc()
	return res
}

func (f *Fetcher) fetch(ctx context.Context, req Request, policy Policy) Result {
	if err := policy.Validate(); err != nil {
		return Result{Outcome: FatalFailure, Reason: "invalid retry policy: " + err.Error()}
	}
	if _, err := url.Parse(req.Endpoint); err != nil {
		return Result{Outcome: FatalFailure, Reason: "invalid endpoint"}
	}

	endpoint := req.redacted()
	var waited time.Duration
	var last attemptResult

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := Backoff(policy, attempt-1)
			f.logger.Warn("fetch attempt failed, retrying",
				"endpoint", endpoint,
				"attempt", attempt-1,
				"backoff", wait,
				"reason", last.reason,
			)
			f.metrics.FetchRetries.WithLabelValues(f.provider).Inc()
			if err := f.sleep(ctx, wait); err != nil {
				return Result{Outcome: Cancelled, Reason: "cancelled during backoff", Attempts: attempt - 1, Waited: waited}
			}
			waited += wait
		}

		if ctx.Err() != nil {
			return Result{Outcome: Cancelled, Reason: "cancelled", Attempts: attempt - 1, Waited: waited}
		}

		last = f.attempt(ctx, req)
		switch last.kind {
		case attemptSuccess:
			return Result{Outcome: Success, Payload: last.payload, Attempts: attempt, StatusCode: last.status, Waited: waited}
		case attemptCancelled:
			return Result{Outcome: Cancelled, Reason: "cancelled", Attempts: attempt, Waited: waited}
		case attemptFatal:
			f.logger.Error("fetch failed",
				"endpoint", endpoint,
				"attempt", attempt,
				"status", last.status,
				"reason", last.reason,
			)
			return Result{
				Outcome:      FatalFailure,
				Reason:       last.reason,
				Attempts:     attempt,
				StatusCode:   last.status,
				Unauthorized: last.unauthorized,
				Waited:       waited,
			}
		}
	}

	f.logger.Error("fetch retries exhausted",
		"endpoint", endpoint,
		"attempts", policy.MaxAttempts,
		"reason", last.reason,
	)
	return Result{
		Outcome:    RetryableFailure,
		Reason:     last.reason,
		Attempts:   policy.MaxAttempts,
		StatusCode: last.status,
		Waited:     waited,
	}
}

type attemptKind int

const (
	attemptSuccess attemptKind = iota
	attemptRetryable
	attemptFatal
	attemptCancelled
)

type attemptResult struct {
	kind         attemptKind
	payload      json.RawMessage
	status       int
	reason       string
	unauthorized bool
}

// transientError marks failures the breaker counts: network errors, 5xx and 429.
type transientError struct {
	status int
	reason string
}

func (e *transientError) Error() string { return e.reason }

type response struct {
	status int
	body   []byte
}

func (f *Fetcher) attempt(ctx context.Context, req Request) attemptResult {
	if err := f.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return attemptResult{kind: attemptCancelled}
		}
		return attemptResult{kind: attemptRetryable, reason: "rate limiter: " + err.Error()}
	}

	select {
	case f.inFlight <- struct{}{}:
	case <-ctx.Done():
		return attemptResult{kind: attemptCancelled}
	}
	defer func() { <-f.inFlight }()

	out, err := f.breaker.Execute(func() (interface{}, error) {
		return f.do(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return attemptResult{kind: attemptRetryable, reason: "circuit breaker open"}
		}
		if ctx.Err() != nil {
			return attemptResult{kind: attemptCancelled}
		}
		var te *transientError
		if errors.As(err, &te) {
			return attemptResult{kind: attemptRetryable, status: te.status, reason: req.scrub(te.reason)}
		}
		return attemptResult{kind: attemptFatal, reason: req.scrub(err.Error())}
	}

	resp, ok := out.(response)
	if !ok {
		return attemptResult{kind: attemptFatal, reason: "unexpected result type from circuit breaker"}
	}
	return classify(req, resp)
}

// do performs the HTTP exchange. Only transient failures are returned as errors
// so the breaker ignores client errors.
func (f *Fetcher) do(ctx context.Context, req Request) (response, error) {
	httpReq, err := req.build(ctx)
	if err != nil {
		return response{}, err
	}

	start := f.clock.Now()
	resp, err := f.client.Do(httpReq)
	f.metrics.FetchDuration.WithLabelValues(f.provider).Observe(f.clock.Since(start).Seconds())
	if err != nil {
		return response{}, &transientError{reason: "request failed: " + networkReason(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return response{}, &transientError{status: resp.StatusCode, reason: "read body: " + networkReason(err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return response{}, &transientError{
			status: resp.StatusCode,
			reason: fmt.Sprintf("status %d: %s", resp.StatusCode, Summarize(body)),
		}
	}
	return response{status: resp.StatusCode, body: body}, nil
}

func classify(req Request, resp response) attemptResult {
	switch {
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		return attemptResult{
			kind:         attemptFatal,
			status:       resp.status,
			unauthorized: true,
			reason:       fmt.Sprintf("status %d: credentials rejected", resp.status),
		}
	case resp.status < 200 || resp.status >= 300:
		return attemptResult{
			kind:   attemptFatal,
			status: resp.status,
			reason: req.scrub(fmt.Sprintf("status %d: %s", resp.status, Summarize(resp.body))),
		}
	case !json.Valid(resp.body):
		return attemptResult{
			kind:   attemptFatal,
			status: resp.status,
			reason: req.scrub("malformed JSON payload: " + Summarize(resp.body)),
		}
	default:
		return attemptResult{kind: attemptSuccess, status: resp.status, payload: json.RawMessage(resp.body)}
	}
}

// networkReason strips the request URL from transport errors, since it can
// carry a query-string credential.
func networkReason(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err.Error()
	}
	return err.Error()
}

// Summarize renders a short, single-line description of a response body.
func Summarize(body []byte) string {
	s := strings.Join(strings.Fields(string(body)), " ")
	if len(s) > summaryMaxLen {
		s = s[:summaryMaxLen] + "..."
	}
	if s == "" {
		s = "<empty body>"
	}
	return fmt.Sprintf("%q (%d bytes)", s, len(body))
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := f.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}
