// Package transport performs single delivery attempts of envelopes. Senders
// never retry; failed envelopes are retried by replaying the disk cache.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/ratelimit"
)

// Result is the outcome of one attempt: Success or Failure(code, retryAfter).
type Result struct {
	ok         bool
	code       int
	retryAfter time.Duration
}

// Success builds a successful result.
func Success(code int) Result {
	if code == 0 {
		code = http.StatusOK
	}
	return Result{ok: true, code: code}
}

// Failure builds a failed result. A non-positive retryAfter falls back to the
// default of 60 seconds.
func Failure(code int, retryAfter time.Duration) Result {
	if retryAfter <= 0 {
		retryAfter = ratelimit.DefaultRetryAfter
	}
	return Result{code: code, retryAfter: retryAfter}
}

// IsSuccess reports whether the attempt succeeded.
func (r Result) IsSuccess() bool { return r.ok }

// ResponseCode returns the HTTP status, or CodeIOFailure when none was received.
func (r Result) ResponseCode() int { return r.code }

// RetryAfter returns the delay suggested by the collector for failures.
func (r Result) RetryAfter() time.Duration { return r.retryAfter }

// Err converts a failed result into an *Error.
func (r Result) Err(cause error) error {
	if r.ok {
		return nil
	}
	return &Error{Code: r.code, RetryAfter: r.retryAfter, Err: cause}
}

// Sender performs one delivery attempt.
type Sender interface {
	Send(ctx context.Context, env *envelope.Envelope) (Result, error)
	Close() error
}

// NullTransport accepts everything without any I/O.
type NullTransport struct{}

// Send always succeeds.
func (NullTransport) Send(context.Context, *envelope.Envelope) (Result, error) {
	return Success(http.StatusOK), nil
}

// Close is a no-op.
func (NullTransport) Close() error { return nil }
