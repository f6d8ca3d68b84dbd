// Package ratelimit keeps the per-category send deadlines announced by the
// collector.
package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/crash-delivery/internal/envelope"
)

const (
	// HeaderRateLimits carries the structured multi-category limits.
	HeaderRateLimits = "X-Sentry-Rate-Limits"
	// HeaderRetryAfter is honoured only on 429 responses.
	HeaderRetryAfter = "Retry-After"

	// DefaultRetryAfter applies when a limit carries no usable duration.
	DefaultRetryAfter = 60 * time.Second
)

// LimitedError reports that a category was gated and no network call was made.
type LimitedError struct {
	Category string
	Until    time.Time
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("ratelimit: category %q limited until %s", e.Category, e.Until.Format(time.RFC3339))
}

// Option customises a Table.
type Option func(*Table)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		if now != nil {
			t.now = now
		}
	}
}

// Table maps a category to the instant until which sending it is forbidden.
// It is safe for concurrent use.
type Table struct {
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewTable returns an empty table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// IsRetryAfter reports whether category (or the default category) is still
// limited.
func (t *Table) IsRetryAfter(category string) bool {
	_, limited := t.LimitedUntil(category)
	return limited
}

// LimitedUntil returns the latest active deadline covering category.
func (t *Table) LimitedUntil(category string) (time.Time, bool) {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	var until time.Time
	for _, key := range []string{category, envelope.CategoryDefault} {
		if exp, ok := t.entries[key]; ok && now.Before(exp) && exp.After(until) {
			until = exp
		}
	}
	return until, !until.IsZero()
}

// Check returns a *LimitedError when category is gated.
func (t *Table) Check(category string) error {
	if until, limited := t.LimitedUntil(category); limited {
		return &LimitedError{Category: category, Until: until}
	}
	return nil
}

// Active reports whether any category is currently limited.
func (t *Table) Active() bool {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, exp := range t.entries {
		if now.Before(exp) {
			return true
		}
	}
	return false
}

// Set records a deadline for category, replacing any previous one.
func (t *Table) Set(category string, until time.Time) {
	if category == "" {
		category = envelope.CategoryDefault
	}
	t.mu.Lock()
	t.entries[category] = until
	t.mu.Unlock()
}

// UpdateFromHeaders applies the limits announced by an HTTP response.
func (t *Table) UpdateFromHeaders(h http.Header, statusCode int) {
	if h == nil {
		h = http.Header{}
	}
	t.Update(h.Get(HeaderRateLimits), h.Get(HeaderRetryAfter), statusCode)
}

// Update applies the structured rate limit header when present. Otherwise a
// 429 response limits the default category for retryAfter seconds. Each
// affected category is overwritten with the new deadline.
func (t *Table) Update(rateLimits, retryAfter string, statusCode int) {
	now := t.now()
	rateLimits = strings.TrimSpace(rateLimits)
	if rateLimits != "" {
		for _, group := range strings.Split(rateLimits, ",") {
			group = strings.ReplaceAll(group, " ", "")
			parts := strings.Split(group, ":")
			if len(parts) < 2 {
				continue
			}
			until := now.Add(ParseRetryAfter(parts[0]))
			categories := parts[1]
			if categories == "" {
				t.Set(envelope.CategoryDefault, until)
				continue
			}
			for _, category := range strings.Split(categories, ";") {
				if category == "" {
					continue
				}
				t.Set(category, until)
			}
		}
		return
	}
	if statusCode == http.StatusTooManyRequests {
		t.Set(envelope.CategoryDefault, now.Add(ParseRetryAfter(retryAfter)))
	}
}

// ParseRetryAfter converts a seconds value (integer or decimal) to a duration,
// rounding up to the millisecond. Empty or invalid values yield
// DefaultRetryAfter.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultRetryAfter
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return DefaultRetryAfter
	}
	return time.Duration(math.Ceil(secs*1000)) * time.Millisecond
}
