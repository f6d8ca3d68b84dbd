package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/ratelimit"
)

const (
	defaultHTTPTimeout  = 5 * time.Second
	defaultMaxBodyBytes = 16 * 1024

	headerAuth = "X-Sentry-Auth"
)

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPOption customises an HTTPSender.
type HTTPOption func(*HTTPSender)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client HTTPClient) HTTPOption {
	return func(s *HTTPSender) {
		if client != nil {
			s.client = client
		}
	}
}

// WithRequestLimiter paces outgoing requests. Each attempt waits for a token.
func WithRequestLimiter(l *rate.Limiter) HTTPOption {
	return func(s *HTTPSender) { s.limiter = l }
}

// WithClientName sets the client identifier sent in the auth and user agent
// headers, e.g. "crash-relay/0.1.0".
func WithClientName(name string) HTTPOption {
	return func(s *HTTPSender) {
		if name != "" {
			s.clientName = name
		}
	}
}

// WithHTTPClock overrides the clock used to stamp sent_at.
func WithHTTPClock(now func() time.Time) HTTPOption {
	return func(s *HTTPSender) {
		if now != nil {
			s.now = now
		}
	}
}

// HTTPSender posts gzip compressed envelopes to the collector and feeds the
// response headers into the rate limit table.
type HTTPSender struct {
	logger       zerolog.Logger
	dsn          *DSN
	endpoint     string
	limits       *ratelimit.Table
	client       HTTPClient
	limiter      *rate.Limiter
	clientName   string
	now          func() time.Time
	maxBodyBytes int64
}

// NewHTTPSender builds a sender for dsn. limits may be shared with the
// dispatcher's gate.
func NewHTTPSender(dsn *DSN, limits *ratelimit.Table, logger zerolog.Logger, opts ...HTTPOption) (*HTTPSender, error) {
	if dsn == nil {
		return nil, errors.New("transport: dsn is required")
	}
	if limits == nil {
		return nil, errors.New("transport: rate limit table is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	s := &HTTPSender{
		logger:       logger.With().Str("component", "http_sender").Logger(),
		dsn:          dsn,
		endpoint:     dsn.EnvelopeURL(),
		limits:       limits,
		client:       &http.Client{Timeout: defaultHTTPTimeout},
		clientName:   "crash-relay/0.1.0",
		now:          time.Now,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Send performs exactly one POST of env.
func (s *HTTPSender) Send(ctx context.Context, env *envelope.Envelope) (Result, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			res := Failure(CodeIOFailure, 0)
			return res, res.Err(fmt.Errorf("wait for request token: %w", err))
		}
	}

	body, err := s.encode(env)
	if err != nil {
		res := Failure(CodeIOFailure, 0)
		return res, res.Err(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		res := Failure(CodeIOFailure, 0)
		return res, res.Err(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", envelope.ContentType)
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("User-Agent", s.clientName)
	req.Header.Set(headerAuth, s.dsn.AuthHeader(s.clientName))

	resp, err := s.client.Do(req)
	if err != nil {
		res := Failure(CodeIOFailure, 0)
		return res, res.Err(fmt.Errorf("http do: %w", err))
	}
	defer resp.Body.Close()

	respBody := s.readBody(resp.Body)
	s.limits.UpdateFromHeaders(resp.Header, resp.StatusCode)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Debug().
			Str("event_id", env.ID()).
			Int("code", resp.StatusCode).
			Msg("transport: envelope delivered")
		return Success(resp.StatusCode), nil
	}

	retryAfter := ratelimit.DefaultRetryAfter
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter = ratelimit.ParseRetryAfter(resp.Header.Get(ratelimit.HeaderRetryAfter))
	}
	res := Failure(resp.StatusCode, retryAfter)

	var cause error
	if respBody != "" {
		cause = errors.New(respBody)
	}
	return res, res.Err(cause)
}

func (s *HTTPSender) encode(env *envelope.Envelope) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := envelope.Encode(gz, env.WithSentAt(s.now())); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress envelope: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *HTTPSender) readBody(rc io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(rc, s.maxBodyBytes))
	if err != nil {
		s.logger.Debug().Err(err).Msg("transport: failed to read response body")
	}
	return string(bytes.TrimSpace(data))
}

// Close releases idle connections held by the client.
func (s *HTTPSender) Close() error {
	if c, ok := s.client.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
	return nil
}
