package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/example/crash-delivery/internal/clientreport"
	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/hint"
	"github.com/example/crash-delivery/internal/ratelimit"
	"github.com/example/crash-delivery/internal/transport"
)

// sendTask is one delivery attempt of one envelope.
type sendTask struct {
	d      *Dispatcher
	env    *envelope.Envelope
	hint   hint.Hint
	stored bool

	code       int
	retryAfter time.Duration
}

// SuggestedRetryDelay returns the delay the collector asked for on the last
// failed attempt.
func (t *sendTask) SuggestedRetryDelay() time.Duration { return t.retryAfter }

// ResponseCode returns the status of the last attempt, 0 before it ran.
func (t *sendTask) ResponseCode() int { return t.code }

func (t *sendTask) Run(ctx context.Context) {
	d := t.d
	log := d.logger.With().Str("event_id", t.env.ID()).Logger()

	// Session envelopes hit the disk before the network so session.json
	// follows every transition.
	if !t.stored && !t.hint.Replay && t.hint.TouchesSession() {
		t.stored = d.cache.Store(t.env, t.hint)
	}

	outgoing, err := d.applyRateLimits(t.env)
	if err != nil {
		var limited *ratelimit.LimitedError
		if errors.As(err, &limited) {
			t.retryAfter = time.Until(limited.Until)
		}
		log.Info().Err(err).Msg("dispatcher: every item is rate limited, keeping envelope")
		if !t.keep() {
			d.reports.RecordLostEnvelope(clientreport.ReasonRateLimitBackoff, t.env)
		}
		return
	}

	outgoing = d.reports.AttachTo(outgoing)
	res, err := d.sender.Send(ctx, outgoing)
	t.code = res.ResponseCode()
	if err == nil {
		t.retryAfter = 0
		log.Debug().Int("status", t.code).Msg("dispatcher: envelope sent")
		d.cache.Discard(t.env)
		return
	}

	t.retryAfter = res.RetryAfter()
	d.restoreReports(outgoing, t.env)

	if ctx.Err() != nil {
		log.Warn().Err(err).Msg("dispatcher: delivery cancelled")
		if !t.stored && !t.hint.Replay {
			d.reports.RecordLostEnvelope(clientreport.ReasonNetworkError, t.env)
		}
		return
	}

	// Losses are reported only for envelopes that leave the cache; a kept
	// envelope may still be delivered by a later replay.
	kept := t.keep()
	refused := errors.Is(err, transport.ErrPermanent)
	switch {
	case refused && !kept:
		d.reports.RecordLostEnvelope(clientreport.ReasonSendError, t.env)
		log.Error().Err(err).Int("status", t.code).Msg("dispatcher: collector refused envelope, envelope dropped")
	case refused:
		log.Error().Err(err).Int("status", t.code).Msg("dispatcher: collector refused envelope, keeping envelope")
	case !kept:
		d.reports.RecordLostEnvelope(clientreport.ReasonNetworkError, t.env)
		log.Warn().Err(err).Int("status", t.code).Msg("dispatcher: delivery failed, envelope dropped")
	default:
		log.Warn().Err(err).Int("status", t.code).Dur("retry_after", t.retryAfter).Msg("dispatcher: delivery failed, keeping envelope")
	}
}

// keep makes sure a failed envelope is on disk and reports whether it is.
// Replayed envelopes are already there; those without Retryable are given up
// on and removed.
func (t *sendTask) keep() bool {
	d := t.d
	if t.hint.Replay {
		if !t.hint.Retryable {
			d.cache.Discard(t.env)
			return false
		}
		return true
	}
	if !t.stored {
		t.stored = d.cache.Store(t.env, t.hint)
	}
	return t.stored
}
