// Package clientreport counts payloads the pipeline dropped and reports them
// back to the collector as client_report items.
package clientreport

import (
	"encoding/json"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/crash-delivery/internal/envelope"
)

// DiscardReason explains why a payload never reached the collector.
type DiscardReason string

// Discard reasons understood by the collector.
const (
	ReasonQueueOverflow    DiscardReason = "queue_overflow"
	ReasonCacheOverflow    DiscardReason = "cache_overflow"
	ReasonRateLimitBackoff DiscardReason = "ratelimit_backoff"
	ReasonNetworkError     DiscardReason = "network_error"
	ReasonSendError        DiscardReason = "send_error"
	ReasonBeforeSend       DiscardReason = "before_send"
)

// Recorder receives loss notifications.
type Recorder interface {
	RecordLostEnvelope(reason DiscardReason, env *envelope.Envelope)
	RecordLostItem(reason DiscardReason, item *envelope.Item)
	RecordLost(reason DiscardReason, category string, quantity int64)
}

// Noop discards every notification.
type Noop struct{}

func (Noop) RecordLostEnvelope(DiscardReason, *envelope.Envelope) {}
func (Noop) RecordLostItem(DiscardReason, *envelope.Item)         {}
func (Noop) RecordLost(DiscardReason, string, int64)              {}

// Key identifies one counter.
type Key struct {
	Reason   DiscardReason
	Category string
}

// DiscardedEvent is one entry of a client report.
type DiscardedEvent struct {
	Reason   DiscardReason `json:"reason"`
	Category string        `json:"category"`
	Quantity int64         `json:"quantity"`
}

// Report is the payload of a client_report item.
type Report struct {
	Timestamp       time.Time        `json:"timestamp"`
	DiscardedEvents []DiscardedEvent `json:"discarded_events"`
}

// Manager accumulates discard counts until they are attached to an outgoing
// envelope.
type Manager struct {
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	counts map[Key]int64
}

// NewManager returns an empty manager.
func NewManager(logger zerolog.Logger) *Manager {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Manager{
		logger: logger.With().Str("component", "client_report").Logger(),
		now:    time.Now,
		counts: make(map[Key]int64),
	}
}

// RecordLostEnvelope counts every item of env. Client report items are never
// counted so a lost report does not report itself.
func (m *Manager) RecordLostEnvelope(reason DiscardReason, env *envelope.Envelope) {
	for _, it := range env.Items() {
		m.RecordLostItem(reason, it)
	}
}

// RecordLostItem counts a single item under its data category.
func (m *Manager) RecordLostItem(reason DiscardReason, item *envelope.Item) {
	if item == nil || item.Type() == envelope.ItemTypeClientReport {
		return
	}
	m.RecordLost(reason, item.Type().Category(), 1)
}

// RecordLost adds quantity to the counter for reason and category.
func (m *Manager) RecordLost(reason DiscardReason, category string, quantity int64) {
	if quantity <= 0 {
		return
	}
	m.mu.Lock()
	m.counts[Key{Reason: reason, Category: category}] += quantity
	m.mu.Unlock()
	m.logger.Debug().
		Str("reason", string(reason)).
		Str("category", category).
		Int64("quantity", quantity).
		Msg("clientreport: recorded lost payload")
}

// Snapshot returns a copy of the pending counters.
func (m *Manager) Snapshot() map[Key]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Key]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// AttachTo returns env with a client_report item carrying every pending
// counter appended. The counters are reset. env is returned unchanged when
// nothing is pending.
func (m *Manager) AttachTo(env *envelope.Envelope) *envelope.Envelope {
	report := m.take()
	if report == nil {
		return env
	}
	data, err := json.Marshal(report)
	if err != nil {
		m.logger.Error().Err(err).Msg("clientreport: failed to encode report")
		m.restore(report)
		return env
	}
	items := append(env.Items(), envelope.NewItem(envelope.ItemTypeClientReport, data, envelope.WithContentType("application/json")))
	return env.WithItems(items...)
}

func (m *Manager) take() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.counts) == 0 {
		return nil
	}
	events := make([]DiscardedEvent, 0, len(m.counts))
	for k, v := range m.counts {
		events = append(events, DiscardedEvent{Reason: k.Reason, Category: k.Category, Quantity: v})
	}
	m.counts = make(map[Key]int64)
	sort.Slice(events, func(i, j int) bool {
		if events[i].Reason != events[j].Reason {
			return events[i].Reason < events[j].Reason
		}
		return events[i].Category < events[j].Category
	})
	return &Report{Timestamp: m.now().UTC(), DiscardedEvents: events}
}

func (m *Manager) restore(r *Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range r.DiscardedEvents {
		m.counts[Key{Reason: e.Reason, Category: e.Category}] += e.Quantity
	}
}

// ParseReport decodes a client_report item payload.
func ParseReport(item *envelope.Item) (*Report, error) {
	var r Report
	if err := json.Unmarshal(item.Payload(), &r); err != nil {
		return nil, err
	}
	return &r, nil
}
