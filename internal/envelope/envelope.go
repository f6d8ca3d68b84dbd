package envelope

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyEnvelope is returned when an envelope carries no items.
var ErrEmptyEnvelope = errors.New("envelope: envelope has no items")

// SDKInfo identifies the client library that produced an envelope.
type SDKInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Header is shared by every item of an envelope. EventID doubles as the
// correlation id used to name the envelope's cache file.
type Header struct {
	EventID string     `json:"event_id,omitempty"`
	SDK     *SDKInfo   `json:"sdk,omitempty"`
	SentAt  *time.Time `json:"sent_at,omitempty"`
	DSN     string     `json:"dsn,omitempty"`
}

// Envelope is an ordered, immutable sequence of items sharing one header.
type Envelope struct {
	header Header
	items  []*Item
}

// NewID returns a fresh 32 character hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// New builds an envelope from the supplied header and items. An event id is
// generated when the header does not carry one so the envelope keeps a stable
// identity for its whole lifetime.
func New(header Header, items ...*Item) *Envelope {
	if header.EventID == "" {
		header.EventID = NewID()
	}
	if header.SDK != nil {
		sdk := *header.SDK
		header.SDK = &sdk
	}
	if header.SentAt != nil {
		ts := *header.SentAt
		header.SentAt = &ts
	}
	out := make([]*Item, 0, len(items))
	for _, it := range items {
		if it != nil {
			out = append(out, it)
		}
	}
	return &Envelope{header: header, items: out}
}

// ID returns the envelope's correlation id.
func (e *Envelope) ID() string {
	if e == nil {
		return ""
	}
	return e.header.EventID
}

// Header returns a copy of the envelope header.
func (e *Envelope) Header() Header {
	h := e.header
	if h.SDK != nil {
		sdk := *h.SDK
		h.SDK = &sdk
	}
	if h.SentAt != nil {
		ts := *h.SentAt
		h.SentAt = &ts
	}
	return h
}

// Items returns the envelope items. The slice is a copy; items themselves are
// immutable.
func (e *Envelope) Items() []*Item {
	if e == nil {
		return nil
	}
	return append([]*Item(nil), e.items...)
}

// Len returns the number of items.
func (e *Envelope) Len() int {
	if e == nil {
		return 0
	}
	return len(e.items)
}

// Validate reports whether the envelope can be transported or cached.
func (e *Envelope) Validate() error {
	if e == nil || len(e.items) == 0 {
		return ErrEmptyEnvelope
	}
	return nil
}

// WithItems returns a new envelope sharing this envelope's header.
func (e *Envelope) WithItems(items ...*Item) *Envelope {
	return New(e.Header(), items...)
}

// WithSentAt returns a copy of the envelope stamped with the supplied send time.
func (e *Envelope) WithSentAt(at time.Time) *Envelope {
	h := e.Header()
	at = at.UTC()
	h.SentAt = &at
	return New(h, e.items...)
}

// ReplaceItem returns a copy of the envelope where the item at idx is replaced.
func (e *Envelope) ReplaceItem(idx int, item *Item) *Envelope {
	items := e.Items()
	if idx < 0 || idx >= len(items) || item == nil {
		return e
	}
	items[idx] = item
	return New(e.Header(), items...)
}

// FirstOfType returns the first item of type t and its index, or -1.
func (e *Envelope) FirstOfType(t ItemType) (*Item, int) {
	if e == nil {
		return nil, -1
	}
	for i, it := range e.items {
		if it.Type() == t {
			return it, i
		}
	}
	return nil, -1
}
