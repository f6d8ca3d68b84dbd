package envelope

// ItemType tags the payload carried by an item.
type ItemType string

// Item types understood by the pipeline. Only sessions are ever inspected; the
// rest are opaque bytes.
const (
	ItemTypeEvent        ItemType = "event"
	ItemTypeSession      ItemType = "session"
	ItemTypeTransaction  ItemType = "transaction"
	ItemTypeAttachment   ItemType = "attachment"
	ItemTypeClientReport ItemType = "client_report"
	ItemTypeMetricsBatch ItemType = "statsd"
	ItemTypeCheckIn      ItemType = "check_in"
	ItemTypeProfile      ItemType = "profile"
	ItemTypeReplayVideo  ItemType = "replay_video"
	ItemTypeUnknown      ItemType = "unknown"
)

// Data categories used by client reports and rate limits.
const (
	CategoryDefault      = "default"
	CategoryError        = "error"
	CategorySession      = "session"
	CategoryTransaction  = "transaction"
	CategoryAttachment   = "attachment"
	CategoryMetricBucket = "metric_bucket"
	CategoryMonitor      = "monitor"
	CategoryProfile      = "profile"
	CategoryReplay       = "replay"
	CategoryInternal     = "internal"
	CategoryUnknown      = "unknown"
)

// Category maps an item type to the data category the collector rate limits
// and reports on.
func (t ItemType) Category() string {
	switch t {
	case ItemTypeEvent:
		return CategoryError
	case ItemTypeSession:
		return CategorySession
	case ItemTypeTransaction:
		return CategoryTransaction
	case ItemTypeAttachment:
		return CategoryAttachment
	case ItemTypeMetricsBatch:
		return CategoryMetricBucket
	case ItemTypeCheckIn:
		return CategoryMonitor
	case ItemTypeProfile:
		return CategoryProfile
	case ItemTypeReplayVideo:
		return CategoryReplay
	case ItemTypeClientReport:
		return CategoryInternal
	default:
		return CategoryUnknown
	}
}

// ItemHeader precedes every item payload on the wire.
type ItemHeader struct {
	Type        ItemType `json:"type"`
	Length      *int     `json:"length,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	Filename    string   `json:"filename,omitempty"`
}

// Item is a typed, length-known binary payload.
type Item struct {
	typ         ItemType
	contentType string
	filename    string
	payload     []byte
}

// ItemOption customises an item at construction.
type ItemOption func(*Item)

// WithContentType sets the item content type.
func WithContentType(ct string) ItemOption {
	return func(i *Item) { i.contentType = ct }
}

// WithFilename sets the attachment file name.
func WithFilename(name string) ItemOption {
	return func(i *Item) { i.filename = name }
}

// NewItem copies payload into a new item of type t.
func NewItem(t ItemType, payload []byte, opts ...ItemOption) *Item {
	if t == "" {
		t = ItemTypeUnknown
	}
	it := &Item{typ: t, payload: cloneBytes(payload)}
	for _, opt := range opts {
		if opt != nil {
			opt(it)
		}
	}
	return it
}

// Type returns the item type tag.
func (i *Item) Type() ItemType { return i.typ }

// ContentType returns the declared content type, if any.
func (i *Item) ContentType() string { return i.contentType }

// Filename returns the attachment file name, if any.
func (i *Item) Filename() string { return i.filename }

// Len returns the payload length in bytes.
func (i *Item) Len() int { return len(i.payload) }

// Payload returns a copy of the payload bytes.
func (i *Item) Payload() []byte { return cloneBytes(i.payload) }

func (i *Item) header() ItemHeader {
	n := len(i.payload)
	return ItemHeader{
		Type:        i.typ,
		Length:      &n,
		ContentType: i.contentType,
		Filename:    i.filename,
	}
}

func cloneBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
