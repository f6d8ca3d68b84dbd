package metrics

import (
	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/hint"
)

// Dispatcher is the part of the delivery pipeline the metrics client needs.
type Dispatcher interface {
	Send(env *envelope.Envelope, h hint.Hint)
}

// EnvelopeClient wraps each batch in a single statsd item envelope.
type EnvelopeClient struct {
	dispatcher Dispatcher
	sdk        *envelope.SDKInfo
}

// NewEnvelopeClient returns a Client that sends through d.
func NewEnvelopeClient(d Dispatcher, sdk *envelope.SDKInfo) *EnvelopeClient {
	return &EnvelopeClient{dispatcher: d, sdk: sdk}
}

// CaptureMetrics sends batch as one envelope.
func (c *EnvelopeClient) CaptureMetrics(batch []Metric) {
	if len(batch) == 0 {
		return
	}
	item := envelope.NewItem(envelope.ItemTypeMetricsBatch, EncodeStatsd(batch), envelope.WithContentType("text/plain"))
	c.dispatcher.Send(envelope.New(envelope.Header{SDK: c.sdk}, item), hint.Hint{})
}
