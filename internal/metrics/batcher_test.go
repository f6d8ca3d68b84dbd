package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/example/crash-delivery/internal/clientreport"
	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/hint"
)

type recordingClient struct {
	mu      sync.Mutex
	batches [][]Metric
	got     chan struct{}
	block   chan struct{}
}

func newRecordingClient() *recordingClient {
	return &recordingClient{got: make(chan struct{}, 16)}
}

func (c *recordingClient) CaptureMetrics(batch []Metric) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.batches = append(c.batches, batch)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
}

func (c *recordingClient) sizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.batches))
	for _, b := range c.batches {
		out = append(out, len(b))
	}
	return out
}

func counter(name string) Metric {
	return Metric{Name: name, Kind: Counter, Value: 1}
}

func TestNewBatcherRequiresClient(t *testing.T) {
	if _, err := NewBatcher(Config{}, Dependencies{}); err == nil {
		t.Fatalf("expected error without client")
	}
}

func TestAddDropsOverCapacity(t *testing.T) {
	reports := clientreport.NewManager(zerologNop())
	b, err := NewBatcher(Config{MaxQueueSize: 3, FlushAfter: time.Hour}, Dependencies{Client: newRecordingClient(), Recorder: reports})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}

	accepted := 0
	for i := 0; i < 5; i++ {
		if b.Add(counter("hits")) {
			accepted++
		}
	}
	if accepted != 3 {
		t.Fatalf("accepted %d metrics, want 3", accepted)
	}
	if b.Lost() != 2 {
		t.Fatalf("Lost() = %d, want 2", b.Lost())
	}
	key := clientreport.Key{Reason: clientreport.ReasonQueueOverflow, Category: envelope.CategoryMetricBucket}
	if got := reports.Snapshot()[key]; got != 2 {
		t.Fatalf("queue_overflow count = %d, want 2", got)
	}
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
}

func TestFlushDrainsInBatches(t *testing.T) {
	client := newRecordingClient()
	b, err := NewBatcher(Config{MaxBatchSize: 2, FlushAfter: time.Hour}, Dependencies{Client: client})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		b.Add(counter("hits"))
	}

	if !b.Flush(2 * time.Second) {
		t.Fatalf("Flush() timed out")
	}
	if diff := cmp.Diff([]int{2, 2, 1}, client.sizes()); diff != "" {
		t.Fatalf("batch sizes mismatch (-want +got):\n%s", diff)
	}
	if b.Len() != 0 {
		t.Fatalf("Len() = %d after flush", b.Len())
	}
}

func TestFlushIsScheduledAfterDelay(t *testing.T) {
	client := newRecordingClient()
	b, err := NewBatcher(Config{FlushAfter: 10 * time.Millisecond}, Dependencies{Client: client})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}
	b.Add(counter("hits"))

	select {
	case <-client.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduled flush did not run")
	}
	if diff := cmp.Diff([]int{1}, client.sizes()); diff != "" {
		t.Fatalf("batch sizes mismatch (-want +got):\n%s", diff)
	}
}

func TestFlushTimesOutWhileClientBlocks(t *testing.T) {
	client := newRecordingClient()
	client.block = make(chan struct{})
	b, err := NewBatcher(Config{FlushAfter: time.Hour}, Dependencies{Client: client})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}
	b.Add(counter("hits"))

	if b.Flush(20 * time.Millisecond) {
		t.Fatalf("Flush() = true while the client blocks")
	}
	close(client.block)
	if !b.Flush(2 * time.Second) {
		t.Fatalf("Flush() timed out after the client unblocked")
	}
}

func TestFlushOnEmptyQueue(t *testing.T) {
	b, err := NewBatcher(Config{}, Dependencies{Client: newRecordingClient()})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}
	if !b.Flush(0) {
		t.Fatalf("Flush() = false on an empty queue")
	}
}

func TestCloseFlushesAndRejects(t *testing.T) {
	client := newRecordingClient()
	b, err := NewBatcher(Config{FlushAfter: time.Hour}, Dependencies{Client: client})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}
	b.Add(counter("hits"))

	if !b.Close(2 * time.Second) {
		t.Fatalf("Close() timed out")
	}
	if diff := cmp.Diff([]int{1}, client.sizes()); diff != "" {
		t.Fatalf("batch sizes mismatch (-want +got):\n%s", diff)
	}
	if b.Add(counter("late")) {
		t.Fatalf("Add() accepted a metric after Close")
	}
	if b.Lost() != 1 {
		t.Fatalf("Lost() = %d, want 1", b.Lost())
	}
}

func TestPanickingClientDoesNotWedgeFlush(t *testing.T) {
	b, err := NewBatcher(Config{FlushAfter: time.Hour}, Dependencies{Client: ClientFunc(func([]Metric) { panic("boom") })})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}
	b.Add(counter("hits"))
	if !b.Flush(2 * time.Second) {
		t.Fatalf("Flush() timed out")
	}
}

type capturingDispatcher struct {
	envs  []*envelope.Envelope
	hints []hint.Hint
}

func (d *capturingDispatcher) Send(env *envelope.Envelope, h hint.Hint) {
	d.envs = append(d.envs, env)
	d.hints = append(d.hints, h)
}

func TestEnvelopeClientWrapsBatch(t *testing.T) {
	d := &capturingDispatcher{}
	sdk := &envelope.SDKInfo{Name: "crash-relay", Version: "0.1.0"}
	c := NewEnvelopeClient(d, sdk)

	c.CaptureMetrics(nil)
	if len(d.envs) != 0 {
		t.Fatalf("empty batch produced an envelope")
	}

	c.CaptureMetrics([]Metric{counter("a"), counter("b")})
	if len(d.envs) != 1 {
		t.Fatalf("sent %d envelopes, want 1", len(d.envs))
	}
	items := d.envs[0].Items()
	if len(items) != 1 || items[0].Type() != envelope.ItemTypeMetricsBatch {
		t.Fatalf("unexpected items in metrics envelope")
	}
	if diff := cmp.Diff("a@none:1|c\nb@none:1|c", string(items[0].Payload())); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(sdk, d.envs[0].Header().SDK); diff != "" {
		t.Fatalf("sdk mismatch (-want +got):\n%s", diff)
	}
	if d.hints[0].Replay || d.hints[0].TouchesSession() {
		t.Fatalf("metrics envelope sent with unexpected hint %+v", d.hints[0])
	}
}
