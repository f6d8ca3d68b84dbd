package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/hint"
	"github.com/example/crash-delivery/internal/kafka/consumer"
)

type capturingDispatcher struct {
	mu    sync.Mutex
	envs  []*envelope.Envelope
	hints []hint.Hint
}

func (d *capturingDispatcher) Send(env *envelope.Envelope, h hint.Hint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.envs = append(d.envs, env)
	d.hints = append(d.hints, h)
}

func (d *capturingDispatcher) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.envs))
	for _, env := range d.envs {
		out = append(out, env.ID())
	}
	return out
}

func mustMarshal(t *testing.T, id string) []byte {
	t.Helper()
	env := envelope.New(envelope.Header{EventID: id}, envelope.NewItem(envelope.ItemTypeEvent, []byte(`{"message":"boom"}`)))
	data, err := envelope.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return data
}

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func remaining(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestNewOutboxValidates(t *testing.T) {
	if _, err := NewOutbox("", &capturingDispatcher{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error without directory")
	}
	if _, err := NewOutbox(t.TempDir(), nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error without dispatcher")
	}
}

func TestOutboxDrain(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.envelope", mustMarshal(t, "bbbb"))
	writeFile(t, dir, "a.envelope", mustMarshal(t, "aaaa"))
	writeFile(t, dir, "corrupt.envelope", []byte("not an envelope"))
	writeFile(t, dir, "session-123.json", []byte("{}"))
	writeFile(t, dir, ".partial", []byte("tmp"))
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	d := &capturingDispatcher{}
	o, err := NewOutbox(dir, d, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOutbox() error = %v", err)
	}

	n, err := o.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Drain() = %d, want 2", n)
	}
	if diff := cmp.Diff([]string{"aaaa", "bbbb"}, d.ids()); diff != "" {
		t.Fatalf("dispatched ids mismatch (-want +got):\n%s", diff)
	}
	for _, h := range d.hints {
		if h.Replay || !h.Retryable {
			t.Fatalf("outbox envelope dispatched with hint %+v", h)
		}
	}
	if diff := cmp.Diff([]string{".partial", "nested", "session-123.json"}, remaining(t, dir)); diff != "" {
		t.Fatalf("remaining files mismatch (-want +got):\n%s", diff)
	}
}

func TestOutboxDrainHonoursContext(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.envelope", mustMarshal(t, "aaaa"))

	d := &capturingDispatcher{}
	o, err := NewOutbox(dir, d, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOutbox() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := o.Drain(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Drain() error = %v, want context.Canceled", err)
	}
	if len(d.ids()) != 0 {
		t.Fatalf("dispatched envelopes after cancellation")
	}
}

type fakeConsumer struct {
	records   []*consumer.Record
	committed []int64
	commitErr error
	closed    bool
}

func (c *fakeConsumer) Consume(ctx context.Context, _ []string, handler consumer.Handler) error {
	for _, r := range c.records {
		_ = handler(ctx, r)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeConsumer) Commit(_ context.Context, r *consumer.Record) error {
	if c.commitErr != nil {
		return c.commitErr
	}
	c.committed = append(c.committed, r.Offset)
	return nil
}

func (c *fakeConsumer) Close() error {
	c.closed = true
	return nil
}

func TestKafkaSourceDispatchesAndCommits(t *testing.T) {
	fc := &fakeConsumer{records: []*consumer.Record{
		{Offset: 1, Value: mustMarshal(t, "aaaa")},
		{Offset: 2, Value: []byte("garbage")},
		{Offset: 3, Value: mustMarshal(t, "cccc")},
	}}
	d := &capturingDispatcher{}
	src, err := NewKafkaSource(fc, "envelopes", d, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewKafkaSource() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if diff := cmp.Diff([]string{"aaaa", "cccc"}, d.ids()); diff != "" {
		t.Fatalf("dispatched ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, fc.committed); diff != "" {
		t.Fatalf("committed offsets mismatch (-want +got):\n%s", diff)
	}
	if err := src.Close(); err != nil || !fc.closed {
		t.Fatalf("Close() did not close the consumer")
	}
}

func TestKafkaSourceReportsCommitFailure(t *testing.T) {
	fc := &fakeConsumer{commitErr: errors.New("rebalanced")}
	src, err := NewKafkaSource(fc, "envelopes", &capturingDispatcher{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewKafkaSource() error = %v", err)
	}
	err = src.handleRecord(context.Background(), &consumer.Record{Value: mustMarshal(t, "aaaa")})
	if err == nil {
		t.Fatalf("expected commit error")
	}
}

func TestNewKafkaSourceValidates(t *testing.T) {
	if _, err := NewKafkaSource(nil, "t", &capturingDispatcher{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error without consumer")
	}
	if _, err := NewKafkaSource(&fakeConsumer{}, "", &capturingDispatcher{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error without topic")
	}
	if _, err := NewKafkaSource(&fakeConsumer{}, "t", nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error without dispatcher")
	}
}
