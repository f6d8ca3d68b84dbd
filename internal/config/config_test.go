package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var allKeys = []string{
	"APP_ENV", "LOG_LEVEL", "TRANSPORT", "DSN", "HTTP_TIMEOUT_MS", "MAX_REQUESTS_PER_SECOND",
	"SDK_NAME", "SDK_VERSION", "CACHE_DIR", "MAX_CACHE_ITEMS", "CACHE_REPLAY_INTERVAL_MS", "MAX_QUEUE_SIZE", "WORKER_COUNT",
	"SHUTDOWN_TIMEOUT_MS", "FLUSH_TIMEOUT_MS", "METRICS_MAX_QUEUE_SIZE", "METRICS_MAX_BATCH_SIZE",
	"METRICS_FLUSH_AFTER_MS", "OUTBOX_DIR", "OUTBOX_POLL_INTERVAL_MS", "KAFKA_BROKERS",
	"KAFKA_ENVELOPE_TOPIC", "KAFKA_INGEST_TOPIC", "KAFKA_CONSUMER_GROUP", "KAFKA_COMMIT_ON_ACK",
}

// isolate clears every variable the loader reads and runs the test from an
// empty directory so no stray .env file is picked up.
func isolate(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("DSN", "https://public@collector.example.com/42")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := &Config{
		App: AppConfig{Env: "development", LogLevel: "info"},
		Transport: TransportConfig{
			Kind:        TransportHTTP,
			DSN:         "https://public@collector.example.com/42",
			HTTPTimeout: 5 * time.Second,
			SDKName:     "crash-relay",
			SDKVersion:  "0.1.0",
		},
		Cache: CacheConfig{MaxItems: 30, ReplayInterval: time.Minute},
		Dispatch: DispatchConfig{
			MaxQueueSize:    30,
			Workers:         1,
			ShutdownTimeout: 2 * time.Second,
			FlushTimeout:    15 * time.Second,
		},
		Metrics: MetricsConfig{MaxQueueSize: 1000, MaxBatchSize: 100, FlushAfter: 5 * time.Second},
		Outbox:  OutboxConfig{PollInterval: 5 * time.Second},
		Kafka:   KafkaConfig{Brokers: []string{}},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadKafkaTransport(t *testing.T) {
	isolate(t)
	t.Setenv("TRANSPORT", "Kafka")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,,")
	t.Setenv("KAFKA_ENVELOPE_TOPIC", "envelopes")
	t.Setenv("KAFKA_INGEST_TOPIC", "incoming")
	t.Setenv("KAFKA_CONSUMER_GROUP", "relay")
	t.Setenv("KAFKA_COMMIT_ON_ACK", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Transport.Kind != TransportKafka {
		t.Fatalf("Kind = %q, want kafka", cfg.Transport.Kind)
	}
	if diff := cmp.Diff([]string{"a:9092", "b:9092"}, cfg.Kafka.Brokers); diff != "" {
		t.Fatalf("brokers mismatch (-want +got):\n%s", diff)
	}
	if !cfg.Kafka.CommitOnAck {
		t.Fatalf("CommitOnAck = false")
	}
}

func TestLoadCollectsValidationErrors(t *testing.T) {
	isolate(t)
	t.Setenv("TRANSPORT", "carrier-pigeon")
	t.Setenv("MAX_QUEUE_SIZE", "zero")
	t.Setenv("WORKER_COUNT", "0")
	t.Setenv("SHUTDOWN_TIMEOUT_MS", "-5")
	t.Setenv("KAFKA_INGEST_TOPIC", "incoming")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"config validation failed",
		"MAX_QUEUE_SIZE must be a valid integer",
		"WORKER_COUNT must be greater than zero",
		"SHUTDOWN_TIMEOUT_MS must be greater than zero",
		"KAFKA_BROKERS is required",
		"KAFKA_CONSUMER_GROUP is required",
		"TRANSPORT must be one of",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestLoadRequiresDSNForHTTP(t *testing.T) {
	isolate(t)
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DSN is required") {
		t.Fatalf("Load() error = %v, want DSN is required", err)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "relay.env")
	content := "TRANSPORT=null\nCACHE_DIR=/var/lib/relay\nMAX_CACHE_ITEMS=5\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Transport.Kind != TransportNull || cfg.Cache.Dir != "/var/lib/relay" || cfg.Cache.MaxItems != 5 {
		t.Fatalf("env file values not applied: %+v", cfg)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}
