package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Transport kinds accepted by TRANSPORT.
const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"
	TransportNull  = "null"
)

// Config captures all runtime configuration of the relay.
type Config struct {
	App       AppConfig
	Transport TransportConfig
	Cache     CacheConfig
	Dispatch  DispatchConfig
	Metrics   MetricsConfig
	Outbox    OutboxConfig
	Kafka     KafkaConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// TransportConfig selects and tunes the network sender.
type TransportConfig struct {
	Kind                 string
	DSN                  string
	HTTPTimeout          time.Duration
	MaxRequestsPerSecond int
	SDKName              string
	SDKVersion           string
}

// CacheConfig controls the durable queue. An empty Dir disables it.
type CacheConfig struct {
	Dir            string
	MaxItems       int
	ReplayInterval time.Duration
}

// DispatchConfig sizes the executor and bounds shutdown.
type DispatchConfig struct {
	MaxQueueSize    int
	Workers         int
	ShutdownTimeout time.Duration
	FlushTimeout    time.Duration
}

// MetricsConfig sizes the metrics batcher.
type MetricsConfig struct {
	MaxQueueSize int
	MaxBatchSize int
	FlushAfter   time.Duration
}

// OutboxConfig points at the directory other processes drop envelopes into.
type OutboxConfig struct {
	Dir          string
	PollInterval time.Duration
}

// KafkaConfig holds broker settings for the kafka sender and source.
type KafkaConfig struct {
	Brokers       []string
	EnvelopeTopic string
	IngestTopic   string
	ConsumerGroup string
	CommitOnAck   bool
}

// Load reads the supplied env files (or .env when none is given), applies
// defaults and validates the result.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("config: load env files: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Transport.Kind = strings.ToLower(ldr.getString("TRANSPORT", TransportHTTP, false))
	cfg.Transport.DSN = ldr.getString("DSN", "", cfg.Transport.Kind == TransportHTTP)
	cfg.Transport.HTTPTimeout = ldr.getMillis("HTTP_TIMEOUT_MS", 5000)
	cfg.Transport.MaxRequestsPerSecond = ldr.getInt("MAX_REQUESTS_PER_SECOND", 0, false)
	cfg.Transport.SDKName = ldr.getString("SDK_NAME", "crash-relay", false)
	cfg.Transport.SDKVersion = ldr.getString("SDK_VERSION", "0.1.0", false)

	cfg.Cache.Dir = ldr.getString("CACHE_DIR", "", false)
	cfg.Cache.MaxItems = ldr.getInt("MAX_CACHE_ITEMS", 30, false)
	cfg.Cache.ReplayInterval = ldr.getMillis("CACHE_REPLAY_INTERVAL_MS", 60000)

	cfg.Dispatch.MaxQueueSize = ldr.getInt("MAX_QUEUE_SIZE", 30, false)
	cfg.Dispatch.Workers = ldr.getInt("WORKER_COUNT", 1, false)
	cfg.Dispatch.ShutdownTimeout = ldr.getMillis("SHUTDOWN_TIMEOUT_MS", 2000)
	cfg.Dispatch.FlushTimeout = ldr.getMillis("FLUSH_TIMEOUT_MS", 15000)

	cfg.Metrics.MaxQueueSize = ldr.getInt("METRICS_MAX_QUEUE_SIZE", 1000, false)
	cfg.Metrics.MaxBatchSize = ldr.getInt("METRICS_MAX_BATCH_SIZE", 100, false)
	cfg.Metrics.FlushAfter = ldr.getMillis("METRICS_FLUSH_AFTER_MS", 5000)

	cfg.Outbox.Dir = ldr.getString("OUTBOX_DIR", "", false)
	cfg.Outbox.PollInterval = ldr.getMillis("OUTBOX_POLL_INTERVAL_MS", 5000)

	cfg.Kafka.EnvelopeTopic = ldr.getString("KAFKA_ENVELOPE_TOPIC", "", cfg.Transport.Kind == TransportKafka)
	cfg.Kafka.IngestTopic = ldr.getString("KAFKA_INGEST_TOPIC", "", false)
	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", cfg.Transport.Kind == TransportKafka || cfg.Kafka.IngestTopic != "")
	cfg.Kafka.ConsumerGroup = ldr.getString("KAFKA_CONSUMER_GROUP", "", cfg.Kafka.IngestTopic != "")
	cfg.Kafka.CommitOnAck = ldr.getBool("KAFKA_COMMIT_ON_ACK", false, false)

	cfg.check(ldr)
	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// check adds the cross-field rules to ldr.
func (c *Config) check(ldr *envLoader) {
	switch c.Transport.Kind {
	case TransportHTTP, TransportKafka, TransportNull:
	default:
		ldr.addError(fmt.Sprintf("TRANSPORT must be one of %s, %s, %s", TransportHTTP, TransportKafka, TransportNull))
	}

	positive := []struct {
		key string
		val int
	}{
		{"MAX_CACHE_ITEMS", c.Cache.MaxItems},
		{"MAX_QUEUE_SIZE", c.Dispatch.MaxQueueSize},
		{"WORKER_COUNT", c.Dispatch.Workers},
		{"METRICS_MAX_QUEUE_SIZE", c.Metrics.MaxQueueSize},
		{"METRICS_MAX_BATCH_SIZE", c.Metrics.MaxBatchSize},
	}
	for _, p := range positive {
		if p.val < 1 {
			ldr.addError(fmt.Sprintf("%s must be greater than zero", p.key))
		}
	}
	if c.Transport.MaxRequestsPerSecond < 0 {
		ldr.addError("MAX_REQUESTS_PER_SECOND must not be negative")
	}
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

// getMillis reads a positive millisecond count.
func (l *envLoader) getMillis(key string, def int) time.Duration {
	ms := l.getInt(key, def, false)
	if ms <= 0 {
		l.addError(fmt.Sprintf("%s must be greater than zero", key))
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid boolean", key))
			return def
		}
		return parsed
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
