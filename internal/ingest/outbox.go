// Package ingest feeds envelopes produced outside this process into the
// dispatcher: files dropped into an outbox directory and records read from a
// Kafka topic.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/hint"
)

// DefaultPollInterval is how often Watch rescans the outbox.
const DefaultPollInterval = 5 * time.Second

// sessionFilePrefix marks files a native handler is still writing to.
const sessionFilePrefix = "session"

// Dispatcher is the part of the delivery pipeline the ingest sources need.
type Dispatcher interface {
	Send(env *envelope.Envelope, h hint.Hint)
}

// Outbox drains a directory of serialized envelopes written by other
// processes. Each file is handed to the dispatcher and then deleted.
type Outbox struct {
	dir        string
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// NewOutbox returns an Outbox reading from dir. The directory is created when
// missing.
func NewOutbox(dir string, d Dispatcher, logger zerolog.Logger) (*Outbox, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("ingest: outbox directory is required")
	}
	if d == nil {
		return nil, errors.New("ingest: dispatcher is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ingest: create outbox directory: %w", err)
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Outbox{
		dir:        dir,
		dispatcher: d,
		logger:     logger.With().Str("component", "outbox").Str("dir", dir).Logger(),
	}, nil
}

// Drain processes every file currently in the outbox, oldest name first. It
// returns the number of envelopes dispatched.
func (o *Outbox) Drain(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return 0, fmt.Errorf("ingest: read outbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !o.relevant(e) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	dispatched := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		if o.processFile(filepath.Join(o.dir, name)) {
			dispatched++
		}
	}
	if dispatched > 0 {
		o.logger.Info().Int("dispatched", dispatched).Msg("ingest: outbox drained")
	}
	return dispatched, nil
}

func (o *Outbox) relevant(e fs.DirEntry) bool {
	name := e.Name()
	if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.HasPrefix(name, sessionFilePrefix) {
		o.logger.Debug().Str("file", name).Msg("ingest: ignoring session file")
		return false
	}
	return true
}

// processFile dispatches one file and deletes it. Files that fail to decode
// are deleted as well so they do not block the outbox.
func (o *Outbox) processFile(path string) bool {
	log := o.logger.With().Str("file", filepath.Base(path)).Logger()
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Error().Err(err).Msg("ingest: failed to delete outbox file")
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Error().Err(err).Msg("ingest: failed to read outbox file")
		return false
	}
	env, err := envelope.Unmarshal(data)
	if err == nil {
		err = env.Validate()
	}
	if err != nil {
		log.Error().Err(err).Msg("ingest: dropping corrupt outbox file")
		return false
	}

	o.dispatcher.Send(env, hint.Hint{Retryable: true})
	log.Debug().Str("event_id", env.ID()).Int("items", env.Len()).Msg("ingest: outbox envelope dispatched")
	return true
}

// Watch drains the outbox every interval until ctx is done.
func (o *Outbox) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := o.Drain(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error().Err(err).Msg("ingest: outbox drain failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
