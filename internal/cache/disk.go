package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/rs/zerolog"

	"github.com/example/crash-delivery/internal/clientreport"
	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/hint"
)

// Config controls where and how many envelopes are kept.
type Config struct {
	Dir     string
	MaxSize int
}

// Dependencies collects the collaborators of a DiskCache.
type Dependencies struct {
	Logger     zerolog.Logger
	Recorder   clientreport.Recorder
	CrashState *ProcessCrashState
	SDK        *envelope.SDKInfo
	Now        func() time.Time
}

// DiskCache is the directory backed EnvelopeCache. Every envelope lives in
// <id>.envelope; the open session lives in session.json.
type DiskCache struct {
	dir      string
	maxSize  int
	logger   zerolog.Logger
	recorder clientreport.Recorder
	crash    *ProcessCrashState
	sdk      *envelope.SDKInfo
	now      func() time.Time

	mu sync.Mutex
}

// NewDiskCache creates the cache directory when needed.
func NewDiskCache(cfg Config, deps Dependencies) (*DiskCache, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("cache: directory is required")
	}
	if cfg.MaxSize < 1 {
		cfg.MaxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create directory: %w", err)
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "disk_cache").Logger()

	recorder := deps.Recorder
	if recorder == nil {
		recorder = clientreport.Noop{}
	}
	crash := deps.CrashState
	if crash == nil {
		crash = &ProcessCrashState{}
	}
	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &DiskCache{
		dir:      cfg.Dir,
		maxSize:  cfg.MaxSize,
		logger:   logger,
		recorder: recorder,
		crash:    crash,
		sdk:      deps.SDK,
		now:      nowFunc,
	}, nil
}

// Dir returns the cache directory.
func (c *DiskCache) Dir() string { return c.dir }

// CrashState returns the crash state updated by session starts.
func (c *DiskCache) CrashState() *ProcessCrashState { return c.crash }

// Store persists env, applying the session bookkeeping requested by h. When h
// requires a sync flush a crash marker is written after the envelope.
func (c *DiskCache) Store(env *envelope.Envelope, h hint.Hint) bool {
	if err := env.Validate(); err != nil {
		c.logger.Error().Err(err).Msg("cache: refusing to store invalid envelope")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if h.Session == hint.SessionEnd {
		if err := os.Remove(c.path(CurrentSessionFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn().Err(err).Msg("cache: failed to delete current session file")
		}
	}
	if h.Abnormal != nil {
		c.endAbnormalSession(*h.Abnormal)
	}
	if h.Session == hint.SessionStart {
		c.startSession(env)
	}

	path := c.envelopePath(env)
	if _, err := os.Stat(path); err == nil {
		c.logger.Warn().
			Str("event_id", env.ID()).
			Str("file", path).
			Msg("cache: envelope already stored, not adding it again")
		return true
	}

	if !c.writeEnvelope(path, env) {
		return false
	}
	if h.RequiresSyncFlush {
		c.writeCrashMarker()
	}
	return true
}

// Discard deletes the file of env. A missing file is not an error.
func (c *DiskCache) Discard(env *envelope.Envelope) {
	if env == nil {
		return
	}
	path := c.envelopePath(env)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.logger.Debug().Str("event_id", env.ID()).Msg("cache: envelope was not cached")
			return
		}
		c.logger.Warn().Err(err).Str("file", path).Msg("cache: failed to discard envelope")
		return
	}
	c.logger.Debug().Str("event_id", env.ID()).Msg("cache: discarded envelope")
}

// Iterator lists the envelope files present now, oldest first.
func (c *DiskCache) Iterator() *Iterator {
	files := c.envelopeFiles()
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return &Iterator{
		paths: paths,
		read:  c.readEnvelope,
		skip: func(path string, err error) {
			if errors.Is(err, fs.ErrNotExist) {
				c.logger.Debug().Str("file", path).Msg("cache: envelope file disappeared while iterating")
				return
			}
			c.logger.Error().Err(err).Str("file", path).Msg("cache: skipping unreadable envelope file")
		},
	}
}

// Count returns the number of envelope files on disk.
func (c *DiskCache) Count() int {
	return len(c.envelopeFiles())
}

// WithDirLock runs fn while holding an exclusive lock on the cache directory
// shared with other processes. fslock.ErrLockHeld is returned when another
// process holds it.
func (c *DiskCache) WithDirLock(fn func() error) error {
	return fslock.With(c.path(LockFile), fn)
}

// WriteStartupCrashMarker flags that the process crashed during startup.
func (c *DiskCache) WriteStartupCrashMarker() error {
	if err := writeFileAtomic(c.path(StartupCrashMarkerFile), []byte(c.now().UTC().Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("cache: write startup crash marker: %w", err)
	}
	return nil
}

// ConsumeStartupCrashMarker reports whether a startup crash marker existed and
// deletes it.
func (c *DiskCache) ConsumeStartupCrashMarker() bool {
	err := os.Remove(c.path(StartupCrashMarkerFile))
	if err == nil {
		return true
	}
	if !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn().Err(err).Msg("cache: failed to delete startup crash marker")
		return true
	}
	return false
}

func (c *DiskCache) path(name string) string {
	return filepath.Join(c.dir, filepath.FromSlash(name))
}

func (c *DiskCache) envelopePath(env *envelope.Envelope) string {
	return c.path(fileID(env.ID()) + EnvelopeSuffix)
}

// fileID keeps ids usable as file names. Ids with other characters are hashed.
func fileID(id string) string {
	if id != "" && len(id) <= 64 && strings.IndexFunc(id, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_')
	}) < 0 {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16])
}

// writeEnvelope rotates the directory and writes env as a new file.
func (c *DiskCache) writeEnvelope(path string, env *envelope.Envelope) bool {
	data, err := envelope.Marshal(env)
	if err != nil {
		c.logger.Error().Err(err).Str("event_id", env.ID()).Msg("cache: failed to encode envelope")
		return false
	}

	c.rotate()

	if err := writeFileAtomic(path, data); err != nil {
		c.logger.Error().Err(err).Str("file", path).Msg("cache: failed to write envelope")
		return false
	}
	now := c.now()
	if err := os.Chtimes(path, now, now); err != nil {
		c.logger.Debug().Err(err).Str("file", path).Msg("cache: failed to stamp envelope file")
	}
	c.logger.Debug().Str("event_id", env.ID()).Str("file", path).Msg("cache: stored envelope")
	return true
}

func (c *DiskCache) readEnvelope(path string) (*envelope.Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	env, err := envelope.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}

	// The file name is the identity used by Discard.
	stem := strings.TrimSuffix(filepath.Base(path), EnvelopeSuffix)
	if fileID(env.ID()) != stem {
		h := env.Header()
		h.EventID = stem
		env = envelope.New(h, env.Items()...)
	}
	return env, nil
}

type cachedFile struct {
	path    string
	modTime time.Time
}

// envelopeFiles lists envelope files sorted oldest first. Dot files (temporary
// writes) are ignored.
func (c *DiskCache) envelopeFiles() []cachedFile {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.Error().Err(err).Str("dir", c.dir).Msg("cache: cache directory is inaccessible")
		return nil
	}
	files := make([]cachedFile, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, EnvelopeSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, cachedFile{path: filepath.Join(c.dir, name), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].path < files[j].path
	})
	return files
}

// rotate evicts the oldest files so exactly one more file fits.
func (c *DiskCache) rotate() {
	files := c.envelopeFiles()
	if len(files) < c.maxSize {
		return
	}
	evict := len(files) - c.maxSize + 1
	c.logger.Warn().
		Int("files", len(files)).
		Int("max_size", c.maxSize).
		Int("evict", evict).
		Msg("cache: cache directory is full, rotating files")

	survivors := files[evict:]
	for _, f := range files[:evict] {
		c.moveInitFlagIfNecessary(f, survivors)
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn().Err(err).Str("file", f.path).Msg("cache: file can't be deleted")
		}
	}
}

// moveInitFlagIfNecessary records the loss of an evicted file and hands its
// init flag to a surviving envelope of the same open session.
func (c *DiskCache) moveInitFlagIfNecessary(evicted cachedFile, survivors []cachedFile) {
	env, err := c.readEnvelope(evicted.path)
	if err != nil {
		c.logger.Error().Err(err).Str("file", evicted.path).Msg("cache: failed to read evicted envelope")
		return
	}

	c.recorder.RecordLostEnvelope(clientreport.ReasonCacheOverflow, env)

	session, _, err := envelope.FirstSession(env)
	if err != nil || !session.Open() || !session.IsInit() {
		return
	}

	for _, f := range survivors {
		other, err := c.readEnvelope(f.path)
		if err != nil {
			continue
		}
		for idx, item := range other.Items() {
			if item.Type() != envelope.ItemTypeSession {
				continue
			}
			sibling, err := envelope.SessionFromItem(item)
			if err != nil || sibling.SessionID != session.SessionID {
				continue
			}
			if sibling.IsInit() {
				c.logger.Error().
					Str("session_id", session.SessionID).
					Msg("cache: session carries the init flag twice")
				return
			}

			sibling.SetInit()
			replacement, err := envelope.NewSessionItem(sibling)
			if err != nil {
				c.logger.Error().Err(err).Str("session_id", session.SessionID).Msg("cache: failed to encode session item")
				return
			}
			c.rewritePreservingModTime(f, other.ReplaceItem(idx, replacement))
			return
		}
	}
}

// rewritePreservingModTime replaces the file atomically and restores its
// modification time so rotation order is unchanged.
func (c *DiskCache) rewritePreservingModTime(f cachedFile, env *envelope.Envelope) {
	data, err := envelope.Marshal(env)
	if err != nil {
		c.logger.Error().Err(err).Str("file", f.path).Msg("cache: failed to encode rewritten envelope")
		return
	}
	if err := writeFileAtomic(f.path, data); err != nil {
		c.logger.Error().Err(err).Str("file", f.path).Msg("cache: failed to rewrite envelope")
		return
	}
	if err := os.Chtimes(f.path, f.modTime, f.modTime); err != nil {
		c.logger.Error().Err(err).Str("file", f.path).Msg("cache: failed to restore modification time")
	}
}

func (c *DiskCache) writeCrashMarker() {
	ts := c.now().UTC().Format(time.RFC3339Nano)
	if err := writeFileAtomic(c.path(CrashMarkerFile), []byte(ts)); err != nil {
		c.logger.Error().Err(err).Msg("cache: failed to write crash marker")
	}
}

// writeFileAtomic writes data to a dot-prefixed temporary file in the same
// directory and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
