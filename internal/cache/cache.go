// Package cache is the durable queue of not yet delivered envelopes. The
// directory it manages is owned by this package; nothing else reads or writes
// the files in it.
package cache

import (
	"errors"
	"sync"

	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/hint"
)

// File layout inside the cache directory.
const (
	EnvelopeSuffix         = ".envelope"
	CurrentSessionFile     = "session.json"
	CrashMarkerFile        = "last_crash"
	NativeCrashMarkerFile  = ".sentry-native/last_crash"
	StartupCrashMarkerFile = "startup_crash"
	LockFile               = ".lock"

	// DefaultMaxSize is the default number of envelope files kept on disk.
	DefaultMaxSize = 30
)

// ErrCorrupt wraps failures to decode a cached file.
var ErrCorrupt = errors.New("cache: corrupt cache file")

// EnvelopeCache stores envelopes that could not be delivered yet.
type EnvelopeCache interface {
	// Store persists env. It reports whether the envelope is on disk.
	Store(env *envelope.Envelope, h hint.Hint) bool
	// Discard removes the file of env. Missing files are ignored.
	Discard(env *envelope.Envelope)
	// Iterator lists the cached envelopes at call time. Files are read lazily.
	Iterator() *Iterator
}

// Locker is implemented by caches that can be locked across processes.
type Locker interface {
	WithDirLock(fn func() error) error
}

// NullCache stores nothing.
type NullCache struct{}

// Store always reports that nothing was stored.
func (NullCache) Store(*envelope.Envelope, hint.Hint) bool { return false }

// Discard is a no-op.
func (NullCache) Discard(*envelope.Envelope) {}

// Iterator returns an empty iterator.
func (NullCache) Iterator() *Iterator { return &Iterator{} }

// Iterator walks cached envelopes. Files that vanished or fail to decode are
// skipped.
type Iterator struct {
	paths []string
	pos   int
	read  func(path string) (*envelope.Envelope, error)
	skip  func(path string, err error)
}

// Next returns the next readable envelope. ok is false when the listing is
// exhausted.
func (it *Iterator) Next() (env *envelope.Envelope, ok bool) {
	for it.pos < len(it.paths) {
		path := it.paths[it.pos]
		it.pos++
		env, err := it.read(path)
		if err != nil {
			if it.skip != nil {
				it.skip(path, err)
			}
			continue
		}
		return env, true
	}
	return nil, false
}

// Len returns the number of files listed when the iterator was created.
func (it *Iterator) Len() int { return len(it.paths) }

// ProcessCrashState records whether the previous run of the process crashed.
// The first assignment wins; later ones are ignored.
type ProcessCrashState struct {
	mu      sync.Mutex
	known   bool
	crashed bool
}

// SetCrashedLastRun records the crash state if none was recorded yet.
func (s *ProcessCrashState) SetCrashedLastRun(crashed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known {
		return
	}
	s.known = true
	s.crashed = crashed
}

// CrashedLastRun returns the recorded state. known is false until a session
// start has inspected the crash markers.
func (s *ProcessCrashState) CrashedLastRun() (crashed, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashed, s.known
}

// Reset forgets the recorded state.
func (s *ProcessCrashState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known = false
	s.crashed = false
}
