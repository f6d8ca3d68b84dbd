package cache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/example/crash-delivery/internal/envelope"
	"github.com/example/crash-delivery/internal/hint"
)

// startSession folds a never closed previous session into the queue, records
// whether the last run crashed and makes the session of env current.
func (c *DiskCache) startSession(env *envelope.Envelope) {
	markerAt, crashed := c.findCrashMarker()

	if previous, err := c.readCurrentSession(); err == nil {
		if crashed && !previous.Terminated() {
			c.logger.Info().
				Str("session_id", previous.SessionID).
				Msg("cache: crash marker found, previous session ended as crashed")
			previous.MarkCrashed()
		}
		if previous.Status == envelope.SessionOK || previous.Duration == nil {
			endAt := markerAt
			if !crashed || endAt.IsZero() {
				endAt = c.now()
			}
			previous.End(endAt)
		}
		folded, err := envelope.FromSession(previous, c.sdk)
		if err != nil {
			c.logger.Error().Err(err).Str("session_id", previous.SessionID).Msg("cache: failed to fold previous session")
		} else {
			c.writeEnvelope(c.envelopePath(folded), folded)
		}
		if err := os.Remove(c.path(CurrentSessionFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn().Err(err).Msg("cache: failed to delete the current session file")
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		c.logger.Error().Err(err).Msg("cache: previous session file is unreadable, dropping it")
		_ = os.Remove(c.path(CurrentSessionFile))
	}

	c.updateCurrentSession(env)

	if crashed {
		for _, name := range []string{NativeCrashMarkerFile, CrashMarkerFile} {
			if err := os.Remove(c.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				c.logger.Error().Err(err).Str("file", name).Msg("cache: failed to delete the crash marker file")
			}
		}
	}
	c.crash.SetCrashedLastRun(crashed)
}

// findCrashMarker looks for the native marker first, then the managed one. The
// returned instant is the marker's recorded timestamp, or its modification time
// when the content is unreadable.
func (c *DiskCache) findCrashMarker() (time.Time, bool) {
	for _, name := range []string{NativeCrashMarkerFile, CrashMarkerFile} {
		path := c.path(name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		ts, err := readMarkerTimestamp(path)
		if err != nil {
			c.logger.Warn().Err(err).Str("file", name).Msg("cache: crash marker has no valid timestamp")
			return info.ModTime(), true
		}
		return ts, true
	}
	return time.Time{}, false
}

func readMarkerTimestamp(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	if !sc.Scan() {
		return time.Time{}, errors.New("empty marker")
	}
	line := strings.TrimSpace(sc.Text())
	ts, err := time.Parse(time.RFC3339Nano, line)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse marker timestamp: %w", err)
	}
	return ts, nil
}

// updateCurrentSession writes the first item of env to session.json when it is
// a session.
func (c *DiskCache) updateCurrentSession(env *envelope.Envelope) {
	items := env.Items()
	if len(items) == 0 || items[0].Type() != envelope.ItemTypeSession {
		c.logger.Info().Str("event_id", env.ID()).Msg("cache: session start envelope carries no session item")
		return
	}
	session, err := envelope.SessionFromItem(items[0])
	if err != nil {
		c.logger.Error().Err(err).Str("event_id", env.ID()).Msg("cache: session item failed to parse")
		return
	}
	c.writeCurrentSession(session)
}

// endAbnormalSession ends session.json as abnormal at the exit timestamp. Exits
// recorded before the session started are ignored.
func (c *DiskCache) endAbnormalSession(exit hint.AbnormalExit) {
	session, err := c.readCurrentSession()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.logger.Debug().Msg("cache: no previous session to end")
		} else {
			c.logger.Error().Err(err).Msg("cache: error processing previous session")
		}
		return
	}
	if !exit.Timestamp.IsZero() && exit.Timestamp.Before(session.Started) {
		c.logger.Warn().
			Str("session_id", session.SessionID).
			Msg("cache: abnormal exit happened before previous session start, not ending the session")
		return
	}
	session.MarkAbnormal(exit.Mechanism)
	session.End(exit.Timestamp)
	c.writeCurrentSession(session)
}

func (c *DiskCache) readCurrentSession() (*envelope.Session, error) {
	data, err := os.ReadFile(c.path(CurrentSessionFile))
	if err != nil {
		return nil, err
	}
	s, err := envelope.UnmarshalSession(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, CurrentSessionFile, err)
	}
	return s, nil
}

func (c *DiskCache) writeCurrentSession(s *envelope.Session) {
	data, err := envelope.MarshalSession(s)
	if err != nil {
		c.logger.Error().Err(err).Str("session_id", s.SessionID).Msg("cache: failed to encode session")
		return
	}
	if err := writeFileAtomic(c.path(CurrentSessionFile), data); err != nil {
		c.logger.Error().Err(err).Str("session_id", s.SessionID).Msg("cache: error writing session to offline storage")
	}
}

// CurrentSession returns the session stored in session.json.
func (c *DiskCache) CurrentSession() (*envelope.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCurrentSession()
}
