// Package hint describes per-call delivery metadata. A Hint travels next to an
// envelope through the pipeline but is never persisted with it.
package hint

import "time"

// SessionTransition marks a session lifecycle boundary carried by a call.
type SessionTransition int

const (
	// SessionNone is the zero value: the call does not start or end a session.
	SessionNone SessionTransition = iota
	// SessionStart announces a new session.
	SessionStart
	// SessionEnd closes the current session.
	SessionEnd
)

func (t SessionTransition) String() string {
	switch t {
	case SessionStart:
		return "start"
	case SessionEnd:
		return "end"
	default:
		return "none"
	}
}

// AbnormalExit reports that the previous run terminated abnormally (for example
// killed by the OS while unresponsive) at Timestamp.
type AbnormalExit struct {
	Timestamp time.Time
	Mechanism string
}

// Hint is the tagged set of delivery flags for one dispatch call.
type Hint struct {
	// Replay is set when the envelope was read back from the disk cache. The
	// cache store step is skipped for replays.
	Replay bool
	// Retryable permits keeping the envelope for a future retry.
	Retryable bool
	// RequiresSyncFlush makes the cache write happen on the calling goroutine
	// before dispatch returns. Used from crash handlers.
	RequiresSyncFlush bool
	// Session carries a session start or end marker.
	Session SessionTransition
	// Abnormal is set when the envelope reports an abnormal exit of the
	// previous run.
	Abnormal *AbnormalExit
}

// Cached returns the hint used for envelopes replayed from disk.
func Cached() Hint {
	return Hint{Replay: true, Retryable: true}
}

// Crash returns the hint used by crash handlers.
func Crash() Hint {
	return Hint{RequiresSyncFlush: true, Retryable: true}
}

// StartSession returns a hint announcing a session start.
func StartSession() Hint {
	return Hint{Session: SessionStart}
}

// EndSession returns a hint announcing a session end.
func EndSession() Hint {
	return Hint{Session: SessionEnd}
}

// TouchesSession reports whether storing under this hint mutates session
// bookkeeping on disk.
func (h Hint) TouchesSession() bool {
	return h.Session != SessionNone || h.Abnormal != nil
}
