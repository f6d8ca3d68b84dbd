package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotSession is returned when a non-session item is parsed as a session.
var ErrNotSession = errors.New("envelope: item is not a session")

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

// Session states.
const (
	SessionOK       SessionStatus = "ok"
	SessionExited   SessionStatus = "exited"
	SessionCrashed  SessionStatus = "crashed"
	SessionAbnormal SessionStatus = "abnormal"
)

// SessionAttributes carries release metadata sent with every session update.
type SessionAttributes struct {
	Release     string `json:"release"`
	Environment string `json:"environment,omitempty"`
}

// Session is one app-lifecycle session. Init is true only on the update that
// first announces the session to the collector.
type Session struct {
	SessionID         string            `json:"sid"`
	DistinctID        string            `json:"did,omitempty"`
	Init              *bool             `json:"init,omitempty"`
	Started           time.Time         `json:"started"`
	Timestamp         *time.Time        `json:"timestamp,omitempty"`
	Status            SessionStatus     `json:"status"`
	Errors            int               `json:"errors"`
	Sequence          *int64            `json:"seq,omitempty"`
	Duration          *float64          `json:"duration,omitempty"`
	AbnormalMechanism string            `json:"abnormal_mechanism,omitempty"`
	Attrs             SessionAttributes `json:"attrs"`
}

// NewSession starts an ok session flagged as init.
func NewSession(release, environment string, started time.Time) *Session {
	s := &Session{
		SessionID: NewID(),
		Started:   started.UTC(),
		Status:    SessionOK,
		Attrs:     SessionAttributes{Release: release, Environment: environment},
	}
	ts := s.Started
	s.Timestamp = &ts
	s.SetInit()
	return s
}

// IsInit reports whether the session carries init=true.
func (s *Session) IsInit() bool {
	return s != nil && s.Init != nil && *s.Init
}

// SetInit marks the session as the one announcing it to the collector.
func (s *Session) SetInit() {
	v := true
	s.Init = &v
}

// ClearInit drops the init flag.
func (s *Session) ClearInit() {
	s.Init = nil
}

// Terminated reports whether the session has left the ok state.
func (s *Session) Terminated() bool {
	return s.Status != SessionOK
}

// Open reports whether the session is still ok and identifiable.
func (s *Session) Open() bool {
	return s != nil && s.SessionID != "" && s.Status == SessionOK
}

// MarkCrashed moves the session to crashed and counts the crash as an error.
func (s *Session) MarkCrashed() {
	s.update(SessionCrashed, "")
	s.Errors++
}

// MarkAbnormal moves the session to abnormal with the supplied mechanism.
func (s *Session) MarkAbnormal(mechanism string) {
	s.update(SessionAbnormal, mechanism)
}

func (s *Session) update(status SessionStatus, mechanism string) {
	s.Status = status
	if mechanism != "" {
		s.AbnormalMechanism = mechanism
	}
	s.ClearInit()
}

// End closes the session at the supplied instant (now when zero). An ok
// session becomes exited; crashed and abnormal states are kept.
func (s *Session) End(at time.Time) {
	s.ClearInit()
	if s.Status == SessionOK {
		s.Status = SessionExited
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	s.Timestamp = &at
	d := at.Sub(s.Started).Seconds()
	if d < 0 {
		d = 0
	}
	s.Duration = &d
	seq := at.UnixMilli()
	s.Sequence = &seq
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Init != nil {
		v := *s.Init
		c.Init = &v
	}
	if s.Timestamp != nil {
		v := *s.Timestamp
		c.Timestamp = &v
	}
	if s.Sequence != nil {
		v := *s.Sequence
		c.Sequence = &v
	}
	if s.Duration != nil {
		v := *s.Duration
		c.Duration = &v
	}
	return &c
}

// MarshalSession serializes a session as stored in session.json.
func MarshalSession(s *Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal session: %w", err)
	}
	return data, nil
}

// UnmarshalSession parses a serialized session.
func UnmarshalSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: session: %v", ErrMalformedEnvelope, err)
	}
	if s.Status == "" {
		s.Status = SessionOK
	}
	return &s, nil
}

// NewSessionItem wraps a session into an envelope item.
func NewSessionItem(s *Session) (*Item, error) {
	data, err := MarshalSession(s)
	if err != nil {
		return nil, err
	}
	return NewItem(ItemTypeSession, data, WithContentType("application/json")), nil
}

// SessionFromItem parses the session carried by a session item.
func SessionFromItem(it *Item) (*Session, error) {
	if it == nil || it.Type() != ItemTypeSession {
		return nil, ErrNotSession
	}
	return UnmarshalSession(it.payload)
}

// FirstSession returns the first session carried by env and its item index.
func FirstSession(env *Envelope) (*Session, int, error) {
	it, idx := env.FirstOfType(ItemTypeSession)
	if it == nil {
		return nil, -1, ErrNotSession
	}
	s, err := SessionFromItem(it)
	if err != nil {
		return nil, idx, err
	}
	return s, idx, nil
}

// FromSession builds a single-item envelope carrying the session.
func FromSession(s *Session, sdk *SDKInfo) (*Envelope, error) {
	it, err := NewSessionItem(s)
	if err != nil {
		return nil, err
	}
	return New(Header{SDK: sdk}, it), nil
}
