package envelope

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSessionEnd(t *testing.T) {
	started := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s := NewSession("app@1.0.0", "production", started)
	if !s.IsInit() {
		t.Fatalf("expected new session to be init")
	}

	s.End(started.Add(90 * time.Second))

	if s.Status != SessionExited {
		t.Fatalf("expected exited, got %s", s.Status)
	}
	if s.IsInit() {
		t.Fatalf("expected init to be cleared on end")
	}
	if s.Duration == nil || *s.Duration != 90 {
		t.Fatalf("expected 90s duration, got %v", s.Duration)
	}
}

func TestSessionCrashedKeepsStateOnEnd(t *testing.T) {
	s := NewSession("app@1.0.0", "", time.Now())
	s.MarkCrashed()
	s.End(time.Time{})
	if s.Status != SessionCrashed {
		t.Fatalf("expected crashed, got %s", s.Status)
	}
	if s.Errors != 1 {
		t.Fatalf("expected crash to count as error, got %d", s.Errors)
	}
}

func TestSessionItemRoundTrip(t *testing.T) {
	s := NewSession("app@2.0.0", "staging", time.Date(2024, 5, 5, 5, 5, 5, 0, time.UTC))
	env, err := FromSession(s, &SDKInfo{Name: "test", Version: "1"})
	if err != nil {
		t.Fatalf("from session: %v", err)
	}

	got, idx, err := FirstSession(env)
	if err != nil {
		t.Fatalf("first session: %v", err)
	}
	if idx != 0 {
		t.Fatalf("expected session at index 0, got %d", idx)
	}
	if diff := cmp.Diff(s, got); diff != "" {
		t.Fatalf("session mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionFromItemRejectsOtherTypes(t *testing.T) {
	if _, err := SessionFromItem(NewItem(ItemTypeEvent, []byte("{}"))); !errors.Is(err, ErrNotSession) {
		t.Fatalf("expected ErrNotSession, got %v", err)
	}
}
