package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

func newIdleSession(id string, idle time.Duration) *Session {
	return New(Params{ID: id, Language: "fr", IdleTimeout: idle}, Services{})
}

func TestRegistry_PutGet(t *testing.T) {
	r := NewRegistry()
	s := newIdleSession("s1", time.Minute)

	if err := r.Put(s); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := r.Put(s); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("duplicate Put err = %v, want ErrValidation", err)
	}

	got, err := r.Get("s1")
	if err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("Get missing err = %v, want ErrNotFound", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_EndIsIdempotent(t *testing.T) {
	r := NewRegistry()
	s := newIdleSession("s1", time.Minute)
	if err := r.Put(s); err != nil {
		t.Fatal(err)
	}

	if err := r.End(context.Background(), "s1", "test"); err != nil {
		t.Fatalf("first End: %v", err)
	}
	select {
	case <-s.Ended():
	default:
		t.Fatal("session not ended")
	}
	if got := s.Phase(); got != voice.PhaseEnded {
		t.Errorf("phase = %s, want ended", got)
	}

	// The second call finds nothing; the HTTP layer maps this to a flagged
	// 200, not a failure.
	if err := r.End(context.Background(), "s1", "test"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("second End err = %v, want ErrNotFound", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after End, want 0", r.Len())
	}
}

func TestRegistry_ReapEndsIdleSessions(t *testing.T) {
	r := NewRegistry()
	idle := newIdleSession("idle", time.Millisecond)
	fresh := newIdleSession("fresh", time.Minute)
	if err := r.Put(idle); err != nil {
		t.Fatal(err)
	}
	if err := r.Put(fresh); err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	r.reapOnce(context.Background())

	select {
	case <-idle.Ended():
	default:
		t.Error("idle session not reaped")
	}
	select {
	case <-fresh.Ended():
		t.Error("fresh session reaped")
	default:
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d after reap, want 1", r.Len())
	}
}

func TestRegistry_EndAll(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		if err := r.Put(newIdleSession(id, time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	r.EndAll(context.Background(), "shutdown")
	if r.Len() != 0 {
		t.Errorf("Len = %d after EndAll, want 0", r.Len())
	}
}
