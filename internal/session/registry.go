package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gramyfied/eloquence-backend/internal/fault"
)

// reapInterval is how often the registry sweeps for idle sessions.
const reapInterval = 30 * time.Second

// Registry is the process-wide session table. Pipeline work refers to
// sessions by id through it rather than holding back-pointers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put registers s. A duplicate id is rejected.
func (r *Registry) Put(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("session: id %s already registered: %w", s.ID(), fault.ErrValidation)
	}
	r.sessions[s.ID()] = s
	return nil
}

// Get looks up a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, fault.ErrNotFound)
	}
	return s, nil
}

// End terminates a session and removes it from the registry. The second call
// for the same id reports fault.ErrNotFound so DELETE stays idempotent at the
// HTTP layer.
func (r *Registry) End(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, fault.ErrNotFound)
	}
	s.End(ctx, reason)
	return nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reap ends idle sessions until ctx is cancelled. Run it in its own
// goroutine.
func (r *Registry) Reap(ctx context.Context) {
	t := time.NewTicker(reapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.reapOnce(ctx)
		}
	}
}

func (r *Registry) reapOnce(ctx context.Context) {
	r.mu.RLock()
	var idle []*Session
	for _, s := range r.sessions {
		if time.Since(s.LastActivity()) > s.idleTimeout {
			idle = append(idle, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range idle {
		slog.Info("reaping idle session",
			"session_id", s.ID(), "idle", time.Since(s.LastActivity()).Round(time.Second))
		if err := r.End(ctx, s.ID(), "idle timeout"); err != nil {
			slog.Debug("idle session already gone", "session_id", s.ID())
		}
	}
}

// EndAll terminates every session, for graceful shutdown.
func (r *Registry) EndAll(ctx context.Context, reason string) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		s.End(ctx, reason)
	}
}
