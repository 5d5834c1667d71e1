// Package session implements the per-learner orchestrator: the state machine
// that multiplexes the audio transport with the VAD gate, ASR, dialogue
// generation, and TTS playback, and arbitrates barge-in across them.
//
// One Session owns one transport connection. Within a session the pipeline
// runs one conversational turn at a time; across sessions the server is fully
// parallel. All pipeline outputs carry the interruption epoch they were
// produced under, and the transport drops the stale ones after a barge-in.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gramyfied/eloquence-backend/internal/agentprofile"
	"github.com/gramyfied/eloquence-backend/internal/dialogue"
	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/internal/feedback"
	"github.com/gramyfied/eloquence-backend/internal/observe"
	"github.com/gramyfied/eloquence-backend/internal/resilience"
	"github.com/gramyfied/eloquence-backend/internal/scenario"
	"github.com/gramyfied/eloquence-backend/internal/transport"
	"github.com/gramyfied/eloquence-backend/internal/ttspipe"
	"github.com/gramyfied/eloquence-backend/internal/vadgate"
	"github.com/gramyfied/eloquence-backend/pkg/provider/asr"
	"github.com/gramyfied/eloquence-backend/pkg/provider/vad"
	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

// DefaultIdleTimeout ends sessions with no inbound activity.
const DefaultIdleTimeout = 10 * time.Minute

// Services bundles the process-wide collaborators shared by all sessions.
type Services struct {
	// VAD is the primary speech detector; nil selects Fallback from the start.
	VAD vad.Engine

	// VADFallback is the energy detector used when the primary fails.
	VADFallback vad.Engine

	ASR      asr.Transcriber
	Dialogue *dialogue.Manager
	TTS      *ttspipe.Pipeline
	Sink     *feedback.Sink
	Metrics  *observe.Metrics

	// Per-service connection pools; nil pools admit everything.
	ASRPool *resilience.Pool
	LLMPool *resilience.Pool
	TTSPool *resilience.Pool
}

// Params describes one session at creation time.
type Params struct {
	// ID is assigned when empty.
	ID       string
	UserID   string
	Language string
	Goal     string

	Profile  *agentprofile.Profile
	Scenario *scenario.Template

	VADConfig   vadgate.Config
	IdleTimeout time.Duration
}

// Session is one learner's live coaching conversation.
type Session struct {
	id         string
	userID     string
	language   string
	goal       string
	profile    *agentprofile.Profile
	scenarioID string

	svc         Services
	vadCfg      vadgate.Config
	idleTimeout time.Duration

	history *dialogue.History
	epoch   atomic.Uint64

	mu          sync.Mutex
	phase       voice.Phase
	scen        *scenario.State
	gate        *vadgate.Gate
	conn        *transport.Conn
	turnCancel  context.CancelFunc
	streamStart time.Time

	created      time.Time
	lastActivity atomic.Int64
	endOnce      sync.Once
	ended        chan struct{}
}

// New creates a session in phase Idle. The transport is attached later by
// [Session.Run] when the client opens the audio channel.
func New(p Params, svc Services) *Session {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Profile == nil {
		p.Profile = agentprofile.DefaultProfile()
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = DefaultIdleTimeout
	}

	s := &Session{
		id:          p.ID,
		userID:      p.UserID,
		language:    p.Language,
		goal:        p.Goal,
		profile:     p.Profile,
		svc:         svc,
		vadCfg:      p.VADConfig,
		idleTimeout: p.IdleTimeout,
		history:     &dialogue.History{},
		phase:       voice.PhaseIdle,
		created:     time.Now(),
		ended:       make(chan struct{}),
	}
	if p.Scenario != nil {
		s.scenarioID = p.Scenario.ID
		s.scen = scenario.NewState(p.Scenario)
	}
	s.lastActivity.Store(time.Now().UnixNano())
	if svc.Metrics != nil {
		svc.Metrics.ActiveSessions.Add(context.Background(), 1)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Language returns the session's BCP-47 tag.
func (s *Session) Language() string { return s.language }

// Epoch returns the current interruption epoch.
func (s *Session) Epoch() voice.Epoch { return voice.Epoch(s.epoch.Load()) }

// Phase returns the current pipeline phase.
func (s *Session) Phase() voice.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// History returns a copy of the committed turns.
func (s *Session) History() []voice.Turn { return s.history.Turns() }

// LastActivity returns the time of the last inbound frame or control message.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Ended is closed when the session reaches its terminal phase.
func (s *Session) Ended() <-chan struct{} { return s.ended }

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// Run attaches conn and pumps the session until the transport closes, the
// client ends the stream, or ctx is cancelled. A session runs at most once.
func (s *Session) Run(ctx context.Context, conn *transport.Conn) error {
	s.mu.Lock()
	if s.phase == voice.PhaseEnded {
		s.mu.Unlock()
		return fmt.Errorf("session %s already ended: %w", s.id, fault.ErrNotFound)
	}
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("session %s already has a transport: %w", s.id, fault.ErrValidation)
	}
	s.conn = conn
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.End(context.WithoutCancel(ctx), "transport closed")

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.ended:
			return nil

		case err := <-runErr:
			if err != nil {
				slog.Warn("transport terminated session",
					"session_id", s.id, "error", err)
			}
			return err

		case frame := <-conn.Audio():
			s.touch()
			s.handleAudio(ctx, frame)

		case f := <-conn.Control():
			s.touch()
			if done := s.handleControl(ctx, f); done {
				return nil
			}
		}
	}
}

// handleControl processes one inbound control frame. It returns true when the
// session must end.
func (s *Session) handleControl(ctx context.Context, f voice.ControlFrame) bool {
	switch f.Type {
	case voice.ControlStartStream:
		s.startStream(ctx)
		return false

	case voice.ControlStopStream:
		s.End(ctx, "client stopped the stream")
		return true

	case voice.ControlCancel:
		// Client-side interruption hint: same path as a VAD barge-in.
		s.bargeIn(ctx, time.Now())
		return false

	default:
		slog.Debug("ignoring inbound control frame",
			"session_id", s.id, "type", f.Type)
		return false
	}
}

// startStream opens the VAD gate and moves Idle → Listening.
func (s *Session) startStream(ctx context.Context) {
	s.mu.Lock()
	if s.phase != voice.PhaseIdle {
		conn := s.conn
		s.mu.Unlock()
		_ = conn.SendError(ctx, fmt.Errorf("%w: stream already started", fault.ErrValidation))
		return
	}

	gate, err := s.openGate()
	if err != nil {
		conn := s.conn
		s.mu.Unlock()
		slog.Error("vad gate unavailable", "session_id", s.id, "error", err)
		_ = conn.SendError(ctx, fmt.Errorf("%w: voice detection unavailable", fault.ErrUpstream))
		return
	}
	s.gate = gate
	s.phase = voice.PhaseListening
	s.streamStart = time.Now()
	conn := s.conn
	s.mu.Unlock()

	if f, ferr := voice.NewControlFrame(voice.ControlStreamStarted, s.Epoch(), nil); ferr == nil {
		_ = conn.Send(ctx, f)
	}
	slog.Info("stream started", "session_id", s.id, "language", s.language)
}

// openGate builds the VAD gate: the primary engine when available, the energy
// fallback otherwise. Called with s.mu held.
func (s *Session) openGate() (*vadgate.Gate, error) {
	vcfg := vad.Config{
		SampleRate:  voice.SampleRate,
		FrameSizeMs: int(voice.FrameDuration / time.Millisecond),
	}

	if s.svc.VAD != nil {
		handle, err := s.svc.VAD.NewSession(vcfg)
		if err == nil {
			return vadgate.New(s.vadCfg, handle, s.svc.VADFallback), nil
		}
		slog.Warn("primary vad engine unavailable, starting on fallback",
			"session_id", s.id, "error", err)
	}
	if s.svc.VADFallback == nil {
		return nil, fmt.Errorf("session: no vad backend available: %w", fault.ErrUpstream)
	}
	handle, err := s.svc.VADFallback.NewSession(vcfg)
	if err != nil {
		return nil, fmt.Errorf("session: start fallback vad: %w", err)
	}
	return vadgate.New(s.vadCfg, handle, nil), nil
}

// handleAudio feeds one inbound frame through the gate and reacts to its
// events.
func (s *Session) handleAudio(ctx context.Context, frame voice.AudioFrame) {
	s.mu.Lock()
	gate := s.gate
	conn := s.conn
	s.mu.Unlock()
	if gate == nil {
		return // audio before start_stream
	}

	events, err := gate.Feed(frame)
	if err != nil {
		if errors.Is(err, fault.ErrValidation) {
			_ = conn.SendError(ctx, err)
			return
		}
		// Both backends gone: without speech detection the session is
		// deaf. End it cleanly.
		slog.Error("vad pipeline failed", "session_id", s.id, "error", err)
		_ = conn.SendError(ctx, fmt.Errorf("%w: voice detection failed", fault.ErrUpstream))
		s.End(ctx, "vad failure")
		return
	}

	for _, ev := range events {
		switch ev.Type {
		case vadgate.EventDegraded:
			slog.Warn("vad degraded to energy detection", "session_id", s.id)
			if s.svc.Metrics != nil {
				s.svc.Metrics.RecordProviderError(ctx, "vad", "upstream")
			}

		case vadgate.EventSpeechStart:
			if s.Phase().Interruptible() {
				s.bargeIn(ctx, time.Now())
			}

		case vadgate.EventSpeechEnd:
			s.startTurn(ctx, ev.Segment)
		}
	}
}

// startTurn moves Listening → Transcribing and spawns the turn pipeline.
func (s *Session) startTurn(ctx context.Context, seg *voice.Segment) {
	s.mu.Lock()
	if s.phase != voice.PhaseListening {
		s.mu.Unlock()
		return
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.turnCancel = cancel
	s.phase = voice.PhaseTranscribing
	s.mu.Unlock()

	go s.runTurn(turnCtx, seg)
}

// bargeIn is the interruption arbiter: in an interruptible phase it advances
// the epoch, cancels the in-flight LLM/TTS work, emits a single tts_stop, and
// returns the session to Listening. Stale audio queued behind the epoch is
// dropped by the transport writer.
func (s *Session) bargeIn(ctx context.Context, at time.Time) {
	s.mu.Lock()
	if !s.phase.Interruptible() {
		s.mu.Unlock()
		return
	}
	s.epoch.Add(1)
	next := voice.Epoch(s.epoch.Load())
	cancel := s.turnCancel
	s.turnCancel = nil
	s.phase = voice.PhaseListening
	conn := s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if f, err := voice.NewControlFrame(voice.ControlTTSStop, next, nil); err == nil {
		_ = conn.Send(ctx, f)
	}

	latency := time.Since(at)
	slog.Info("barge-in",
		"session_id", s.id, "epoch", next, "latency", latency)
	if s.svc.Metrics != nil {
		s.svc.Metrics.BargeIns.Add(ctx, 1)
		s.svc.Metrics.BargeInLatency.Record(ctx, latency.Seconds())
	}
}

// wallAt converts a stream-relative timestamp to wall clock.
func (s *Session) wallAt(d time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamStart.Add(d)
}

// setPhaseIfCurrent transitions to p unless the turn's epoch was superseded
// or the session ended.
func (s *Session) setPhaseIfCurrent(p voice.Phase, epoch voice.Epoch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if voice.Epoch(s.epoch.Load()) != epoch || s.phase == voice.PhaseEnded {
		return false
	}
	s.phase = p
	return true
}

// End releases the session exactly once: the in-flight turn is cancelled, the
// gate and transport are closed, and all finalized turns go to the feedback
// sink. Safe to call from any goroutine.
func (s *Session) End(ctx context.Context, reason string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.phase = voice.PhaseEnded
		cancel := s.turnCancel
		s.turnCancel = nil
		gate := s.gate
		s.gate = nil
		conn := s.conn
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if gate != nil {
			if err := gate.Close(); err != nil {
				slog.Debug("vad gate close", "session_id", s.id, "error", err)
			}
		}
		if s.svc.Sink != nil {
			n := s.svc.Sink.SubmitSession(ctx, s.id, s.language, s.scenarioID, s.history.Turns())
			if n > 0 {
				slog.Info("scoring jobs submitted", "session_id", s.id, "jobs", n)
			}
		}
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, reason)
		}
		if s.svc.Metrics != nil {
			s.svc.Metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
		}
		close(s.ended)
		slog.Info("session ended",
			"session_id", s.id,
			"reason", reason,
			"turns", s.history.Len(),
			"lifetime", time.Since(s.created).Round(time.Millisecond))
	})
}
