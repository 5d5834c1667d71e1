package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gramyfied/eloquence-backend/internal/dialogue"
	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/internal/transport"
	"github.com/gramyfied/eloquence-backend/internal/ttspipe"
	"github.com/gramyfied/eloquence-backend/pkg/provider/asr"
	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

// runTurn drives one conversational turn: transcription, scenario
// observation, dialogue generation, and playback. It runs in its own
// goroutine so inbound audio keeps flowing for barge-in detection; ctx is
// cancelled by the arbiter when the learner interrupts.
func (s *Session) runTurn(ctx context.Context, seg *voice.Segment) {
	epoch := s.Epoch()
	start := time.Now()
	defer s.finishTurn(epoch)

	conn := s.connRef()

	result, err := s.transcribe(ctx, seg)
	if err != nil {
		s.turnError(ctx, "asr", err)
		return
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return // nothing recognisable, stay listening
	}

	if f, ferr := voice.NewControlFrame(voice.ControlASRFinal, epoch,
		voice.TextPayload{Text: text, Confidence: result.Confidence}); ferr == nil {
		_ = conn.Send(ctx, f)
	}

	// The prompt window must not include the turn being answered; the
	// dialogue manager appends it as the new user message itself.
	prior := s.history.Turns()

	learner := voice.Turn{
		Role:        voice.RoleLearner,
		Text:        text,
		SpeechStart: s.wallAt(seg.Start),
		SpeechEnd:   s.wallAt(seg.End),
		StepID:      s.currentStepID(),
	}
	if s.svc.Sink != nil {
		path, werr := s.svc.Sink.WriteAudio(s.id, s.history.Len(), seg.PCM)
		if werr != nil {
			slog.Warn("segment audio not persisted", "session_id", s.id, "error", werr)
		} else {
			learner.AudioPath = path
		}
	}
	if _, aerr := s.history.Append(learner); aerr != nil {
		slog.Warn("learner turn rejected", "session_id", s.id, "error", aerr)
		return
	}
	if s.svc.Metrics != nil {
		s.svc.Metrics.RecordTurn(ctx, "learner")
	}

	s.observeScenario(text)

	if !s.setPhaseIfCurrent(voice.PhaseResponseGen, epoch) {
		return
	}
	outcome, err := s.generate(ctx, prior, text, epoch)
	if err != nil {
		s.turnError(ctx, "llm", err)
		return
	}

	if f, ferr := voice.NewControlFrame(voice.ControlAgentTextFinal, epoch,
		voice.TextPayload{Text: outcome.Text}); ferr == nil {
		_ = conn.SendGated(ctx, f)
	}

	agent, aerr := s.history.Append(voice.Turn{
		Role:          voice.RoleAgent,
		Text:          outcome.Text,
		Emotion:       outcome.Emotion,
		StepID:        s.currentStepID(),
		Degraded:      outcome.Degraded,
		FirstResponse: time.Now(),
	})
	if aerr != nil {
		slog.Warn("agent turn rejected", "session_id", s.id, "error", aerr)
		return
	}
	if s.svc.Metrics != nil {
		s.svc.Metrics.RecordTurn(ctx, "agent")
	}

	if !s.setPhaseIfCurrent(voice.PhaseResponseSpeak, epoch) {
		return
	}
	speak, err := s.speak(ctx, outcome, epoch)
	if err != nil {
		if errors.Is(err, fault.ErrCancelled) {
			return // barge-in mid-playback
		}
		s.turnError(ctx, "tts", err)
		return
	}
	if speak.Degraded {
		slog.Warn("utterance produced no audio", "session_id", s.id, "turn", agent.Index)
	}

	if f, ferr := voice.NewControlFrame(voice.ControlTurnEmotion, epoch,
		voice.EmotionPayload{Label: outcome.Emotion, TurnIndex: agent.Index}); ferr == nil {
		_ = conn.Send(ctx, f)
	}

	slog.Debug("turn complete",
		"session_id", s.id,
		"turn", agent.Index,
		"emotion", outcome.Emotion,
		"degraded", outcome.Degraded,
		"duration", time.Since(start).Round(time.Millisecond))
}

// transcribe runs the pooled ASR call for one committed segment.
func (s *Session) transcribe(ctx context.Context, seg *voice.Segment) (*asr.Result, error) {
	release, err := s.svc.ASRPool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	res, err := s.svc.ASR.Transcribe(ctx, asr.Request{
		PCM:        seg.PCM,
		SampleRate: voice.SampleRate,
		Language:   s.language,
	})
	if err != nil {
		if s.svc.Metrics != nil &&
			!errors.Is(err, fault.ErrCancelled) && !errors.Is(err, fault.ErrSegmentTooSmall) {
			s.svc.Metrics.RecordProviderError(ctx, "asr", fault.Code(err))
		}
		return nil, err
	}
	if s.svc.Metrics != nil {
		s.svc.Metrics.ASRDuration.Record(ctx, time.Since(start).Seconds())
	}
	return res, nil
}

// generate runs the pooled dialogue generation, streaming partials to the
// client under the turn's epoch.
func (s *Session) generate(ctx context.Context, prior []voice.Turn, learnerText string, epoch voice.Epoch) (*dialogue.Outcome, error) {
	release, err := s.svc.LLMPool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	conn := s.connRef()
	onPartial := func(text string) {
		f, ferr := voice.NewControlFrame(voice.ControlAgentTextPartial, epoch,
			voice.TextPayload{Text: text})
		if ferr != nil {
			return
		}
		_ = conn.SendGated(ctx, f)
	}

	return s.svc.Dialogue.Generate(ctx, dialogue.Request{
		SystemPrompt: s.systemPrompt(),
		History:      prior,
		LearnerText:  learnerText,
		Language:     s.language,
	}, onPartial)
}

// speak streams the reply through the pooled TTS pipeline.
func (s *Session) speak(ctx context.Context, outcome *dialogue.Outcome, epoch voice.Epoch) (*ttspipe.SpeakResult, error) {
	release, err := s.svc.TTSPool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return s.svc.TTS.Speak(ctx, ttspipe.SpeakRequest{
		Text:     outcome.Text,
		Language: s.language,
		VoiceID:  s.profile.VoiceID,
		Emotion:  outcome.Emotion,
		Epoch:    epoch,
	}, s.connRef())
}

// systemPrompt assembles the agent profile, the rendered scenario step, and
// the session goal.
func (s *Session) systemPrompt() string {
	parts := []string{s.profile.SystemPrompt}
	s.mu.Lock()
	if s.scen != nil {
		if p := s.scen.Prompt(); p != "" {
			parts = append(parts, p)
		}
	}
	s.mu.Unlock()
	if s.goal != "" {
		parts = append(parts, "Objectif de la session : "+s.goal)
	}
	return strings.Join(parts, "\n\n")
}

// currentStepID returns the active scenario step, or "" without a scenario.
func (s *Session) currentStepID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scen == nil {
		return ""
	}
	return s.scen.StepID()
}

// observeScenario classifies the transcript against the current step and
// advances when it is satisfied.
func (s *Session) observeScenario(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scen == nil {
		return
	}
	if s.scen.Observe(text) {
		slog.Info("scenario advanced",
			"session_id", s.id, "step", s.scen.StepID())
	}
}

// turnError applies the propagation policy for a failed turn stage.
func (s *Session) turnError(ctx context.Context, stage string, err error) {
	conn := s.connRef()
	switch {
	case errors.Is(err, fault.ErrSegmentTooSmall):
		// Silently drop; no transition, nothing surfaced.
		slog.Debug("segment below minimum, dropped", "session_id", s.id)

	case errors.Is(err, fault.ErrCancelled):
		// Barge-in or teardown; never surfaced to the client.

	case errors.Is(err, fault.ErrOverloaded):
		_ = conn.SendError(ctx, err)

	case fault.Terminal(err):
		slog.Error("terminal turn failure",
			"session_id", s.id, "stage", stage, "error", err)
		_ = conn.SendError(ctx, err)
		s.End(ctx, stage+" failure")

	default:
		// Upstream/Timeout: the turn is lost but the session continues.
		slog.Warn("turn stage failed",
			"session_id", s.id, "stage", stage, "error", err)
		_ = conn.SendError(ctx, err)
	}
}

// finishTurn returns the session to Listening unless a barge-in already did,
// or the session ended.
func (s *Session) finishTurn(epoch voice.Epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if voice.Epoch(s.epoch.Load()) != epoch || s.phase == voice.PhaseEnded {
		return
	}
	s.turnCancel = nil
	switch s.phase {
	case voice.PhaseTranscribing, voice.PhaseResponseGen, voice.PhaseResponseSpeak:
		s.phase = voice.PhaseListening
	}
}

func (s *Session) connRef() *transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}
