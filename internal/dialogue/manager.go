package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/internal/observe"
	"github.com/gramyfied/eloquence-backend/pkg/provider/llm"
	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

const (
	// partialInterval is the maximum time between agent_text_partial
	// emissions while the model is producing text.
	partialInterval = 250 * time.Millisecond

	defaultTimeout     = 30 * time.Second
	defaultTemperature = 0.7
	defaultMaxTokens   = 512
)

// Request carries everything needed to generate one agent reply.
type Request struct {
	// SystemPrompt combines the agent profile with the rendered scenario
	// step prompt. The emotion instruction is appended by the manager.
	SystemPrompt string

	// History is the committed turn list; the manager windows it.
	History []voice.Turn

	// LearnerText is the transcript of the turn being answered.
	LearnerText string

	// Language is the BCP-47 tag of the session.
	Language string
}

// Outcome is the result of one generation.
type Outcome struct {
	// Text is the cleaned agent reply (emotion marker stripped).
	Text string

	// Emotion is the label attached to the reply.
	Emotion voice.Emotion

	// Degraded marks replies produced through the fallback path: a canned
	// utterance, or partial text preserved after a timeout.
	Degraded bool

	// Usage is the provider's token accounting when available.
	Usage *llm.Usage
}

// PartialFunc receives the accumulated reply text so far. Called on sentence
// boundaries and at least every 250 ms while text is flowing.
type PartialFunc func(text string)

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout overrides the wall-clock bound for a full generation.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithSampling overrides temperature and max tokens.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(m *Manager) {
		m.temperature = temperature
		m.maxTokens = maxTokens
	}
}

// WithMetrics wires generation latency and degraded-turn instruments.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// Manager drives LLM generation for a session. It is stateless across turns
// and safe for concurrent use by different sessions.
type Manager struct {
	provider    llm.Provider
	timeout     time.Duration
	temperature float64
	maxTokens   int
	metrics     *observe.Metrics
}

// New creates a Manager generating with p.
func New(p llm.Provider, opts ...Option) *Manager {
	m := &Manager{
		provider:    p,
		timeout:     defaultTimeout,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Generate produces one agent reply for req, streaming partials through
// onPartial (which may be nil).
//
// Failure handling follows the turn-degradation policy: provider errors and
// timeouts yield a degraded Outcome and a nil error (a timeout preserves any
// partial text already streamed). Cancellation — a barge-in — returns
// [fault.ErrCancelled] together with an Outcome holding the partial text, so
// the caller decides what to commit.
func (m *Manager) Generate(ctx context.Context, req Request, onPartial PartialFunc) (*Outcome, error) {
	start := time.Now()
	genCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	ch, err := m.provider.StreamCompletion(genCtx, m.buildRequest(req))
	if err != nil {
		if ctx.Err() != nil {
			return &Outcome{}, fmt.Errorf("dialogue: %w: %v", fault.ErrCancelled, ctx.Err())
		}
		slog.Warn("llm stream setup failed, degrading turn", "error", err)
		return m.degrade(ctx, ""), nil
	}

	var (
		buf       strings.Builder
		usage     *llm.Usage
		lastEmit  string
		firstTok  bool
		ticker    = time.NewTicker(partialInterval)
		finished  bool
	)
	defer ticker.Stop()

	emit := func() {
		if onPartial == nil {
			return
		}
		text := StripEmotionMarker(buf.String())
		if text == "" || text == lastEmit {
			return
		}
		lastEmit = text
		onPartial(text)
	}

loop:
	for {
		select {
		case <-genCtx.Done():
			if ctx.Err() != nil {
				// Barge-in or session teardown.
				clean, emo := TagEmotion(buf.String())
				return &Outcome{Text: clean, Emotion: emo},
					fmt.Errorf("dialogue: %w: %v", fault.ErrCancelled, ctx.Err())
			}
			// Generation timeout: keep whatever streamed.
			slog.Warn("llm generation timed out, degrading turn",
				"elapsed", time.Since(start))
			return m.degrade(ctx, buf.String()), nil

		case <-ticker.C:
			emit()

		case chunk, ok := <-ch:
			if !ok {
				// Stream closed without a finish reason: aborted upstream.
				break loop
			}
			if chunk.Text != "" {
				if !firstTok {
					firstTok = true
					if m.metrics != nil {
						m.metrics.LLMFirstToken.Record(ctx, time.Since(start).Seconds())
					}
				}
				buf.WriteString(chunk.Text)
				if hasSentenceBoundary(chunk.Text) {
					emit()
				}
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.FinishReason != "" {
				// Providers report mid-stream failure as a synthetic
				// "error" finish; only a real finish counts as clean.
				finished = chunk.FinishReason != llm.FinishError
				break loop
			}
		}
	}

	if !finished || buf.Len() == 0 {
		return m.degrade(ctx, buf.String()), nil
	}

	if m.metrics != nil {
		m.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}

	clean, emotion := TagEmotion(buf.String())
	return &Outcome{Text: clean, Emotion: emotion, Usage: usage}, nil
}

// buildRequest assembles the provider request: emotion-instructed system
// prompt, windowed history, and the new learner message.
func (m *Manager) buildRequest(req Request) llm.CompletionRequest {
	msgs := Window(req.History)
	msgs = append(msgs, llm.Message{Role: "user", Content: req.LearnerText})

	return llm.CompletionRequest{
		SystemPrompt: req.SystemPrompt + "\n\n" + EmotionInstruction,
		Messages:     msgs,
		Temperature:  m.temperature,
		MaxTokens:    m.maxTokens,
		Language:     req.Language,
	}
}

// degrade builds the fallback outcome. Partial text already streamed is
// preserved; otherwise the neutral canned utterance is used.
func (m *Manager) degrade(ctx context.Context, partial string) *Outcome {
	if m.metrics != nil {
		m.metrics.DegradedTurns.Add(ctx, 1)
	}
	if text := strings.TrimSpace(StripEmotionMarker(partial)); text != "" {
		clean, emotion := TagEmotion(text)
		return &Outcome{Text: clean, Emotion: emotion, Degraded: true}
	}
	return &Outcome{
		Text:     FallbackUtterance(voice.EmotionNeutral),
		Emotion:  voice.EmotionNeutral,
		Degraded: true,
	}
}

// hasSentenceBoundary reports whether s contains a sentence-ending character.
func hasSentenceBoundary(s string) bool {
	return strings.ContainsAny(s, ".!?")
}

// Cancelled reports whether err is the cancellation outcome of Generate.
func Cancelled(err error) bool {
	return errors.Is(err, fault.ErrCancelled)
}
