package ttspipe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/internal/observe"
	"github.com/gramyfied/eloquence-backend/internal/ttscache"
	"github.com/gramyfied/eloquence-backend/pkg/audio"
	"github.com/gramyfied/eloquence-backend/pkg/provider/tts"
	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

// Emitter is the pipeline's outlet, implemented by the session's transport
// writer. Emitted chunks carry the interruption epoch they were produced
// under; the transport drops stale ones.
type Emitter interface {
	// EmitChunk sends one audio chunk of at most voice.MaxChunkBytes.
	EmitChunk(ctx context.Context, epoch voice.Epoch, pcm []byte) error

	// EmitFallback signals that one synthesis unit was skipped.
	EmitFallback(ctx context.Context, epoch voice.Epoch, unit string) error
}

// SpeakRequest is one utterance to stream.
type SpeakRequest struct {
	Text     string
	Language string
	VoiceID  string
	Emotion  voice.Emotion

	// Epoch tags every output of this utterance.
	Epoch voice.Epoch
}

// SpeakResult summarises one Speak call.
type SpeakResult struct {
	// Units is the number of synthesis units the text split into.
	Units int

	// FailedUnits counts units skipped with a tts_fallback.
	FailedUnits int

	// CacheHits counts units replayed from cache.
	CacheHits int

	// Chunks is the total number of audio chunks emitted.
	Chunks int

	// Degraded is true when no unit produced audio at all.
	Degraded bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithoutPacing disables real-time inter-chunk pacing. Tests use this to run
// at full speed.
func WithoutPacing() Option {
	return func(p *Pipeline) { p.paced = false }
}

// WithMetrics wires synthesis latency instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline streams synthesized speech. It is stateless across calls and safe
// for concurrent use by different sessions; per-session sequencing (at most
// one in-flight utterance) is the session's responsibility.
type Pipeline struct {
	synth   tts.Synthesizer
	cache   *ttscache.Cache
	metrics *observe.Metrics
	paced   bool
}

// New creates a Pipeline synthesizing with synth and caching through cache.
func New(synth tts.Synthesizer, cache *ttscache.Cache, opts ...Option) *Pipeline {
	p := &Pipeline{synth: synth, cache: cache, paced: true}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Speak streams req's text to em as ≤100 ms audio chunks. Unit-level
// synthesis failures emit a tts_fallback and continue; only a fully silent
// utterance marks the result degraded. Cancellation (barge-in) returns
// [fault.ErrCancelled] immediately.
func (p *Pipeline) Speak(ctx context.Context, req SpeakRequest, em Emitter) (*SpeakResult, error) {
	units := SegmentUnits(req.Text)
	res := &SpeakResult{Units: len(units)}

	for _, unit := range units {
		if ctx.Err() != nil {
			return res, fmt.Errorf("ttspipe: %w: %v", fault.ErrCancelled, ctx.Err())
		}

		pcm, rate, hit, err := p.fetchUnit(ctx, req, unit)
		if err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("ttspipe: %w: %v", fault.ErrCancelled, ctx.Err())
			}
			slog.Warn("synthesis unit failed, skipping",
				"unit_len", len(unit), "error", err)
			res.FailedUnits++
			if ferr := em.EmitFallback(ctx, req.Epoch, unit); ferr != nil {
				return res, fmt.Errorf("ttspipe: emit fallback: %w", ferr)
			}
			continue
		}
		if hit {
			res.CacheHits++
		}

		sent, err := p.streamUnit(ctx, req.Epoch, pcm, rate, em)
		res.Chunks += sent
		if err != nil {
			return res, err
		}
	}

	res.Degraded = res.Units > 0 && res.FailedUnits == res.Units
	return res, nil
}

// fetchUnit resolves one unit's audio through the cache, synthesizing on a
// miss.
func (p *Pipeline) fetchUnit(ctx context.Context, req SpeakRequest, unit string) (pcm []byte, rate int, hit bool, err error) {
	key := ttscache.Key{
		Language: req.Language,
		VoiceID:  req.VoiceID,
		Emotion:  req.Emotion,
		Text:     unit,
	}
	out, err := p.cache.Fetch(ctx, key, func(ctx context.Context) ([]byte, int, error) {
		start := time.Now()
		r, serr := p.synth.Synthesize(ctx, tts.Request{
			Text:     unit,
			Language: req.Language,
			VoiceID:  req.VoiceID,
			Emotion:  req.Emotion,
		})
		if serr != nil {
			if p.metrics != nil {
				p.metrics.RecordProviderError(ctx, "tts", fault.Code(serr))
			}
			return nil, 0, serr
		}
		if p.metrics != nil {
			p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		}
		return r.PCM, r.SampleRate, nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	return out.PCM, out.SampleRate, out.Hit, nil
}

// streamUnit re-chunks pcm into ≤100 ms frames and emits them, pacing to
// real time after the first chunk so playback buffers stay shallow.
func (p *Pipeline) streamUnit(ctx context.Context, epoch voice.Epoch, pcm []byte, rate int, em Emitter) (int, error) {
	if rate <= 0 {
		rate = voice.SampleRate
	}
	chunkBytes := audio.BytesFor(voice.MaxChunkDuration, rate)
	sent := 0

	for off := 0; off < len(pcm); off += chunkBytes {
		end := off + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := pcm[off:end]

		if err := em.EmitChunk(ctx, epoch, chunk); err != nil {
			return sent, fmt.Errorf("ttspipe: emit chunk: %w", err)
		}
		sent++

		if p.paced && end < len(pcm) {
			select {
			case <-ctx.Done():
				return sent, fmt.Errorf("ttspipe: %w: %v", fault.ErrCancelled, ctx.Err())
			case <-time.After(audio.Duration(chunk, rate)):
			}
		}
	}
	return sent, nil
}

// Prewarm synthesizes phrases into the cache so a session's first turns
// replay instantly. Failures are logged and skipped; pre-warming is
// best-effort.
func (p *Pipeline) Prewarm(ctx context.Context, language, voiceID string, emotion voice.Emotion, phrases []string) {
	for _, phrase := range phrases {
		for _, unit := range SegmentUnits(phrase) {
			if ctx.Err() != nil {
				return
			}
			if _, _, _, err := p.fetchUnit(ctx, SpeakRequest{
				Language: language,
				VoiceID:  voiceID,
				Emotion:  emotion,
			}, unit); err != nil {
				slog.Debug("prewarm unit failed", "error", err)
			}
		}
	}
}
