// Package mock provides a test double for the tts.Synthesizer interface.
//
// By default every call returns a deterministic PCM payload derived from the
// request, so cache round-trip tests can assert bit-identical replays without
// scripting explicit audio.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// PCM, when non-nil, is returned for every call. When nil, a payload is
	// derived deterministically from the request text.
	PCM []byte

	// SampleRate of the returned audio. Defaults to 16000.
	SampleRate int

	// BytesPerChar scales the derived payload size. Defaults to 320
	// (roughly 10 ms of 16 kHz PCM16 per character).
	BytesPerChar int

	// Err, if non-nil, is returned by every call.
	Err error

	// FailTexts lists unit texts that fail with fault.ErrUpstream while all
	// other units succeed. Used for per-unit fallback tests.
	FailTexts map[string]bool

	// Delay, when positive, makes Synthesize wait before responding, failing
	// with fault.ErrCancelled if ctx expires first.
	Delay time.Duration

	// SynthesizeCalls records every call in order.
	SynthesizeCalls []SynthesizeCall
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesize records the call and returns the configured or derived payload.
func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	s.mu.Lock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{Req: req})
	delay := s.Delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("mock tts: %w: %v", fault.ErrCancelled, ctx.Err())
		case <-time.After(delay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if s.FailTexts[req.Text] {
		return nil, fmt.Errorf("mock tts: scripted failure for %q: %w", req.Text, fault.ErrUpstream)
	}

	rate := s.SampleRate
	if rate == 0 {
		rate = 16000
	}
	if s.PCM != nil {
		return &tts.Result{PCM: append([]byte(nil), s.PCM...), SampleRate: rate}, nil
	}

	perChar := s.BytesPerChar
	if perChar == 0 {
		perChar = 320
	}
	n := len(req.Text) * perChar
	if n == 0 {
		n = perChar
	}
	if n%2 == 1 {
		n++
	}
	pcm := make([]byte, n)
	// Deterministic, request-dependent content.
	seed := byte(len(req.Text)) ^ byte(len(req.VoiceID)) ^ byte(len(req.Emotion))
	for i := range pcm {
		pcm[i] = seed + byte(i%251)
	}
	return &tts.Result{PCM: pcm, SampleRate: rate}, nil
}

// Calls returns the number of Synthesize invocations so far.
func (s *Synthesizer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SynthesizeCalls)
}
