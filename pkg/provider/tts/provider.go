// Package tts defines the Synthesizer interface for Text-to-Speech backends.
//
// Backends operate in batch mode: one call synthesises one utterance unit
// (at most ~200 characters, pre-segmented by internal/ttspipe) and returns
// the complete audio payload. Re-chunking into transport frames, caching and
// pacing are the pipeline's responsibility, so every backend stays a thin
// HTTP client.
//
// Implementations must be safe for concurrent use; the pipeline may overlap
// synthesis of consecutive units.
package tts

import (
	"context"

	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

// Request carries one utterance unit to the backend.
type Request struct {
	// Text is the unit to synthesise, sentence-aligned.
	Text string

	// Language is the BCP-47 tag (e.g. "fr").
	Language string

	// VoiceID is the backend-specific voice identifier from the agent
	// profile.
	VoiceID string

	// Emotion selects the emotion reference conditioning the delivery.
	Emotion voice.Emotion
}

// Result is a completed synthesis.
type Result struct {
	// PCM is the synthesised audio, little-endian PCM16 mono.
	PCM []byte

	// SampleRate is the backend's output rate in Hz.
	SampleRate int
}

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize converts one utterance unit to audio. Cancellation is
	// carried by ctx; implementations must abandon the call at their next
	// I/O boundary when it fires.
	Synthesize(ctx context.Context, req Request) (*Result, error)
}
