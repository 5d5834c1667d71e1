// Package vad defines the Engine interface for Voice Activity Detection
// backends.
//
// A VAD engine wraps a frame-level speech classifier (a Silero-class model
// server, or the built-in energy detector) and surfaces it as a stateful,
// per-stream session. Each session maintains its own smoothing state so that
// multiple concurrent audio streams can be scored independently.
//
// The engine scores frames; hysteresis, padding, and segment assembly live in
// internal/vadgate so that every backend benefits from the same gate logic.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to Score.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Score
	// returns an error if the supplied frame does not match this size.
	FrameSizeMs int
}

// Result is the speech score for a single frame.
type Result struct {
	// Probability is the speech probability in [0, 1].
	Probability float64
}

// SessionHandle is an active VAD session for a single audio stream. It is an
// interface so test code can supply scripted implementations.
type SessionHandle interface {
	// Score classifies a single frame of raw little-endian PCM16 audio and
	// returns its speech probability. It is called synchronously from the
	// gate's frame loop and must not block beyond its own I/O.
	Score(frame []byte) (Result, error)

	// Reset clears accumulated smoothing state without closing the session.
	Reset()

	// Close releases session resources. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously.
type Engine interface {
	// NewSession creates a session ready to accept frames. Returns an error
	// if the configuration is invalid or resources cannot be allocated.
	NewSession(cfg Config) (SessionHandle, error)
}
