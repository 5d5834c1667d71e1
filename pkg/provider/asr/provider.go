// Package asr defines the Transcriber interface for speech-recognition
// backends.
//
// Unlike a live-captioning system, the coaching pipeline transcribes whole
// speech segments after the VAD gate commits them, so the contract is a
// single cancellable call per segment rather than a streaming session.
// Cancellation is carried by the context; implementations must observe it at
// their next I/O boundary (within 100 ms).
//
// Implementations must be safe for concurrent use.
package asr

import (
	"context"
	"time"
)

// MinSegmentDuration and MinSegmentBytes are the fail-fast guards: segments
// below either bound are rejected with fault.ErrSegmentTooSmall before any
// RPC is issued.
const (
	MinSegmentDuration = 200 * time.Millisecond
	MinSegmentBytes    = 400
)

// Request carries one committed speech segment to the backend.
type Request struct {
	// PCM is the padded segment audio, little-endian PCM16 mono.
	PCM []byte

	// SampleRate is the segment's sample rate in Hz.
	SampleRate int

	// Language is the BCP-47 tag for recognition (e.g. "fr"). Empty lets the
	// backend auto-detect.
	Language string
}

// WordTiming holds per-word detail for backends that report it.
type WordTiming struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Result is a completed transcription.
type Result struct {
	// Text is the transcribed speech.
	Text string

	// Words contains per-word timings when the backend supports them.
	Words []WordTiming

	// Language is the detected (or confirmed) language tag.
	Language string

	// Confidence is the overall score in [0, 1]; zero if unreported.
	Confidence float64
}

// Transcriber is the abstraction over any ASR backend.
type Transcriber interface {
	// Transcribe converts one speech segment to text. It returns
	// fault.ErrSegmentTooSmall for segments under the minimum bounds,
	// fault.ErrCancelled when ctx is cancelled mid-flight, and
	// fault.ErrUpstream for backend failures that survived the retry policy.
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
