// Package voice defines the wire-level and session-level types shared by the
// Eloquence coaching pipeline: PCM audio frames, speech segments, conversation
// turns, control messages, emotion labels, and the interruption epoch.
//
// Everything in this package is plain data. Behaviour lives in the pipeline
// packages under internal/.
package voice

import "time"

// Audio format constants. The transport carries PCM 16-bit little-endian mono
// at 16 kHz in 20 ms frames; outbound TTS audio uses the same format in frames
// of at most 100 ms.
const (
	// SampleRate is the fixed pipeline sample rate in Hz.
	SampleRate = 16000

	// FrameDuration is the duration of one inbound audio frame.
	FrameDuration = 20 * time.Millisecond

	// FrameBytes is the byte length of one inbound frame:
	// 16000 Hz × 2 bytes × 0.020 s.
	FrameBytes = 640

	// MaxChunkDuration bounds the duration of one outbound TTS chunk.
	MaxChunkDuration = 100 * time.Millisecond

	// MaxChunkBytes is the byte length of a full outbound chunk.
	MaxChunkBytes = 3200
)

// Epoch is the per-session interruption counter. Every pipeline output carries
// the epoch it was produced under; the transport drops outputs whose epoch no
// longer matches the session's current value. Epochs only increase.
type Epoch uint64

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleLearner Role = "learner"
	RoleAgent   Role = "agent"
)

// AudioFrame is a single frame of PCM audio moving through the pipeline.
type AudioFrame struct {
	// Data is raw little-endian PCM16 audio.
	Data []byte

	// Timestamp marks when the frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Segment is a contiguous window of learner audio between a VAD speech_start
// and speech_end, including the configured pre/post padding. Its lifetime
// spans from VAD commit through ASR consumption.
type Segment struct {
	// PCM is the padded audio buffer (PCM16 mono 16 kHz).
	PCM []byte

	// Start and End are the detected speech boundaries relative to stream
	// start, excluding padding.
	Start time.Duration
	End   time.Duration

	// RMS is the root-mean-square energy of the unpadded speech window.
	RMS float64
}

// Duration returns the playback duration of the padded buffer.
func (s Segment) Duration() time.Duration {
	samples := len(s.PCM) / 2
	return time.Duration(samples) * time.Second / SampleRate
}

// Turn is one committed speaker exchange. Turns are immutable once appended
// to a session's history.
type Turn struct {
	// Index is the zero-based position of the turn in the session history.
	Index int

	// Role is the speaker of this turn.
	Role Role

	// Text is the transcript (learner) or generated reply (agent).
	Text string

	// AudioPath optionally references the on-disk WAV artifact for learner
	// turns.
	AudioPath string

	// Emotion is the label attached to agent turns; empty for learner turns.
	Emotion Emotion

	// StepID is the scenario step the turn was produced under, if any.
	StepID string

	// Degraded marks turns completed through a fallback path (LLM timeout,
	// complete TTS failure).
	Degraded bool

	// SpeechStart/SpeechEnd bound the learner's speech; FirstResponse marks
	// the start of the agent's reply emission.
	SpeechStart   time.Time
	SpeechEnd     time.Time
	FirstResponse time.Time

	// CommittedAt orders turns within the history.
	CommittedAt time.Time
}
