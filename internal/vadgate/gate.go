// Package vadgate turns per-frame speech probabilities into confirmed speech
// segments.
//
// The gate sits between the audio transport and the transcription stage. It
// feeds every inbound 20 ms frame to a VAD backend, applies hysteresis on the
// resulting probabilities, and assembles padded [voice.Segment] values:
//
//   - speech starts after two consecutive frames score at or above the
//     threshold, which filters single-frame noise spikes;
//   - speech ends after a continuous run of silence reaches the configured
//     minimum, so natural mid-sentence pauses do not split an utterance;
//   - each committed segment carries up to SpeechPad of audio before the
//     first speech frame and after the last one, so ASR never receives
//     clipped word onsets.
//
// When the primary backend fails mid-stream the gate switches to the fallback
// engine (the built-in energy detector), emits a single [EventDegraded], and
// keeps the stream alive. Segments never overlap: a new segment cannot open
// before the previous one is committed.
//
// A Gate is owned by exactly one session goroutine and is not safe for
// concurrent use.
package vadgate

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/pkg/audio"
	"github.com/gramyfied/eloquence-backend/pkg/provider/vad"
	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

// speechConfirmFrames is the number of consecutive speech-scored frames
// required before a segment opens.
const speechConfirmFrames = 2

// EventType discriminates gate events.
type EventType int

const (
	// EventSpeechStart marks a confirmed speech onset.
	EventSpeechStart EventType = iota

	// EventSpeechEnd carries the committed segment.
	EventSpeechEnd

	// EventDegraded reports the switch from the primary VAD backend to the
	// energy fallback. Emitted at most once per gate.
	EventDegraded
)

// Event is a gate output produced by [Gate.Feed].
type Event struct {
	Type EventType

	// At is the boundary timestamp relative to stream start. Set for
	// EventSpeechStart and EventSpeechEnd.
	At time.Duration

	// Segment is the committed audio window. Set for EventSpeechEnd only.
	Segment *voice.Segment
}

// Config tunes the gate.
type Config struct {
	// Threshold is the speech probability at or above which a frame counts
	// as speech.
	Threshold float64

	// MinSilence is the continuous silence needed to close a segment.
	MinSilence time.Duration

	// SpeechPad is the audio retained before speech onset and after speech
	// offset in each committed segment.
	SpeechPad time.Duration
}

type gateState int

const (
	stateIdle gateState = iota
	stateSpeech
)

// Gate is the per-stream segmentation state machine.
type Gate struct {
	cfg      Config
	session  vad.SessionHandle
	fallback vad.Engine
	degraded bool

	state       gateState
	consecutive int

	// ring holds the most recent idle-state frames, bounded to SpeechPad.
	ring      [][]byte
	ringBytes int
	padBytes  int

	// pending holds candidate speech frames awaiting confirmation.
	pending []voice.AudioFrame

	// buf accumulates the open segment, prePadLen bytes of which are padding.
	buf         []byte
	prePadLen   int
	speechStart time.Duration
	lastSpeech  time.Duration
	silenceRun  time.Duration
}

// New creates a Gate scoring frames with session. fallback, when non-nil,
// supplies a replacement session if the primary fails mid-stream.
func New(cfg Config, session vad.SessionHandle, fallback vad.Engine) *Gate {
	return &Gate{
		cfg:      cfg,
		session:  session,
		fallback: fallback,
		padBytes: audio.BytesFor(cfg.SpeechPad, voice.SampleRate),
	}
}

// Degraded reports whether the gate has switched to the fallback backend.
func (g *Gate) Degraded() bool { return g.degraded }

// Feed scores one frame and advances the state machine. It returns zero or
// more events in emission order. Frames must be exactly [voice.FrameBytes]
// long.
func (g *Gate) Feed(frame voice.AudioFrame) ([]Event, error) {
	if len(frame.Data) != voice.FrameBytes {
		return nil, fmt.Errorf("vadgate: frame is %d bytes, want %d: %w",
			len(frame.Data), voice.FrameBytes, fault.ErrValidation)
	}

	var events []Event

	res, err := g.session.Score(frame.Data)
	if err != nil {
		if g.degraded || g.fallback == nil {
			return nil, fmt.Errorf("vadgate: score frame: %w", err)
		}
		slog.Warn("vad backend failed, switching to energy fallback", "error", err)
		fb, ferr := g.fallback.NewSession(vad.Config{
			SampleRate:  voice.SampleRate,
			FrameSizeMs: int(voice.FrameDuration / time.Millisecond),
		})
		if ferr != nil {
			return nil, fmt.Errorf("vadgate: start fallback session: %w", ferr)
		}
		_ = g.session.Close()
		g.session = fb
		g.degraded = true
		events = append(events, Event{Type: EventDegraded})

		if res, err = g.session.Score(frame.Data); err != nil {
			return nil, fmt.Errorf("vadgate: score frame on fallback: %w", err)
		}
	}

	isSpeech := res.Probability >= g.cfg.Threshold

	switch g.state {
	case stateIdle:
		events = append(events, g.feedIdle(frame, isSpeech)...)
	case stateSpeech:
		events = append(events, g.feedSpeech(frame, isSpeech)...)
	}
	return events, nil
}

func (g *Gate) feedIdle(frame voice.AudioFrame, isSpeech bool) []Event {
	if !isSpeech {
		// Borderline frames that failed confirmation still belong to the
		// padding window.
		for _, p := range g.pending {
			g.pushRing(p.Data)
		}
		g.pending = g.pending[:0]
		g.pushRing(frame.Data)
		g.consecutive = 0
		return nil
	}

	g.consecutive++
	g.pending = append(g.pending, frame)
	if g.consecutive < speechConfirmFrames {
		return nil
	}

	// Confirmed onset. The segment opens with the pad ring followed by the
	// confirming frames.
	g.buf = g.buf[:0]
	for _, r := range g.ring {
		g.buf = append(g.buf, r...)
	}
	g.prePadLen = len(g.buf)
	for _, p := range g.pending {
		g.buf = append(g.buf, p.Data...)
	}
	g.speechStart = g.pending[0].Timestamp
	g.lastSpeech = frame.Timestamp + voice.FrameDuration
	g.pending = g.pending[:0]
	g.ring = g.ring[:0]
	g.ringBytes = 0
	g.consecutive = 0
	g.silenceRun = 0
	g.state = stateSpeech

	return []Event{{Type: EventSpeechStart, At: g.speechStart}}
}

func (g *Gate) feedSpeech(frame voice.AudioFrame, isSpeech bool) []Event {
	g.buf = append(g.buf, frame.Data...)

	if isSpeech {
		g.silenceRun = 0
		g.lastSpeech = frame.Timestamp + voice.FrameDuration
		return nil
	}

	g.silenceRun += voice.FrameDuration
	if g.silenceRun < g.cfg.MinSilence {
		return nil
	}

	seg := g.commit()
	return []Event{{Type: EventSpeechEnd, At: seg.End, Segment: seg}}
}

// commit closes the open segment: the trailing silence is trimmed to the pad
// window, RMS is measured over the unpadded speech only, and the gate returns
// to idle with the backend state cleared.
func (g *Gate) commit() *voice.Segment {
	silenceBytes := audio.BytesFor(g.silenceRun, voice.SampleRate)
	if silenceBytes > len(g.buf)-g.prePadLen {
		silenceBytes = len(g.buf) - g.prePadLen
	}

	speechEnd := len(g.buf) - silenceBytes
	keep := speechEnd + min(g.padBytes, silenceBytes)

	seg := &voice.Segment{
		PCM:   append([]byte(nil), g.buf[:keep]...),
		Start: g.speechStart,
		End:   g.lastSpeech,
		RMS:   audio.RMS(g.buf[g.prePadLen:speechEnd]),
	}

	g.buf = g.buf[:0]
	g.prePadLen = 0
	g.silenceRun = 0
	g.state = stateIdle
	g.session.Reset()
	return seg
}

// pushRing appends data to the pad ring, evicting the oldest frames beyond
// the pad window.
func (g *Gate) pushRing(data []byte) {
	cp := append([]byte(nil), data...)
	g.ring = append(g.ring, cp)
	g.ringBytes += len(cp)
	for g.ringBytes > g.padBytes && len(g.ring) > 0 {
		g.ringBytes -= len(g.ring[0])
		g.ring = g.ring[1:]
	}
}

// Close releases the underlying VAD session.
func (g *Gate) Close() error {
	return g.session.Close()
}
