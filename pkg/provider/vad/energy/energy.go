// Package energy provides a dependency-free VAD engine based on RMS energy.
//
// It exists as the degradation path when the remote Silero-class model is
// unreachable: the gate swaps its session to an energy session and keeps
// detecting speech, at reduced accuracy. Probabilities are derived from frame
// energy relative to a rolling noise floor, so the engine adapts to quiet and
// loud microphones alike.
package energy

import (
	"fmt"

	"github.com/gramyfied/eloquence-backend/pkg/audio"
	"github.com/gramyfied/eloquence-backend/pkg/provider/vad"
)

// noiseFloorDecay controls how quickly the rolling noise floor tracks the
// observed minimum energy. Closer to 1 = slower adaptation.
const noiseFloorDecay = 0.995

// Engine implements [vad.Engine] with pure-Go energy detection.
type Engine struct{}

var _ vad.Engine = Engine{}

// New returns an energy-threshold VAD engine.
func New() Engine { return Engine{} }

// NewSession implements [vad.Engine].
func (Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid config: sample_rate=%d frame_size_ms=%d",
			cfg.SampleRate, cfg.FrameSizeMs)
	}
	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &session{frameBytes: frameBytes, noiseFloor: 0.005}, nil
}

type session struct {
	frameBytes int
	noiseFloor float64
	closed     bool
}

// Score implements [vad.SessionHandle]. The probability is the frame's RMS
// expressed as a saturating multiple of the rolling noise floor.
func (s *session) Score(frame []byte) (vad.Result, error) {
	if s.closed {
		return vad.Result{}, fmt.Errorf("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.Result{}, fmt.Errorf("energy: frame size %d, want %d", len(frame), s.frameBytes)
	}

	rms := audio.RMS(frame)

	// Track the noise floor on quiet frames only.
	if rms < s.noiseFloor {
		s.noiseFloor = rms
	} else {
		s.noiseFloor = s.noiseFloor*noiseFloorDecay + rms*(1-noiseFloorDecay)
	}

	floor := s.noiseFloor
	if floor < 0.001 {
		floor = 0.001
	}

	// 1× floor → 0.0, 8× floor → 1.0, linear in between.
	p := (rms/floor - 1) / 7
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return vad.Result{Probability: p}, nil
}

func (s *session) Reset() { s.noiseFloor = 0.005 }

func (s *session) Close() error {
	s.closed = true
	return nil
}
