package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/pkg/audio"
	"github.com/gramyfied/eloquence-backend/pkg/provider/asr"
)

// ASRFallback implements [asr.Transcriber] with automatic failover across
// multiple transcription backends. Each backend has its own circuit breaker.
type ASRFallback struct {
	group *FallbackGroup[asr.Transcriber]
}

var _ asr.Transcriber = (*ASRFallback)(nil)

// NewASRFallback creates an [ASRFallback] with primary as the preferred backend.
func NewASRFallback(primary asr.Transcriber, primaryName string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transcriber as a fallback.
func (f *ASRFallback) AddFallback(name string, t asr.Transcriber) {
	f.group.AddFallback(name, t)
}

// Transcribe runs the request against the first healthy backend. Validation
// failures (segment too small) never trip breakers or trigger failover; they
// reflect the input, not backend health.
func (f *ASRFallback) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	if len(req.PCM) < asr.MinSegmentBytes ||
		audio.Duration(req.PCM, req.SampleRate) < asr.MinSegmentDuration {
		return nil, fmt.Errorf("resilience: %d bytes: %w", len(req.PCM), fault.ErrSegmentTooSmall)
	}
	res, err := ExecuteWithResult(f.group, func(t asr.Transcriber) (*asr.Result, error) {
		return t.Transcribe(ctx, req)
	})
	if err != nil && ctx.Err() != nil {
		return nil, errors.Join(fault.ErrCancelled, err)
	}
	return res, err
}
