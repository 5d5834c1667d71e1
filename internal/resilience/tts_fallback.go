package resilience

import (
	"context"
	"errors"

	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/pkg/provider/tts"
)

// TTSFallback implements [tts.Synthesizer] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Synthesizer]
}

var _ tts.Synthesizer = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Synthesizer, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesizer as a fallback.
func (f *TTSFallback) AddFallback(name string, s tts.Synthesizer) {
	f.group.AddFallback(name, s)
}

// Synthesize runs the request against the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	res, err := ExecuteWithResult(f.group, func(s tts.Synthesizer) (*tts.Result, error) {
		return s.Synthesize(ctx, req)
	})
	if err != nil && ctx.Err() != nil {
		return nil, errors.Join(fault.ErrCancelled, err)
	}
	return res, err
}
