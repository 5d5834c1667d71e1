// Package mock provides a test double for the asr.Transcriber interface.
//
// Each Transcribe call consumes the next scripted Result; once exhausted the
// last entry repeats. Set Delay to exercise cancellation paths.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Req is the request passed to Transcribe. PCM is a copy.
	Req asr.Request
}

// Transcriber is a mock implementation of asr.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Results is the scripted sequence of transcription results.
	Results []asr.Result

	// Err, if non-nil, is returned by every Transcribe call.
	Err error

	// Delay, when positive, makes Transcribe wait before responding, failing
	// with fault.ErrCancelled if ctx expires first.
	Delay time.Duration

	// TranscribeCalls records every call in order.
	TranscribeCalls []TranscribeCall
}

var _ asr.Transcriber = (*Transcriber)(nil)

// Transcribe records the call and returns the next scripted result.
func (t *Transcriber) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	t.mu.Lock()
	cp := req
	cp.PCM = append([]byte(nil), req.PCM...)
	t.TranscribeCalls = append(t.TranscribeCalls, TranscribeCall{Req: cp})
	idx := len(t.TranscribeCalls) - 1
	delay := t.Delay
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("mock asr: %w: %v", fault.ErrCancelled, ctx.Err())
		case <-time.After(delay):
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return nil, t.Err
	}
	if len(t.Results) == 0 {
		return &asr.Result{}, nil
	}
	if idx >= len(t.Results) {
		idx = len(t.Results) - 1
	}
	r := t.Results[idx]
	return &r, nil
}

// Calls returns the number of Transcribe invocations so far.
func (t *Transcriber) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.TranscribeCalls)
}
