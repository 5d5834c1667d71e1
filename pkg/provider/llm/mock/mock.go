// Package mock provides a test double for the llm.Provider interface.
//
// Chunks are emitted on the returned channel with an optional per-chunk
// delay, which lets tests exercise partial-emission timing, cancellation, and
// timeout paths deterministically.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/gramyfied/eloquence-backend/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Req is the request passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is the scripted sequence emitted on the stream channel.
	Chunks []llm.Chunk

	// ChunkDelay, when positive, is the pause before each chunk emission.
	ChunkDelay time.Duration

	// StartErr, if non-nil, is returned instead of starting a stream.
	StartErr error

	// Hang, when true, emits nothing and waits for ctx cancellation before
	// closing the channel. Used to simulate an unresponsive backend.
	Hang bool

	// StreamCalls records every call in order.
	StreamCalls []StreamCall
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and plays back the scripted chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Req: req})
	chunks := make([]llm.Chunk, len(p.Chunks))
	copy(chunks, p.Chunks)
	delay := p.ChunkDelay
	hang := p.Hang
	startErr := p.StartErr
	p.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		if hang {
			<-ctx.Done()
			return
		}
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Calls returns the number of StreamCompletion invocations so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}
