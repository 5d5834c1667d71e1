// Package llm defines the Provider interface for Large Language Model
// backends.
//
// A provider wraps a remote API or a local inference server behind a uniform
// streaming contract. Channels returned by StreamCompletion must be closed by
// the implementation when the stream ends or when the supplied context is
// cancelled; cancellation must stop emission within 100 ms.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message is a single role-tagged entry in the conversation sent to the model.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting reported on the final chunk of a stream.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs for one generation.
type CompletionRequest struct {
	// SystemPrompt is injected before the conversation history.
	SystemPrompt string

	// Messages is the ordered, bounded conversation window. The last message
	// is the learner's new turn.
	Messages []Message

	// Temperature controls randomness in [0, 2].
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// Language hints the expected response language (BCP-47 tag). Providers
	// that cannot pass it natively fold it into the system prompt.
	Language string
}

// Finish reasons reported on the last chunk of a stream.
const (
	// FinishStop is a normal end of generation.
	FinishStop = "stop"

	// FinishLength means the completion hit its token cap.
	FinishLength = "length"

	// FinishError marks a stream that died upstream; any text already
	// emitted is partial.
	FinishError = "error"
)

// Chunk is one fragment of a streaming completion.
type Chunk struct {
	// Text is the incremental content; may be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk: [FinishStop], [FinishLength],
	// or [FinishError].
	FinishReason string

	// Usage is populated on the final chunk when the backend reports it.
	Usage *Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req and returns a read-only channel emitting
	// chunks as they arrive. The channel is closed when generation finishes
	// or ctx is cancelled; callers must drain it. The initial error is
	// non-nil only when the stream cannot be started.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
