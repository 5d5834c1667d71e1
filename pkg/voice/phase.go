package voice

// Phase is the session pipeline state. Transitions are driven by the session
// state machine; see internal/session.
type Phase int

const (
	// PhaseIdle is the state before the client has sent start_stream.
	PhaseIdle Phase = iota

	// PhaseListening means the VAD gate is consuming inbound frames.
	PhaseListening

	// PhaseTranscribing means an ASR call is in flight for a committed segment.
	PhaseTranscribing

	// PhaseResponseGen means an LLM generation is in flight.
	PhaseResponseGen

	// PhaseResponseSpeak means TTS audio is streaming to the client.
	PhaseResponseSpeak

	// PhaseEnded is terminal; all session resources have been released.
	PhaseEnded
)

// String returns the lowercase phase name used in logs and control frames.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseTranscribing:
		return "transcribing"
	case PhaseResponseGen:
		return "response_gen"
	case PhaseResponseSpeak:
		return "response_speak"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Interruptible reports whether a barge-in in this phase triggers the
// interruption arbiter.
func (p Phase) Interruptible() bool {
	return p == PhaseResponseGen || p == PhaseResponseSpeak
}
