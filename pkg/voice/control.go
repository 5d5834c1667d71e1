package voice

import (
	"encoding/json"
	"fmt"
)

// ControlType enumerates the JSON control frame types exchanged over the
// transport. Binary WebSocket frames carry audio; text frames carry one
// ControlFrame each.
type ControlType string

const (
	// Inbound (client → server).
	ControlStartStream ControlType = "start_stream"
	ControlStopStream  ControlType = "stop_stream"
	ControlCancel      ControlType = "cancel"
	ControlPing        ControlType = "ping"

	// Outbound (server → client).
	ControlStreamStarted    ControlType = "stream_started"
	ControlASRPartial       ControlType = "asr_partial"
	ControlASRFinal         ControlType = "asr_final"
	ControlAgentTextPartial ControlType = "agent_text_partial"
	ControlAgentTextFinal   ControlType = "agent_text_final"
	ControlTTSChunk         ControlType = "tts_chunk"
	ControlTTSStop          ControlType = "tts_stop"
	ControlTTSFallback      ControlType = "tts_fallback"
	ControlTurnEmotion      ControlType = "turn_emotion"
	ControlError            ControlType = "error"
	ControlHeartbeat        ControlType = "heartbeat"
)

// ControlFrame is the envelope of every JSON control message:
// {"type": ..., "epoch": ..., "payload": ...}.
type ControlFrame struct {
	Type    ControlType     `json:"type"`
	Epoch   Epoch           `json:"epoch"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewControlFrame marshals payload and wraps it in a ControlFrame. A nil
// payload produces a frame with no payload field.
func NewControlFrame(t ControlType, epoch Epoch, payload any) (ControlFrame, error) {
	f := ControlFrame{Type: t, Epoch: epoch}
	if payload == nil {
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ControlFrame{}, fmt.Errorf("voice: marshal %s payload: %w", t, err)
	}
	f.Payload = raw
	return f, nil
}

// TextPayload carries incremental or final text for asr_* and agent_text_*
// frames.
type TextPayload struct {
	Text string `json:"text"`

	// Confidence is set on asr_final frames when the provider reports one.
	Confidence float64 `json:"confidence,omitempty"`
}

// EmotionPayload carries the committed emotion label on turn_emotion frames.
type EmotionPayload struct {
	Label Emotion `json:"label"`

	// TurnIndex is the history index of the agent turn the label belongs to.
	TurnIndex int `json:"turn_index"`
}

// ErrorPayload is the body of a typed error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Retryable hints the client that the request may succeed if retried
	// (set for overload conditions).
	Retryable bool `json:"retryable,omitempty"`
}

// FallbackPayload is emitted on tts_fallback frames when a single utterance
// unit failed to synthesise and was skipped.
type FallbackPayload struct {
	Unit string `json:"unit"`
}
