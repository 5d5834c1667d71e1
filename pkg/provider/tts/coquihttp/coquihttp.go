// Package coquihttp provides a TTS client for Coqui XTTS-class synthesis
// servers:
//
//	POST {base}/tts_to_audio/
//	  {"text": ..., "language": ..., "speaker_id": ..., "emotion": ...}
//	→ audio/wav payload
//
// The server holds per-emotion reference audio keyed by the emotion label, so
// the request only names the label. Responses are WAV; the container is
// stripped here so the pipeline always handles raw PCM.
package coquihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/pkg/audio"
	"github.com/gramyfied/eloquence-backend/pkg/provider/tts"
)

const (
	synthesizeEndpoint = "/tts_to_audio/"

	defaultTimeout = 30 * time.Second

	// maxPayload bounds a synthesis response; a 200-character unit can never
	// legitimately exceed it.
	maxPayload = 8 << 20
)

// Client implements [tts.Synthesizer] against a Coqui-class HTTP server.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ tts.Synthesizer = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the HTTP client (used in tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a Client targeting the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type synthesizeRequest struct {
	Text      string `json:"text"`
	Language  string `json:"language"`
	SpeakerID string `json:"speaker_id"`
	Emotion   string `json:"emotion,omitempty"`
}

// Synthesize implements [tts.Synthesizer].
func (c *Client) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("coquihttp: empty text: %w", fault.ErrValidation)
	}

	body, err := json.Marshal(synthesizeRequest{
		Text:      req.Text,
		Language:  req.Language,
		SpeakerID: req.VoiceID,
		Emotion:   string(req.Emotion.Normalize()),
	})
	if err != nil {
		return nil, fmt.Errorf("coquihttp: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+synthesizeEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coquihttp: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("coquihttp: %w: %v", fault.ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("coquihttp: %w: %v", fault.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("coquihttp: status %d: %s: %w",
			resp.StatusCode, msg, fault.ErrUpstream)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload))
	if err != nil {
		return nil, fmt.Errorf("coquihttp: read payload: %w: %v", fault.ErrUpstream, err)
	}

	pcm, rate, err := audio.DecodeWAV(payload)
	if err != nil {
		return nil, fmt.Errorf("coquihttp: %w: %v", fault.ErrUpstream, err)
	}
	return &tts.Result{PCM: pcm, SampleRate: rate}, nil
}
