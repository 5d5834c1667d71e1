// Package silero provides a VAD engine backed by a remote Silero-class model
// server.
//
// The server keeps per-stream RNN state keyed by a client-generated stream id,
// so each [vad.SessionHandle] maps to one remote stream:
//
//	POST {base}/v1/vad/score?stream=<id>&sample_rate=16000   raw PCM16 body
//	→ {"probability": 0.87}
//	POST {base}/v1/vad/reset?stream=<id>
//	DELETE {base}/v1/vad/streams/<id>
//
// Scoring happens on every 20 ms frame, so the HTTP client reuses connections
// and the per-call timeout is tight. Callers that need graceful degradation
// should wrap the returned errors: internal/vadgate falls back to the energy
// engine after consecutive failures.
package silero

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gramyfied/eloquence-backend/pkg/provider/vad"
)

// defaultTimeout bounds a single score call. A remote model that cannot
// answer inside one frame interval is useless for gating, so this stays low.
const defaultTimeout = 150 * time.Millisecond

// Engine implements [vad.Engine] against a remote model server.
type Engine struct {
	baseURL string
	client  *http.Client
}

var _ vad.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.client.Timeout = d }
}

// WithHTTPClient replaces the HTTP client entirely (used in tests).
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// New creates an Engine targeting the model server at baseURL.
func New(baseURL string, opts ...Option) *Engine {
	e := &Engine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine]. The remote stream is created lazily on
// the first Score call; Close deletes it.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("silero: invalid config: sample_rate=%d frame_size_ms=%d",
			cfg.SampleRate, cfg.FrameSizeMs)
	}
	return &session{
		engine:     e,
		streamID:   uuid.NewString(),
		sampleRate: cfg.SampleRate,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
	}, nil
}

type session struct {
	engine     *Engine
	streamID   string
	sampleRate int
	frameBytes int
	closed     bool
}

type scoreResponse struct {
	Probability float64 `json:"probability"`
}

// Score implements [vad.SessionHandle].
func (s *session) Score(frame []byte) (vad.Result, error) {
	if s.closed {
		return vad.Result{}, fmt.Errorf("silero: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.Result{}, fmt.Errorf("silero: frame size %d, want %d", len(frame), s.frameBytes)
	}

	u := s.engine.baseURL + "/v1/vad/score?" + url.Values{
		"stream":      {s.streamID},
		"sample_rate": {strconv.Itoa(s.sampleRate)},
	}.Encode()

	resp, err := s.engine.client.Post(u, "application/octet-stream", bytes.NewReader(frame))
	if err != nil {
		return vad.Result{}, fmt.Errorf("silero: score request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return vad.Result{}, fmt.Errorf("silero: score status %d: %s", resp.StatusCode, body)
	}

	var sr scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return vad.Result{}, fmt.Errorf("silero: decode score response: %w", err)
	}
	return vad.Result{Probability: sr.Probability}, nil
}

// Reset clears the remote stream state. Failures are ignored: worst case the
// model carries a few frames of stale smoothing into the next segment.
func (s *session) Reset() {
	u := fmt.Sprintf("%s/v1/vad/reset?stream=%s", s.engine.baseURL, s.streamID)
	resp, err := s.engine.client.Post(u, "", nil)
	if err == nil {
		resp.Body.Close()
	}
}

// Close deletes the remote stream. Safe to call more than once.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/v1/vad/streams/%s", s.engine.baseURL, s.streamID), nil)
	if err != nil {
		return nil
	}
	resp, err := s.engine.client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	return nil
}
