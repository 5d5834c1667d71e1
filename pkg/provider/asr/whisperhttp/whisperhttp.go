// Package whisperhttp provides an ASR client for Whisper-class transcription
// servers exposing a multipart HTTP API:
//
//	POST {base}/v1/transcriptions
//	  file:     WAV payload
//	  language: optional BCP-47 tag
//	→ {"text": ..., "language": ..., "confidence": ...,
//	   "words": [{"word": ..., "start": 0.12, "end": 0.48, "confidence": ...}]}
//
// Transport-layer failures are retried once after a 250 ms backoff;
// transcription-layer errors (non-2xx with a decoded body) surface
// immediately.
package whisperhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/pkg/audio"
	"github.com/gramyfied/eloquence-backend/pkg/provider/asr"
)

const (
	transcribeEndpoint = "/v1/transcriptions"

	// retryBackoff is the pause before the single transport-layer retry.
	retryBackoff = 250 * time.Millisecond

	defaultTimeout = 15 * time.Second
)

// errTransportLayer marks failures where the server never produced a
// response. Only these are eligible for the single retry; transcription
// errors surface immediately.
var errTransportLayer = errors.New("transport-layer failure")

// Client implements [asr.Transcriber] against a Whisper-class HTTP server.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ asr.Transcriber = (*Client)(nil)

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

type wireWord struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type wireResult struct {
	Text       string     `json:"text"`
	Language   string     `json:"language"`
	Confidence float64    `json:"confidence"`
	Words      []wireWord `json:"words"`
}

// Transcribe implements [asr.Transcriber].
func (c *Client) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	if len(req.PCM) < asr.MinSegmentBytes ||
		audio.Duration(req.PCM, req.SampleRate) < asr.MinSegmentDuration {
		return nil, fmt.Errorf("whisperhttp: %d bytes: %w", len(req.PCM), fault.ErrSegmentTooSmall)
	}

	body, contentType, err := c.buildBody(req)
	if err != nil {
		return nil, err
	}

	result, err := c.post(ctx, body, contentType)
	if err == nil {
		return result, nil
	}
	if !retryable(ctx, err) {
		return nil, err
	}

	// One transport-layer retry after a short backoff.
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("whisperhttp: %w: %v", fault.ErrCancelled, ctx.Err())
	case <-time.After(retryBackoff):
	}
	return c.post(ctx, body, contentType)
}

// buildBody assembles the multipart request body once so the retry reuses it.
func (c *Client) buildBody(req asr.Request) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, "", fmt.Errorf("whisperhttp: build form: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(req.PCM, req.SampleRate)); err != nil {
		return nil, "", fmt.Errorf("whisperhttp: write wav: %w", err)
	}
	if req.Language != "" {
		if err := mw.WriteField("language", req.Language); err != nil {
			return nil, "", fmt.Errorf("whisperhttp: write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisperhttp: finalize form: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) (*asr.Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+transcribeEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("whisperhttp: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("whisperhttp: %w: %v", fault.ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("whisperhttp: %w: %w: %v", errTransportLayer, fault.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("whisperhttp: status %d: %s: %w",
			resp.StatusCode, msg, fault.ErrUpstream)
	}

	var wr wireResult
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("whisperhttp: decode response: %w: %v", fault.ErrUpstream, err)
	}

	out := &asr.Result{
		Text:       wr.Text,
		Language:   wr.Language,
		Confidence: wr.Confidence,
	}
	for _, w := range wr.Words {
		out.Words = append(out.Words, asr.WordTiming{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}
	return out, nil
}

// retryable reports whether err is a transport-layer failure eligible for the
// single retry. Cancellations and transcription-layer errors are not.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, fault.ErrCancelled) {
		return false
	}
	return errors.Is(err, errTransportLayer)
}
