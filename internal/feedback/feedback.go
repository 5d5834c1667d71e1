// Package feedback hands finished learner turns to the asynchronous scoring
// worker: the segment audio is persisted as a WAV artifact, a scoring job is
// pushed onto a durable queue, and completed scoring results are read back
// for the control plane.
//
// Submission is fire-and-forget with at-least-once semantics; the worker
// de-duplicates downstream by (session id, turn index). The sink additionally
// suppresses same-process duplicates so a session ending twice does not
// enqueue its turns twice.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/pkg/audio"
	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

// QueueKey is the Redis list the scoring worker consumes.
const QueueKey = "eloquence:feedback:queue"

// Job is one scoring work item.
type Job struct {
	SessionID  string    `json:"session_id"`
	TurnIndex  int       `json:"turn_index"`
	Language   string    `json:"language"`
	Text       string    `json:"text"`
	AudioPath  string    `json:"audio_path,omitempty"`
	ScenarioID string    `json:"scenario_id,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Sink persists turn artifacts and enqueues scoring jobs.
type Sink struct {
	audioRoot    string
	feedbackRoot string
	rdb          redis.UniversalClient

	mu        sync.Mutex
	submitted map[string]bool
}

// NewSink creates a Sink rooted at the configured storage paths. rdb may be
// nil, which disables the queue; artifacts are still written.
func NewSink(audioRoot, feedbackRoot string, rdb redis.UniversalClient) *Sink {
	return &Sink{
		audioRoot:    audioRoot,
		feedbackRoot: feedbackRoot,
		rdb:          rdb,
		submitted:    make(map[string]bool),
	}
}

// WriteAudio stores one learner segment as
// {audioRoot}/<session>/<turn>.wav and returns the path.
func (s *Sink) WriteAudio(sessionID string, turnIndex int, pcm []byte) (string, error) {
	dir := filepath.Join(s.audioRoot, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("feedback: create audio dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.wav", turnIndex))
	if err := os.WriteFile(path, audio.EncodeWAV(pcm, voice.SampleRate), 0o644); err != nil {
		return "", fmt.Errorf("feedback: write audio artifact: %w", err)
	}
	return path, nil
}

// Submit enqueues one scoring job. A job already submitted by this process
// for the same (session, turn) is silently skipped; queue failures are logged
// and swallowed, per the fire-and-forget contract.
func (s *Sink) Submit(ctx context.Context, job Job) {
	key := job.SessionID + "/" + fmt.Sprint(job.TurnIndex)
	s.mu.Lock()
	if s.submitted[key] {
		s.mu.Unlock()
		return
	}
	s.submitted[key] = true
	s.mu.Unlock()

	if s.rdb == nil {
		return
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		slog.Error("marshal scoring job", "session_id", job.SessionID, "error", err)
		return
	}
	if err := s.rdb.LPush(ctx, QueueKey, data).Err(); err != nil {
		slog.Warn("scoring job not enqueued",
			"session_id", job.SessionID, "turn", job.TurnIndex, "error", err)
	}
}

// SubmitSession submits every finalized learner turn of a session. Called on
// transition to Ended. Returns the number of jobs submitted.
func (s *Sink) SubmitSession(ctx context.Context, sessionID, language, scenarioID string, turns []voice.Turn) int {
	n := 0
	for _, t := range turns {
		if t.Role != voice.RoleLearner || t.Text == "" {
			continue
		}
		s.Submit(ctx, Job{
			SessionID:  sessionID,
			TurnIndex:  t.Index,
			Language:   language,
			Text:       t.Text,
			AudioPath:  t.AudioPath,
			ScenarioID: scenarioID,
			StepID:     t.StepID,
		})
		n++
	}
	return n
}

// Result is one completed scoring artifact, written by the worker as
// {feedbackRoot}/<session>/<turn>.json.
type Result struct {
	SegmentID    string          `json:"segment_id"`
	FeedbackType string          `json:"feedback_type"`
	TurnIndex    int             `json:"turn_index"`
	Scores       json.RawMessage `json:"scores,omitempty"`
	Comment      string          `json:"comment,omitempty"`
}

// Results loads a session's completed artifacts, optionally filtered by
// segment id and feedback type. An unknown session yields fault.ErrNotFound.
func (s *Sink) Results(sessionID, segmentID, feedbackType string) ([]Result, error) {
	dir := filepath.Join(s.feedbackRoot, sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("feedback: session %s: %w", sessionID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("feedback: read results dir: %w", err)
	}

	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			slog.Warn("unreadable scoring artifact", "file", e.Name(), "error", err)
			continue
		}
		var r Result
		if err := json.Unmarshal(data, &r); err != nil {
			slog.Warn("malformed scoring artifact", "file", e.Name(), "error", err)
			continue
		}
		if segmentID != "" && r.SegmentID != segmentID {
			continue
		}
		if feedbackType != "" && r.FeedbackType != feedbackType {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}
