package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

func newTestSink(t *testing.T) (*Sink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewSink(t.TempDir(), t.TempDir(), rdb), mr
}

func TestWriteAudio(t *testing.T) {
	s, _ := newTestSink(t)

	pcm := bytes.Repeat([]byte{0x10, 0x00}, 1600) // 200 ms
	path, err := s.WriteAudio("sess-1", 0, pcm)
	if err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	if filepath.Base(path) != "0.wav" {
		t.Errorf("artifact path = %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Error("artifact is not a WAV file")
	}
	if len(data) != len(pcm)+44 {
		t.Errorf("artifact is %d bytes, want pcm+44-byte header", len(data))
	}
}

func TestSubmit_EnqueuesOnce(t *testing.T) {
	s, mr := newTestSink(t)
	ctx := context.Background()

	job := Job{SessionID: "sess-1", TurnIndex: 2, Language: "fr", Text: "bonjour"}
	s.Submit(ctx, job)
	s.Submit(ctx, job) // duplicate must be suppressed

	items, err := mr.List(QueueKey)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("queue holds %d jobs, want 1", len(items))
	}

	var got Job
	if err := json.Unmarshal([]byte(items[0]), &got); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if got.SessionID != "sess-1" || got.TurnIndex != 2 || got.Text != "bonjour" {
		t.Errorf("job = %+v", got)
	}
	if got.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt not stamped")
	}
}

func TestSubmitSession_LearnerTurnsOnly(t *testing.T) {
	s, mr := newTestSink(t)

	turns := []voice.Turn{
		{Index: 0, Role: voice.RoleLearner, Text: "Bonjour, je m'appelle Marie."},
		{Index: 1, Role: voice.RoleAgent, Text: "Enchanté Marie."},
		{Index: 2, Role: voice.RoleLearner, Text: "J'ai cinq ans d'expérience."},
		{Index: 3, Role: voice.RoleLearner, Text: ""}, // nothing to score
	}
	n := s.SubmitSession(context.Background(), "sess-1", "fr", "entretien_embauche", turns)
	if n != 2 {
		t.Errorf("submitted %d jobs, want 2", n)
	}
	items, _ := mr.List(QueueKey)
	if len(items) != 2 {
		t.Fatalf("queue holds %d jobs, want 2", len(items))
	}

	// A second end-of-session pass must not re-enqueue anything.
	s.SubmitSession(context.Background(), "sess-1", "fr", "entretien_embauche", turns)
	items, _ = mr.List(QueueKey)
	if len(items) != 2 {
		t.Errorf("queue holds %d jobs after resubmission, want 2", len(items))
	}
}

func TestSubmit_NilRedisIsNoop(t *testing.T) {
	s := NewSink(t.TempDir(), t.TempDir(), nil)
	s.Submit(context.Background(), Job{SessionID: "sess-1", TurnIndex: 0, Text: "x"})
}

func TestResults_FiltersArtifacts(t *testing.T) {
	root := t.TempDir()
	s := NewSink(t.TempDir(), root, nil)

	dir := filepath.Join(root, "sess-1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	write := func(name string, r Result) {
		data, _ := json.Marshal(r)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("0.json", Result{SegmentID: "seg-0", FeedbackType: "pronunciation", TurnIndex: 0})
	write("2.json", Result{SegmentID: "seg-2", FeedbackType: "pronunciation", TurnIndex: 2})
	write("4.json", Result{SegmentID: "seg-4", FeedbackType: "fluency", TurnIndex: 4})
	write("notes.txt", Result{}) // ignored: not json

	all, err := s.Results("sess-1", "", "")
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d results, want 3", len(all))
	}

	pron, err := s.Results("sess-1", "", "pronunciation")
	if err != nil {
		t.Fatalf("Results filtered: %v", err)
	}
	if len(pron) != 2 {
		t.Errorf("got %d pronunciation results, want 2", len(pron))
	}

	one, err := s.Results("sess-1", "seg-2", "")
	if err != nil {
		t.Fatalf("Results by segment: %v", err)
	}
	if len(one) != 1 || one[0].TurnIndex != 2 {
		t.Errorf("segment filter returned %+v", one)
	}
}

func TestResults_UnknownSession(t *testing.T) {
	s := NewSink(t.TempDir(), t.TempDir(), nil)
	_, err := s.Results("missing", "", "")
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
