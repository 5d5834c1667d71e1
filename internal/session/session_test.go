package session_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gramyfied/eloquence-backend/internal/dialogue"
	"github.com/gramyfied/eloquence-backend/internal/feedback"
	"github.com/gramyfied/eloquence-backend/internal/resilience"
	"github.com/gramyfied/eloquence-backend/internal/scenario"
	"github.com/gramyfied/eloquence-backend/internal/session"
	"github.com/gramyfied/eloquence-backend/internal/transport"
	"github.com/gramyfied/eloquence-backend/internal/ttscache"
	"github.com/gramyfied/eloquence-backend/internal/ttspipe"
	"github.com/gramyfied/eloquence-backend/internal/vadgate"
	"github.com/gramyfied/eloquence-backend/pkg/audio"
	"github.com/gramyfied/eloquence-backend/pkg/provider/asr"
	asrmock "github.com/gramyfied/eloquence-backend/pkg/provider/asr/mock"
	"github.com/gramyfied/eloquence-backend/pkg/provider/llm"
	llmmock "github.com/gramyfied/eloquence-backend/pkg/provider/llm/mock"
	ttsmock "github.com/gramyfied/eloquence-backend/pkg/provider/tts/mock"
	"github.com/gramyfied/eloquence-backend/pkg/provider/vad"
	vadmock "github.com/gramyfied/eloquence-backend/pkg/provider/vad/mock"
	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

// ampVAD scores by frame amplitude so tests control speech/silence purely
// through the audio they send.
type ampVAD struct{}

func (ampVAD) Score(frame []byte) (vad.Result, error) {
	if audio.RMS(frame) > 0.01 {
		return vad.Result{Probability: 0.9}, nil
	}
	return vad.Result{Probability: 0.05}, nil
}
func (ampVAD) Reset()       {}
func (ampVAD) Close() error { return nil }

// testVADConfig keeps segment detection fast: 100 ms of silence closes a
// segment instead of the production 2 s.
func testVADConfig() vadgate.Config {
	return vadgate.Config{
		Threshold:  0.5,
		MinSilence: 100 * time.Millisecond,
		SpeechPad:  40 * time.Millisecond,
	}
}

type mocks struct {
	asr *asrmock.Transcriber
	llm *llmmock.Provider
	tts *ttsmock.Synthesizer
}

func defaultMocks() *mocks {
	return &mocks{
		asr: &asrmock.Transcriber{Results: []asr.Result{
			{Text: "Bonjour, je m'appelle Marie.", Language: "fr", Confidence: 0.93},
		}},
		llm: &llmmock.Provider{Chunks: []llm.Chunk{
			{Text: "Enchanté Marie. "},
			{Text: "Parlez-moi de votre parcours."},
			{Text: " [emotion:encouragement]", FinishReason: "stop"},
		}},
		tts: &ttsmock.Synthesizer{},
	}
}

func (m *mocks) services() session.Services {
	return session.Services{
		VAD:      &vadmock.Engine{Session: ampVAD{}},
		ASR:      m.asr,
		Dialogue: dialogue.New(m.llm),
		TTS: ttspipe.New(m.tts,
			ttscache.New(true, "tts_cache:", time.Hour, nil),
			ttspipe.WithoutPacing()),
	}
}

// wireMsg is one frame observed at the client end of the socket.
type wireMsg struct {
	ctl *voice.ControlFrame
	bin []byte
}

type env struct {
	t      *testing.T
	client *websocket.Conn
	sess   *session.Session
	runErr chan error
	seen   []wireMsg
}

func startSession(t *testing.T, p session.Params, svc session.Services) *env {
	t.Helper()
	if p.Language == "" {
		p.Language = "fr"
	}
	if p.VADConfig == (vadgate.Config{}) {
		p.VADConfig = testVADConfig()
	}

	sess := session.New(p, svc)
	runErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		runErr <- sess.Run(r.Context(), transport.NewConn(ws, sess.Epoch))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "test done") })

	return &env{t: t, client: client, sess: sess, runErr: runErr}
}

func (e *env) send(typ voice.ControlType) {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(voice.ControlFrame{Type: typ})
	if err := e.client.Write(ctx, websocket.MessageText, data); err != nil {
		e.t.Fatalf("send %s: %v", typ, err)
	}
}

// sendAudio writes d worth of 20 ms frames at the given amplitude.
func (e *env) sendAudio(amp int16, d time.Duration) {
	e.t.Helper()
	frame := make([]byte, voice.FrameBytes)
	for i := 0; i < len(frame); i += 2 {
		binary.LittleEndian.PutUint16(frame[i:], uint16(amp))
	}
	for n := int(d / voice.FrameDuration); n > 0; n-- {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := e.client.Write(ctx, websocket.MessageBinary, frame)
		cancel()
		if err != nil {
			e.t.Fatalf("send audio: %v", err)
		}
	}
}

func (e *env) speak(d time.Duration)   { e.sendAudio(1000, d) }
func (e *env) silence(d time.Duration) { e.sendAudio(0, d) }

// collectUntil appends frames to e.seen until pred matches a control frame or
// the timeout expires; it fails the test on timeout.
func (e *env) collectUntil(timeout time.Duration, pred func(voice.ControlFrame) bool) {
	e.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		typ, data, err := e.client.Read(ctx)
		cancel()
		if err != nil {
			e.t.Fatalf("collect: %v (saw %d frames)", err, len(e.seen))
		}
		if typ == websocket.MessageBinary {
			e.seen = append(e.seen, wireMsg{bin: data})
			continue
		}
		var f voice.ControlFrame
		if err := json.Unmarshal(data, &f); err != nil {
			e.t.Fatalf("collect decode: %v", err)
		}
		e.seen = append(e.seen, wireMsg{ctl: &f})
		if pred(f) {
			return
		}
	}
}

func (e *env) frames(typ voice.ControlType) []voice.ControlFrame {
	var out []voice.ControlFrame
	for _, m := range e.seen {
		if m.ctl != nil && m.ctl.Type == typ {
			out = append(out, *m.ctl)
		}
	}
	return out
}

func (e *env) textOf(f voice.ControlFrame) string {
	e.t.Helper()
	var p voice.TextPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		e.t.Fatalf("text payload: %v", err)
	}
	return p.Text
}

func isType(typ voice.ControlType) func(voice.ControlFrame) bool {
	return func(f voice.ControlFrame) bool { return f.Type == typ }
}

func interviewTemplate() *scenario.Template {
	return &scenario.Template{
		ID:        "entretien_embauche",
		Name:      "Entretien d'embauche",
		Language:  "fr",
		FirstStep: "presentation",
		Variables: []scenario.Variable{
			{Name: "nom", Type: scenario.VarText, Required: true},
		},
		Steps: []scenario.Step{
			{
				ID:         "presentation",
				Name:       "Présentation",
				Prompt:     "Demande au candidat de se présenter.",
				Expects:    []string{"nom"},
				Successors: []string{"parcours"},
			},
			{
				ID:       "parcours",
				Name:     "Parcours",
				Prompt:   "Interroge {nom} sur son parcours professionnel.",
				Terminal: true,
			},
		},
	}
}

func TestSession_HappyPath(t *testing.T) {
	m := defaultMocks()
	e := startSession(t, session.Params{Scenario: interviewTemplate()}, m.services())

	e.send(voice.ControlStartStream)
	e.collectUntil(3*time.Second, isType(voice.ControlStreamStarted))

	e.speak(300 * time.Millisecond)
	e.silence(300 * time.Millisecond)
	e.collectUntil(5*time.Second, isType(voice.ControlTurnEmotion))

	finals := e.frames(voice.ControlASRFinal)
	if len(finals) != 1 || e.textOf(finals[0]) != "Bonjour, je m'appelle Marie." {
		t.Fatalf("asr_final frames = %d", len(finals))
	}
	if len(e.frames(voice.ControlAgentTextPartial)) == 0 {
		t.Error("no agent_text_partial emitted")
	}
	agentFinals := e.frames(voice.ControlAgentTextFinal)
	if len(agentFinals) != 1 {
		t.Fatalf("saw %d agent_text_final frames, want 1", len(agentFinals))
	}
	if got := e.textOf(agentFinals[0]); got != "Enchanté Marie. Parlez-moi de votre parcours." {
		t.Fatalf("agent_text_final = %q", got)
	}

	var chunks int
	for _, msg := range e.seen {
		if msg.bin != nil {
			chunks++
			if len(msg.bin) > voice.MaxChunkBytes {
				t.Errorf("chunk of %d bytes exceeds %d", len(msg.bin), voice.MaxChunkBytes)
			}
		}
	}
	if chunks < 5 {
		t.Errorf("got %d audio chunks, want ≥5", chunks)
	}

	emotions := e.frames(voice.ControlTurnEmotion)
	var ep voice.EmotionPayload
	if err := json.Unmarshal(emotions[0].Payload, &ep); err != nil {
		t.Fatal(err)
	}
	if ep.Label != voice.EmotionEncouraging || ep.TurnIndex != 1 {
		t.Errorf("turn_emotion = %+v", ep)
	}

	turns := e.sess.History()
	if len(turns) != 2 {
		t.Fatalf("history holds %d turns, want 2", len(turns))
	}
	if turns[0].Role != voice.RoleLearner || turns[0].StepID != "presentation" {
		t.Errorf("learner turn = %+v", turns[0])
	}
	if turns[1].Role != voice.RoleAgent || turns[1].Emotion != voice.EmotionEncouraging {
		t.Errorf("agent turn = %+v", turns[1])
	}
}

func TestSession_BargeIn(t *testing.T) {
	m := defaultMocks()
	m.asr.Results = append(m.asr.Results, asr.Result{Text: "J'ai une question.", Language: "fr"})
	m.tts.Delay = 400 * time.Millisecond // keep ResponseSpeak open long enough to interrupt
	e := startSession(t, session.Params{}, m.services())

	e.send(voice.ControlStartStream)
	e.collectUntil(3*time.Second, isType(voice.ControlStreamStarted))

	e.speak(300 * time.Millisecond)
	e.silence(300 * time.Millisecond)
	e.collectUntil(5*time.Second, isType(voice.ControlAgentTextFinal))

	// Interrupt during playback, then finish the interrupting utterance.
	e.speak(700 * time.Millisecond)
	e.silence(300 * time.Millisecond)
	e.collectUntil(5*time.Second, isType(voice.ControlTurnEmotion))

	stops := e.frames(voice.ControlTTSStop)
	if len(stops) != 1 {
		t.Fatalf("saw %d tts_stop frames, want exactly 1", len(stops))
	}
	if stops[0].Epoch != 1 {
		t.Errorf("tts_stop epoch = %d, want 1 (incremented exactly once)", stops[0].Epoch)
	}

	// No audio from the cancelled epoch may follow the stop.
	stopSeen := false
	for _, msg := range e.seen {
		if msg.ctl != nil && msg.ctl.Type == voice.ControlTTSStop {
			stopSeen = true
			continue
		}
		if stopSeen && msg.ctl != nil && msg.ctl.Type == voice.ControlTTSChunk && msg.ctl.Epoch < 1 {
			t.Fatal("stale-epoch tts_chunk delivered after tts_stop")
		}
	}

	// Epoch monotonicity across every outbound control frame.
	var last voice.Epoch
	for _, msg := range e.seen {
		if msg.ctl == nil {
			continue
		}
		if msg.ctl.Epoch < last {
			t.Fatalf("epoch regressed: %d after %d", msg.ctl.Epoch, last)
		}
		last = msg.ctl.Epoch
	}

	// The interrupting speech became its own learner turn.
	finals := e.frames(voice.ControlASRFinal)
	if len(finals) != 2 || e.textOf(finals[1]) != "J'ai une question." {
		t.Fatalf("asr_final count = %d", len(finals))
	}
	turns := e.sess.History()
	if len(turns) != 4 {
		t.Fatalf("history holds %d turns, want 4", len(turns))
	}
	if e.sess.Epoch() != 1 {
		t.Errorf("session epoch = %d, want 1", e.sess.Epoch())
	}
}

func TestSession_ShortAudioNeverReachesASR(t *testing.T) {
	m := defaultMocks()
	e := startSession(t, session.Params{}, m.services())

	e.send(voice.ControlStartStream)
	e.collectUntil(3*time.Second, isType(voice.ControlStreamStarted))

	e.speak(140 * time.Millisecond) // never followed by enough silence
	e.send(voice.ControlStopStream)

	select {
	case <-e.sess.Ended():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end on stop_stream")
	}

	if m.asr.Calls() != 0 {
		t.Errorf("ASR called %d times, want 0", m.asr.Calls())
	}
	if m.llm.Calls() != 0 {
		t.Errorf("LLM called %d times, want 0", m.llm.Calls())
	}
}

func TestSession_TinySegmentSilentlyDropped(t *testing.T) {
	m := defaultMocks()
	svc := m.services()
	// The guard lives in the resilience wrapper, as in production wiring.
	svc.ASR = resilience.NewASRFallback(m.asr, "whisper", resilience.FallbackConfig{})
	p := session.Params{VADConfig: vadgate.Config{
		Threshold:  0.5,
		MinSilence: 40 * time.Millisecond,
		SpeechPad:  20 * time.Millisecond,
	}}
	e := startSession(t, p, svc)

	e.send(voice.ControlStartStream)
	e.collectUntil(3*time.Second, isType(voice.ControlStreamStarted))

	// Two speech frames commit a ~100 ms segment, below the 200 ms floor.
	e.speak(40 * time.Millisecond)
	e.silence(120 * time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	if m.llm.Calls() != 0 {
		t.Errorf("LLM called %d times for a dropped segment", m.llm.Calls())
	}
	if got := e.sess.Phase(); got != voice.PhaseListening {
		t.Errorf("phase = %s, want listening", got)
	}

	// Nothing may have surfaced on the wire: the drop is silent.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, data, err := e.client.Read(ctx); err == nil {
		var f voice.ControlFrame
		if json.Unmarshal(data, &f) == nil && f.Type == voice.ControlError {
			t.Fatalf("error frame surfaced for a too-small segment: %s", f.Payload)
		}
	}
}

func TestSession_LLMHangDegradesTurn(t *testing.T) {
	m := defaultMocks()
	m.llm.Hang = true
	svc := m.services()
	svc.Dialogue = dialogue.New(m.llm, dialogue.WithTimeout(80*time.Millisecond))
	e := startSession(t, session.Params{}, svc)

	e.send(voice.ControlStartStream)
	e.collectUntil(3*time.Second, isType(voice.ControlStreamStarted))

	e.speak(300 * time.Millisecond)
	e.silence(300 * time.Millisecond)
	e.collectUntil(5*time.Second, isType(voice.ControlTurnEmotion))

	finals := e.frames(voice.ControlAgentTextFinal)
	if len(finals) != 1 {
		t.Fatalf("saw %d agent_text_final frames, want 1", len(finals))
	}
	if got := e.textOf(finals[0]); got != dialogue.FallbackUtterance(voice.EmotionNeutral) {
		t.Fatalf("agent_text_final = %q, want the neutral fallback", got)
	}

	var ep voice.EmotionPayload
	if err := json.Unmarshal(e.frames(voice.ControlTurnEmotion)[0].Payload, &ep); err != nil {
		t.Fatal(err)
	}
	if ep.Label != voice.EmotionNeutral {
		t.Errorf("emotion = %s, want neutre", ep.Label)
	}

	turns := e.sess.History()
	if len(turns) != 2 {
		t.Fatalf("history holds %d turns, want 2", len(turns))
	}
	if !turns[1].Degraded {
		t.Error("degraded turn not marked")
	}
}

func TestSession_SecondIdenticalTurnHitsCache(t *testing.T) {
	m := defaultMocks()
	e := startSession(t, session.Params{}, m.services())

	e.send(voice.ControlStartStream)
	e.collectUntil(3*time.Second, isType(voice.ControlStreamStarted))

	runTurn := func() {
		e.speak(300 * time.Millisecond)
		e.silence(300 * time.Millisecond)
		e.collectUntil(5*time.Second, isType(voice.ControlTurnEmotion))
	}

	runTurn()
	after1 := m.tts.Calls()
	chunks1 := len(e.frames(voice.ControlTTSChunk))

	e.seen = e.seen[:0]
	runTurn()

	if m.tts.Calls() != after1 {
		t.Errorf("synthesizer called %d more times, want cache hit",
			m.tts.Calls()-after1)
	}
	if chunks2 := len(e.frames(voice.ControlTTSChunk)); chunks2 != chunks1 {
		t.Errorf("second turn emitted %d chunks, first emitted %d", chunks2, chunks1)
	}
}

func TestSession_HistoryIsPrefixExtension(t *testing.T) {
	m := defaultMocks()
	e := startSession(t, session.Params{}, m.services())

	e.send(voice.ControlStartStream)
	e.collectUntil(3*time.Second, isType(voice.ControlStreamStarted))

	e.speak(300 * time.Millisecond)
	e.silence(300 * time.Millisecond)
	e.collectUntil(5*time.Second, isType(voice.ControlTurnEmotion))
	snapshot := e.sess.History()

	e.speak(300 * time.Millisecond)
	e.silence(300 * time.Millisecond)
	e.collectUntil(5*time.Second, isType(voice.ControlTurnEmotion))
	now := e.sess.History()

	if len(now) < len(snapshot) {
		t.Fatal("history shrank")
	}
	for i, turn := range snapshot {
		if now[i].Text != turn.Text || now[i].Role != turn.Role {
			t.Fatalf("turn %d rewritten: %+v vs %+v", i, snapshot[i], now[i])
		}
	}
}

func TestSession_EndSubmitsFeedbackOnce(t *testing.T) {
	m := defaultMocks()
	svc := m.services()
	sink := feedback.NewSink(t.TempDir(), t.TempDir(), nil)
	svc.Sink = sink
	e := startSession(t, session.Params{}, svc)

	e.send(voice.ControlStartStream)
	e.collectUntil(3*time.Second, isType(voice.ControlStreamStarted))
	e.speak(300 * time.Millisecond)
	e.silence(300 * time.Millisecond)
	e.collectUntil(5*time.Second, isType(voice.ControlTurnEmotion))

	turns := e.sess.History()
	if len(turns) != 2 {
		t.Fatalf("history holds %d turns", len(turns))
	}
	if turns[0].AudioPath == "" {
		t.Error("learner turn has no audio artifact")
	}

	e.sess.End(context.Background(), "test")
	e.sess.End(context.Background(), "test again") // must be a no-op

	select {
	case <-e.sess.Ended():
	case <-time.After(time.Second):
		t.Fatal("session did not end")
	}
	if got := e.sess.Phase(); got != voice.PhaseEnded {
		t.Errorf("phase = %s, want ended", got)
	}
}
