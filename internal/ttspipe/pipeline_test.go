package ttspipe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/internal/ttscache"
	ttsmock "github.com/gramyfied/eloquence-backend/pkg/provider/tts/mock"
	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

// recordEmitter captures pipeline output for assertions.
type recordEmitter struct {
	mu        sync.Mutex
	chunks    [][]byte
	epochs    []voice.Epoch
	fallbacks []string
	chunkErr  error
}

func (e *recordEmitter) EmitChunk(_ context.Context, epoch voice.Epoch, pcm []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chunkErr != nil {
		return e.chunkErr
	}
	e.chunks = append(e.chunks, append([]byte(nil), pcm...))
	e.epochs = append(e.epochs, epoch)
	return nil
}

func (e *recordEmitter) EmitFallback(_ context.Context, _ voice.Epoch, unit string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallbacks = append(e.fallbacks, unit)
	return nil
}

func newTestPipeline(synth *ttsmock.Synthesizer) *Pipeline {
	cache := ttscache.New(true, "tts_cache:", time.Hour, nil)
	return New(synth, cache, WithoutPacing())
}

func TestSegmentUnits(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "   ", nil},
		{"single sentence", "Bonjour Marie.", []string{"Bonjour Marie."}},
		{
			"short sentences pack together",
			"Oui. Très bien. Continuez !",
			[]string{"Oui. Très bien. Continuez !"},
		},
		{
			"question preserved",
			"Et ensuite ? Racontez-moi la suite de votre parcours.",
			[]string{"Et ensuite ? Racontez-moi la suite de votre parcours."},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SegmentUnits(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d units %q, want %d", len(got), got, len(tc.want))
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("unit %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestSegmentUnits_RespectsMaxLen(t *testing.T) {
	// Two sentences of ~150 chars cannot share a 200-char unit.
	s1 := strings.Repeat("abcde ", 25) + "fin."
	s2 := strings.Repeat("vwxyz ", 25) + "fin."
	units := SegmentUnits(s1 + " " + s2)

	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	for i, u := range units {
		if len(u) > MaxUnitLen {
			t.Errorf("unit %d is %d chars, max %d", i, len(u), MaxUnitLen)
		}
	}
}

func TestSegmentUnits_HardSplitsLongSentence(t *testing.T) {
	long := strings.Repeat("mot ", 120) // 480 chars, no sentence boundary
	units := SegmentUnits(long)

	if len(units) < 3 {
		t.Fatalf("got %d units, want ≥3", len(units))
	}
	for i, u := range units {
		if len(u) > MaxUnitLen {
			t.Errorf("unit %d is %d chars, max %d", i, len(u), MaxUnitLen)
		}
	}
}

func TestSpeak_ChunksAndEpochs(t *testing.T) {
	synth := &ttsmock.Synthesizer{BytesPerChar: 640}
	p := newTestPipeline(synth)
	em := &recordEmitter{}

	res, err := p.Speak(context.Background(), SpeakRequest{
		Text:     "Enchanté Marie. Parlez-moi de votre parcours.",
		Language: "fr",
		VoiceID:  "fr_female_1",
		Emotion:  voice.EmotionEncouraging,
		Epoch:    3,
	}, em)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	if res.Units != 1 {
		t.Errorf("units = %d, want 1 (sentences pack under 200 chars)", res.Units)
	}
	if res.Chunks != len(em.chunks) {
		t.Errorf("result chunks = %d, emitter saw %d", res.Chunks, len(em.chunks))
	}
	if len(em.chunks) < 5 {
		t.Errorf("got %d chunks, want ≥5 for a multi-second utterance", len(em.chunks))
	}
	for i, c := range em.chunks {
		if len(c) > voice.MaxChunkBytes {
			t.Errorf("chunk %d is %d bytes, max %d", i, len(c), voice.MaxChunkBytes)
		}
		if em.epochs[i] != 3 {
			t.Errorf("chunk %d epoch = %d, want 3", i, em.epochs[i])
		}
	}
}

func TestSpeak_SecondCallHitsCache(t *testing.T) {
	synth := &ttsmock.Synthesizer{}
	p := newTestPipeline(synth)
	req := SpeakRequest{
		Text: "Très bien, je vous écoute.", Language: "fr",
		VoiceID: "v", Emotion: voice.EmotionNeutral,
	}

	first := &recordEmitter{}
	if _, err := p.Speak(context.Background(), req, first); err != nil {
		t.Fatalf("first Speak: %v", err)
	}
	second := &recordEmitter{}
	res, err := p.Speak(context.Background(), req, second)
	if err != nil {
		t.Fatalf("second Speak: %v", err)
	}

	if res.CacheHits != 1 {
		t.Errorf("cache hits = %d, want 1", res.CacheHits)
	}
	if synth.Calls() != 1 {
		t.Errorf("synthesizer called %d times, want 1", synth.Calls())
	}
	// Replay is bit-identical.
	if len(first.chunks) != len(second.chunks) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first.chunks), len(second.chunks))
	}
	for i := range first.chunks {
		if string(first.chunks[i]) != string(second.chunks[i]) {
			t.Fatalf("chunk %d differs between plays", i)
		}
	}
}

func TestSpeak_UnitFailureEmitsFallbackAndContinues(t *testing.T) {
	synth := &ttsmock.Synthesizer{
		FailTexts: map[string]bool{"Deuxième phrase qui échoue.": true},
	}
	p := newTestPipeline(synth)
	em := &recordEmitter{}

	// Force two units by exceeding the unit length with the pair.
	text := strings.Repeat("a", 180) + ". Deuxième phrase qui échoue."
	res, err := p.Speak(context.Background(), SpeakRequest{Text: text, Language: "fr"}, em)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	if res.Units != 2 {
		t.Fatalf("units = %d, want 2", res.Units)
	}
	if res.FailedUnits != 1 {
		t.Errorf("failed units = %d, want 1", res.FailedUnits)
	}
	if len(em.fallbacks) != 1 || em.fallbacks[0] != "Deuxième phrase qui échoue." {
		t.Errorf("fallbacks = %q", em.fallbacks)
	}
	if res.Degraded {
		t.Error("partial failure marked the whole utterance degraded")
	}
	if len(em.chunks) == 0 {
		t.Error("surviving unit emitted no audio")
	}
}

func TestSpeak_AllUnitsFailedIsDegraded(t *testing.T) {
	synth := &ttsmock.Synthesizer{Err: errors.New("coqui down")}
	p := newTestPipeline(synth)
	em := &recordEmitter{}

	res, err := p.Speak(context.Background(), SpeakRequest{Text: "Bonjour.", Language: "fr"}, em)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if !res.Degraded {
		t.Error("complete failure not marked degraded")
	}
	if len(em.chunks) != 0 {
		t.Errorf("emitted %d chunks despite total failure", len(em.chunks))
	}
}

func TestSpeak_CancellationStopsStream(t *testing.T) {
	synth := &ttsmock.Synthesizer{}
	p := newTestPipeline(synth)
	em := &recordEmitter{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Speak(ctx, SpeakRequest{Text: "Bonjour Marie.", Language: "fr"}, em)
	if !errors.Is(err, fault.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if len(em.chunks) != 0 {
		t.Errorf("emitted %d chunks after cancellation", len(em.chunks))
	}
}

func TestPrewarm_PopulatesCache(t *testing.T) {
	synth := &ttsmock.Synthesizer{}
	p := newTestPipeline(synth)

	p.Prewarm(context.Background(), "fr", "v", voice.EmotionNeutral,
		[]string{"Bonjour et bienvenue !", "Très bien, je vous écoute."})
	warmed := synth.Calls()
	if warmed == 0 {
		t.Fatal("prewarm synthesized nothing")
	}

	// A later Speak of a prewarmed phrase is served from cache.
	em := &recordEmitter{}
	res, err := p.Speak(context.Background(), SpeakRequest{
		Text: "Très bien, je vous écoute.", Language: "fr",
		VoiceID: "v", Emotion: voice.EmotionNeutral,
	}, em)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if res.CacheHits != 1 {
		t.Errorf("cache hits = %d, want 1", res.CacheHits)
	}
	if synth.Calls() != warmed {
		t.Error("Speak re-synthesized a prewarmed phrase")
	}
}
