package voice

// Emotion is one of the six fixed labels attached to each agent turn to
// modulate TTS delivery. The set is closed; anything else maps to
// [EmotionNeutral].
type Emotion string

const (
	EmotionNeutral      Emotion = "neutre"
	EmotionEncouraging  Emotion = "encouragement"
	EmotionEmpathetic   Emotion = "empathie"
	EmotionEnthusiastic Emotion = "enthousiasme_modere"
	EmotionCurious      Emotion = "curiosite"
	EmotionReflective   Emotion = "reflexion"
)

// Emotions lists every valid label in a stable order.
var Emotions = []Emotion{
	EmotionNeutral,
	EmotionEncouraging,
	EmotionEmpathetic,
	EmotionEnthusiastic,
	EmotionCurious,
	EmotionReflective,
}

// IsValid reports whether e is a recognised emotion label.
func (e Emotion) IsValid() bool {
	switch e {
	case EmotionNeutral, EmotionEncouraging, EmotionEmpathetic,
		EmotionEnthusiastic, EmotionCurious, EmotionReflective:
		return true
	}
	return false
}

// Normalize returns e when valid, or [EmotionNeutral] otherwise.
func (e Emotion) Normalize() Emotion {
	if e.IsValid() {
		return e
	}
	return EmotionNeutral
}
