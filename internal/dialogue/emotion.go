package dialogue

import (
	"regexp"
	"strings"

	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

// emotionMarker matches the trailing structured marker the model is
// instructed to emit, e.g. "[emotion:encouragement]".
var emotionMarker = regexp.MustCompile(`\[emotion:([a-z_]+)\]\s*$`)

// EmotionInstruction is appended to the system prompt so the model tags its
// own reply. The tagger strips the marker before the text reaches the client.
const EmotionInstruction = "Termine chaque réponse par un marqueur " +
	"[emotion:label] où label est l'un de : neutre, encouragement, empathie, " +
	"enthousiasme_modere, curiosite, reflexion."

// TagEmotion extracts the emotion label from a completed agent reply and
// returns the cleaned text. When the marker is absent or names an unknown
// label, a lexical heuristic decides: a question mark reads as curiosity, an
// exclamation as encouragement, anything else as neutral.
func TagEmotion(text string) (string, voice.Emotion) {
	if m := emotionMarker.FindStringSubmatch(text); m != nil {
		label := voice.Emotion(m[1])
		clean := strings.TrimSpace(emotionMarker.ReplaceAllString(text, ""))
		if label.IsValid() {
			return clean, label
		}
		text = clean
	}

	text = strings.TrimSpace(text)
	switch {
	case strings.ContainsRune(text, '?'):
		return text, voice.EmotionCurious
	case strings.ContainsRune(text, '!'):
		return text, voice.EmotionEncouraging
	default:
		return text, voice.EmotionNeutral
	}
}

// StripEmotionMarker removes a trailing marker without classifying. Used for
// partial emissions so the marker never flashes on screen.
func StripEmotionMarker(text string) string {
	return strings.TrimRight(emotionMarker.ReplaceAllString(text, ""), " ")
}
