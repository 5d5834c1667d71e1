package dialogue

import "github.com/gramyfied/eloquence-backend/pkg/voice"

// fallbackUtterances are the canned French phrases used when generation
// fails. One per emotion label, so a degraded turn keeps the session's tone.
var fallbackUtterances = map[voice.Emotion]string{
	voice.EmotionNeutral:      "Désolé, j'ai rencontré un petit problème technique. Pouvez-vous répéter ?",
	voice.EmotionEncouraging:  "Je n'ai pas bien saisi, mais continuez, vous vous débrouillez très bien !",
	voice.EmotionEmpathetic:   "Pardonnez-moi, j'ai eu un petit souci. Je comprends que cela puisse être frustrant.",
	voice.EmotionEnthusiastic: "Un petit contretemps de mon côté, mais reprenons, je suis tout ouïe.",
	voice.EmotionCurious:      "J'ai manqué votre dernière phrase. Pouvez-vous m'en dire un peu plus ?",
	voice.EmotionReflective:   "Accordez-moi un instant, puis reprenons ce point ensemble.",
}

// FallbackUtterance returns the canned phrase for the given emotion. Unknown
// labels fall back to the neutral phrase.
func FallbackUtterance(e voice.Emotion) string {
	return fallbackUtterances[e.Normalize()]
}

// PrewarmPhrases lists short coach phrases worth synthesizing at session
// start so the first turns replay from cache.
func PrewarmPhrases() []string {
	out := make([]string, 0, len(fallbackUtterances)+2)
	out = append(out,
		"Bonjour et bienvenue ! Je suis votre coach d'éloquence.",
		"Très bien, je vous écoute.",
	)
	for _, e := range voice.Emotions {
		out = append(out, fallbackUtterances[e])
	}
	return out
}
