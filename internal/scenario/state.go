package scenario

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// choiceThreshold is the minimum Jaro-Winkler similarity for a fuzzy choice
// match. Phonetically overlapping candidates are accepted at a lower bar
// because the transcript comes from ASR and misspells proper nouns freely.
const (
	choiceThreshold         = 0.85
	choicePhoneticThreshold = 0.70
)

var numberPattern = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)

// State tracks one session's progress through a scenario template. It is
// owned by the session goroutine and not safe for concurrent use.
type State struct {
	tpl      *Template
	stepID   string
	bindings map[string]string
}

// NewState starts a walk of tpl at its first step.
func NewState(tpl *Template) *State {
	return &State{
		tpl:      tpl,
		stepID:   tpl.FirstStep,
		bindings: make(map[string]string),
	}
}

// StepID returns the current step's ID.
func (s *State) StepID() string { return s.stepID }

// Step returns the current step.
func (s *State) Step() *Step { return s.tpl.StepByID(s.stepID) }

// Bindings returns a copy of the collected variable values.
func (s *State) Bindings() map[string]string {
	out := make(map[string]string, len(s.bindings))
	for k, v := range s.bindings {
		out[k] = v
	}
	return out
}

// Observe classifies a learner transcript against the current step: expected
// variables are extracted and bound, and when every required expected
// variable is bound the step is satisfied and the state advances to its
// first declared successor. Terminal steps never advance.
//
// It returns true when the step changed.
func (s *State) Observe(transcript string) bool {
	step := s.Step()
	if step == nil {
		return false
	}

	for _, name := range step.Expects {
		if _, bound := s.bindings[name]; bound {
			continue
		}
		decl := s.tpl.VariableByName(name)
		if decl == nil {
			continue
		}
		if value, ok := extract(transcript, decl); ok {
			s.bindings[name] = value
		}
	}

	if !s.satisfied(step) || step.Terminal || len(step.Successors) == 0 {
		return false
	}
	return s.Advance(step.Successors[0]) == nil
}

// satisfied reports whether every required expected variable of step is bound.
func (s *State) satisfied(step *Step) bool {
	for _, name := range step.Expects {
		decl := s.tpl.VariableByName(name)
		if decl == nil || !decl.Required {
			continue
		}
		if _, bound := s.bindings[name]; !bound {
			return false
		}
	}
	return true
}

// Advance moves to the named step. The move is rejected unless to is a
// declared successor of the current step.
func (s *State) Advance(to string) error {
	step := s.Step()
	if step == nil {
		return fmt.Errorf("scenario: current step %q not found", s.stepID)
	}
	for _, succ := range step.Successors {
		if succ == to {
			s.stepID = to
			return nil
		}
	}
	return fmt.Errorf("scenario: %q is not a successor of %q", to, s.stepID)
}

// Prompt renders the current step's prompt template: each `{name}`
// placeholder is replaced with the bound value, falling back to the declared
// default. Placeholders with neither stay verbatim so the agent can still ask
// for the missing value.
func (s *State) Prompt() string {
	step := s.Step()
	if step == nil {
		return ""
	}
	out := step.Prompt
	for _, v := range s.tpl.Variables {
		placeholder := "{" + v.Name + "}"
		if !strings.Contains(out, placeholder) {
			continue
		}
		value, bound := s.bindings[v.Name]
		if !bound {
			if v.Default == "" {
				continue
			}
			value = v.Default
		}
		out = strings.ReplaceAll(out, placeholder, value)
	}
	return out
}

// extract pulls a value of the declared type out of transcript.
func extract(transcript string, decl *Variable) (string, bool) {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return "", false
	}

	switch decl.Type {
	case VarText:
		return text, true

	case VarNumber:
		if m := numberPattern.FindString(text); m != "" {
			return strings.ReplaceAll(m, ",", "."), true
		}
		return "", false

	case VarBoolean:
		return extractBoolean(text)

	case VarChoice:
		return extractChoice(text, decl.Choices)
	}
	return "", false
}

func extractBoolean(text string) (string, bool) {
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		switch strings.Trim(tok, ".,!?;:") {
		case "oui", "yes", "si", "absolument", "exactement":
			return "true", true
		case "non", "no", "jamais":
			return "false", true
		}
	}
	return "", false
}

// extractChoice matches the transcript against the declared choices using
// exact containment first, then Double Metaphone overlap ranked by
// Jaro-Winkler, then pure Jaro-Winkler on token n-grams.
func extractChoice(text string, choices []string) (string, bool) {
	lower := strings.ToLower(text)
	tokens := strings.Fields(lower)

	// Exact containment wins outright.
	for _, c := range choices {
		if strings.Contains(lower, strings.ToLower(c)) {
			return c, true
		}
	}

	var (
		best      string
		bestScore float64
	)
	for _, c := range choices {
		cLower := strings.ToLower(c)
		phonetic := phoneticOverlap(tokens, strings.Fields(cLower))

		for _, gram := range ngrams(tokens, len(strings.Fields(cLower))) {
			score := matchr.JaroWinkler(gram, cLower, false)
			threshold := choiceThreshold
			if phonetic {
				threshold = choicePhoneticThreshold
			}
			if score >= threshold && score > bestScore {
				best, bestScore = c, score
			}
		}
	}
	return best, best != ""
}

// phoneticOverlap reports whether any token of a shares a Double Metaphone
// code with any token of b.
func phoneticOverlap(a, b []string) bool {
	codes := make(map[string]bool)
	for _, t := range a {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = true
		}
		if s != "" {
			codes[s] = true
		}
	}
	for _, t := range b {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" && codes[p] || s != "" && codes[s] {
			return true
		}
	}
	return false
}

// ngrams returns all n-token windows of tokens joined by spaces. n is clamped
// to at least 1.
func ngrams(tokens []string, n int) []string {
	if n < 1 {
		n = 1
	}
	if len(tokens) < n {
		if len(tokens) == 0 {
			return nil
		}
		return []string{strings.Join(tokens, " ")}
	}
	out := make([]string, 0, len(tokens)-n+1)
	for i := 0; i+n <= len(tokens); i++ {
		out = append(out, strings.Join(tokens[i:i+n], " "))
	}
	return out
}
