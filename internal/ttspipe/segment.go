// Package ttspipe converts emotion-tagged agent text into paced audio chunks:
// sentence segmentation, cache lookup, synthesis, re-chunking, and epoch-
// tagged dispatch to the transport.
package ttspipe

import "strings"

// MaxUnitLen bounds one synthesis unit. Coqui-class servers degrade sharply
// on long inputs, and shorter units start streaming sooner.
const MaxUnitLen = 200

// SegmentUnits splits text into synthesis units of at most MaxUnitLen
// characters. Units break on sentence boundaries with punctuation preserved;
// adjacent short sentences are packed together, and a single over-long
// sentence is hard-split on word boundaries.
func SegmentUnits(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var units []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			units = append(units, s)
		}
		current.Reset()
	}

	for _, sentence := range splitSentences(text) {
		for _, piece := range hardSplit(sentence, MaxUnitLen) {
			if current.Len() > 0 && current.Len()+1+len(piece) > MaxUnitLen {
				flush()
			}
			if current.Len() > 0 {
				current.WriteByte(' ')
			}
			current.WriteString(piece)
		}
	}
	flush()
	return units
}

// splitSentences cuts text after '.', '!', '?', or '…' followed by
// whitespace (or end of text), keeping the punctuation with its sentence.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?', '…':
			if i+1 == len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' ||
				runes[i+1] == '\t' || runes[i+1] == '\r' {
				s := strings.TrimSpace(string(runes[start : i+1]))
				if s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}

// hardSplit breaks s into pieces of at most max bytes, preferring word
// boundaries and falling back to a raw cut for unbroken runs.
func hardSplit(s string, max int) []string {
	if len(s) <= max {
		return []string{s}
	}
	var out []string
	for len(s) > max {
		cut := strings.LastIndexByte(s[:max+1], ' ')
		if cut <= 0 {
			cut = max
		}
		out = append(out, strings.TrimSpace(s[:cut]))
		s = strings.TrimSpace(s[cut:])
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
