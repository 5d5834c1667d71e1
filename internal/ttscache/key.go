// Package ttscache is the process-wide cache of synthesized audio.
//
// The cache is two-tiered: a byte-bounded in-memory LRU in front of a shared
// Redis store, so replays of common coach phrases never leave the process
// while restarts and sibling instances still share the networked tier.
// Payloads are zstd-compressed in Redis; entries expire after the configured
// TTL (default 24 h).
//
// Lookups are keyed by SHA-256 of (language, voice, emotion, normalized
// text), so the same phrase spoken with a different emotion reference is a
// distinct entry. Concurrent misses for the same key are collapsed with
// singleflight: exactly one caller synthesizes, the rest share the result.
package ttscache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

// Key identifies one cacheable synthesis unit.
type Key struct {
	Language string
	VoiceID  string
	Emotion  voice.Emotion
	Text     string
}

// normalizeText collapses runs of whitespace and trims the ends so that
// rendering differences in the dialogue stream do not fragment the cache.
// Case and punctuation are preserved: they change prosody.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Hash returns the hex SHA-256 digest identifying this key.
func (k Key) Hash() string {
	h := sha256.New()
	h.Write([]byte(k.Language))
	h.Write([]byte{'|'})
	h.Write([]byte(k.VoiceID))
	h.Write([]byte{'|'})
	h.Write([]byte(k.Emotion.Normalize()))
	h.Write([]byte{'|'})
	h.Write([]byte(normalizeText(k.Text)))
	return hex.EncodeToString(h.Sum(nil))
}

// RedisKey returns the namespaced store key for this entry.
func (k Key) RedisKey(prefix string) string {
	return prefix + k.Hash()
}
