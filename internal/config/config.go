// Package config provides the environment-driven configuration schema and
// loader for the Eloquence coaching server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, populated from the process
// environment by [Load].
type Config struct {
	Server   ServerConfig
	VAD      VADConfig
	ASR      ASRConfig
	LLM      LLMConfig
	TTS      TTSConfig
	Cache    CacheConfig
	Session  SessionConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Scenario ScenarioConfig
}

// ServerConfig holds network, auth and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on.
	ListenAddr string

	// LogLevel controls verbosity.
	LogLevel LogLevel

	// APIKey is the accepted credential for the X-API-Key header.
	APIKey string

	// AllowedOrigins lists origins permitted to open the audio transport.
	AllowedOrigins []string

	// MaxRequestsPerMinute is the per-IP rate-limit ceiling.
	MaxRequestsPerMinute int
}

// VADConfig tunes the voice-activity gate.
type VADConfig struct {
	// APIURL is the Silero-class model server endpoint. Empty selects the
	// energy detector from the start.
	APIURL string

	// Threshold is the speech probability above which a frame counts as
	// speech.
	Threshold float64

	// MinSilence is the continuous silence needed to close a segment.
	MinSilence time.Duration

	// SpeechPad is the audio padding prepended and appended to each
	// committed segment.
	SpeechPad time.Duration
}

// ASRConfig locates the transcription service.
type ASRConfig struct {
	// APIURL is the Whisper-class server endpoint.
	APIURL string

	// PoolSize bounds concurrent transcription calls across sessions.
	PoolSize int
}

// LLMConfig bounds dialogue generation.
type LLMConfig struct {
	// LocalAPIURL is the OpenAI-compatible inference endpoint.
	LocalAPIURL string

	// APIKey authenticates against hosted providers; may be empty for a
	// local server.
	APIKey string

	// Model is the model identifier sent with each request.
	Model string

	// Timeout is the wall-clock bound for a full response.
	Timeout time.Duration

	// MaxMaxTokens is the upper bound a session may request per completion.
	MaxMaxTokens int

	// Temperature is the default sampling temperature.
	Temperature float64

	// PoolSize bounds concurrent generations across sessions.
	PoolSize int
}

// TTSConfig locates the synthesis service.
type TTSConfig struct {
	// APIURL is the Coqui-class server endpoint.
	APIURL string

	// PoolSize bounds concurrent synthesis calls across sessions.
	PoolSize int
}

// CacheConfig tunes the process-wide synthesized-audio cache.
type CacheConfig struct {
	// Enabled toggles the cache entirely.
	Enabled bool

	// Prefix namespaces cache keys in the shared KV store.
	Prefix string

	// Expiration is the TTL of cache entries.
	Expiration time.Duration
}

// SessionConfig bounds session lifecycle.
type SessionConfig struct {
	// IdleTimeout ends sessions with no inbound activity.
	IdleTimeout time.Duration
}

// StorageConfig roots the on-disk artifacts.
type StorageConfig struct {
	// AudioPath is the root for per-turn learner WAV files.
	AudioPath string

	// FeedbackPath is the root for per-turn scoring results.
	FeedbackPath string
}

// RedisConfig locates the shared KV store used by the TTS cache and the
// feedback queue.
type RedisConfig struct {
	// URL is a redis:// connection string. Empty disables the networked
	// cache tier and the feedback queue.
	URL string
}

// ScenarioConfig locates the static template files.
type ScenarioConfig struct {
	// Dir contains scenario template files (YAML or JSON).
	Dir string

	// AgentDir contains agent profile files.
	AgentDir string
}
