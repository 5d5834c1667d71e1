package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when the corresponding environment key is unset.
const (
	defaultListenAddr      = ":8000"
	defaultVADThreshold    = 0.45
	defaultVADMinSilenceMS = 2000
	defaultVADSpeechPadMS  = 400
	defaultLLMTimeoutS     = 30
	defaultLLMMaxTokens    = 512
	defaultLLMTemperature  = 0.7
	defaultCachePrefix     = "tts_cache:"
	defaultCacheExpiryS    = 24 * 3600
	defaultIdleTimeoutS    = 600
	defaultRatePerMinute   = 60
	defaultPoolSize        = 8
	defaultAudioPath       = "./data/audio"
	defaultFeedbackPath    = "./data/feedback"
	defaultScenarioDir     = "./configs/scenarios"
	defaultAgentDir        = "./configs/agents"
)

// Load reads the recognised environment keys, applies defaults, and validates
// the result.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:           envStr("LISTEN_ADDR", defaultListenAddr),
			LogLevel:             LogLevel(envStr("LOG_LEVEL", string(LogInfo))),
			APIKey:               os.Getenv("API_KEY"),
			AllowedOrigins:       envCSV("ALLOWED_ORIGINS"),
			MaxRequestsPerMinute: envInt("MAX_REQUESTS_PER_MINUTE", defaultRatePerMinute),
		},
		VAD: VADConfig{
			APIURL:     os.Getenv("VAD_API_URL"),
			Threshold:  envFloat("VAD_THRESHOLD", defaultVADThreshold),
			MinSilence: time.Duration(envInt("VAD_MIN_SILENCE_DURATION_MS", defaultVADMinSilenceMS)) * time.Millisecond,
			SpeechPad:  time.Duration(envInt("VAD_SPEECH_PAD_MS", defaultVADSpeechPadMS)) * time.Millisecond,
		},
		ASR: ASRConfig{
			APIURL:   os.Getenv("ASR_API_URL"),
			PoolSize: envInt("ASR_POOL_SIZE", defaultPoolSize),
		},
		LLM: LLMConfig{
			LocalAPIURL:  os.Getenv("LLM_LOCAL_API_URL"),
			APIKey:       os.Getenv("LLM_API_KEY"),
			Model:        envStr("LLM_MODEL", "mistral-nemo-instruct-2407"),
			Timeout:      time.Duration(envInt("LLM_TIMEOUT_S", defaultLLMTimeoutS)) * time.Second,
			MaxMaxTokens: envInt("LLM_MAX_MAX_TOKENS", defaultLLMMaxTokens),
			Temperature:  envFloat("LLM_TEMPERATURE", defaultLLMTemperature),
			PoolSize:     envInt("LLM_POOL_SIZE", defaultPoolSize),
		},
		TTS: TTSConfig{
			APIURL:   os.Getenv("TTS_API_URL"),
			PoolSize: envInt("TTS_POOL_SIZE", defaultPoolSize),
		},
		Cache: CacheConfig{
			Enabled:    envBool("TTS_USE_CACHE", true),
			Prefix:     envStr("TTS_CACHE_PREFIX", defaultCachePrefix),
			Expiration: time.Duration(envInt("TTS_CACHE_EXPIRATION_S", defaultCacheExpiryS)) * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout: time.Duration(envInt("SESSION_IDLE_TIMEOUT_S", defaultIdleTimeoutS)) * time.Second,
		},
		Storage: StorageConfig{
			AudioPath:    envStr("AUDIO_STORAGE_PATH", defaultAudioPath),
			FeedbackPath: envStr("FEEDBACK_STORAGE_PATH", defaultFeedbackPath),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Scenario: ScenarioConfig{
			Dir:      envStr("SCENARIO_DIR", defaultScenarioDir),
			AgentDir: envStr("AGENT_PROFILE_DIR", defaultAgentDir),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.APIKey == "" {
		errs = append(errs, fmt.Errorf("API_KEY must not be empty"))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxRequestsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("MAX_REQUESTS_PER_MINUTE must be positive, got %d", cfg.Server.MaxRequestsPerMinute))
	}

	if cfg.VAD.Threshold <= 0 || cfg.VAD.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("VAD_THRESHOLD must be in (0, 1), got %g", cfg.VAD.Threshold))
	}
	if cfg.VAD.MinSilence <= 0 {
		errs = append(errs, fmt.Errorf("VAD_MIN_SILENCE_DURATION_MS must be positive"))
	}
	if cfg.VAD.SpeechPad < 0 {
		errs = append(errs, fmt.Errorf("VAD_SPEECH_PAD_MS must not be negative"))
	}

	if cfg.ASR.APIURL == "" {
		errs = append(errs, fmt.Errorf("ASR_API_URL must not be empty"))
	}
	if cfg.LLM.LocalAPIURL == "" && cfg.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("one of LLM_LOCAL_API_URL or LLM_API_KEY must be set"))
	}
	if cfg.LLM.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("LLM_TIMEOUT_S must be positive"))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("LLM_TEMPERATURE must be in [0, 2], got %g", cfg.LLM.Temperature))
	}
	if cfg.TTS.APIURL == "" {
		errs = append(errs, fmt.Errorf("TTS_API_URL must not be empty"))
	}

	if cfg.Cache.Enabled && cfg.Cache.Expiration <= 0 {
		errs = append(errs, fmt.Errorf("TTS_CACHE_EXPIRATION_S must be positive when the cache is enabled"))
	}
	if cfg.Session.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_IDLE_TIMEOUT_S must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envCSV(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
