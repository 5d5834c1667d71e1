// Command eloquence is the main entry point for the Eloquence voice coaching
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/gramyfied/eloquence-backend/internal/agentprofile"
	"github.com/gramyfied/eloquence-backend/internal/config"
	"github.com/gramyfied/eloquence-backend/internal/dialogue"
	"github.com/gramyfied/eloquence-backend/internal/feedback"
	"github.com/gramyfied/eloquence-backend/internal/health"
	"github.com/gramyfied/eloquence-backend/internal/observe"
	"github.com/gramyfied/eloquence-backend/internal/resilience"
	"github.com/gramyfied/eloquence-backend/internal/scenario"
	"github.com/gramyfied/eloquence-backend/internal/server"
	"github.com/gramyfied/eloquence-backend/internal/session"
	"github.com/gramyfied/eloquence-backend/internal/ttscache"
	"github.com/gramyfied/eloquence-backend/internal/ttspipe"
	"github.com/gramyfied/eloquence-backend/internal/vadgate"
	"github.com/gramyfied/eloquence-backend/pkg/provider/asr/whisperhttp"
	"github.com/gramyfied/eloquence-backend/pkg/provider/llm/openai"
	"github.com/gramyfied/eloquence-backend/pkg/provider/tts/coquihttp"
	"github.com/gramyfied/eloquence-backend/pkg/provider/vad"
	"github.com/gramyfied/eloquence-backend/pkg/provider/vad/energy"
	"github.com/gramyfied/eloquence-backend/pkg/provider/vad/silero"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "eloquence: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("eloquence starting",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "eloquence-backend",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Shared KV store (TTS cache tier + feedback queue) ─────────────────────
	var rdb redis.UniversalClient
	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			return 1
		}
		client := redis.NewClient(ropts)
		defer client.Close()
		rdb = client
		slog.Info("redis connected", "addr", ropts.Addr)
	} else {
		slog.Warn("REDIS_URL not set — networked cache tier and feedback queue disabled")
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	var primaryVAD vad.Engine
	if cfg.VAD.APIURL != "" {
		primaryVAD = silero.New(cfg.VAD.APIURL)
	}
	fallbackVAD := energy.New()

	asrClient := resilience.NewASRFallback(
		whisperhttp.New(cfg.ASR.APIURL), "whisper", resilience.FallbackConfig{})

	llmOpts := []openai.Option{openai.WithTimeout(cfg.LLM.Timeout)}
	if cfg.LLM.LocalAPIURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(cfg.LLM.LocalAPIURL))
	}
	llmProvider, err := openai.New(cfg.LLM.APIKey, cfg.LLM.Model, llmOpts...)
	if err != nil {
		slog.Error("failed to create llm provider", "err", err)
		return 1
	}
	llmClient := resilience.NewLLMFallback(llmProvider, "openai", resilience.FallbackConfig{})

	ttsClient := resilience.NewTTSFallback(
		coquihttp.New(cfg.TTS.APIURL), "coqui", resilience.FallbackConfig{})

	// ── Pipeline services ─────────────────────────────────────────────────────
	cache := ttscache.New(cfg.Cache.Enabled, cfg.Cache.Prefix, cfg.Cache.Expiration, rdb,
		ttscache.WithMetrics(metrics))

	manager := dialogue.New(llmClient,
		dialogue.WithTimeout(cfg.LLM.Timeout),
		dialogue.WithSampling(cfg.LLM.Temperature, cfg.LLM.MaxMaxTokens),
		dialogue.WithMetrics(metrics),
	)
	pipeline := ttspipe.New(ttsClient, cache, ttspipe.WithMetrics(metrics))
	sink := feedback.NewSink(cfg.Storage.AudioPath, cfg.Storage.FeedbackPath, rdb)

	scenarios, err := scenario.LoadDir(cfg.Scenario.Dir)
	if err != nil {
		slog.Error("failed to load scenarios", "dir", cfg.Scenario.Dir, "err", err)
		return 1
	}
	profiles, err := agentprofile.LoadDir(cfg.Scenario.AgentDir)
	if err != nil {
		slog.Error("failed to load agent profiles", "dir", cfg.Scenario.AgentDir, "err", err)
		return 1
	}
	slog.Info("templates loaded", "scenarios", scenarios.Len(), "agent_profiles", profiles.Len())

	services := session.Services{
		VAD:         primaryVAD,
		VADFallback: fallbackVAD,
		ASR:         asrClient,
		Dialogue:    manager,
		TTS:         pipeline,
		Sink:        sink,
		Metrics:     metrics,
		ASRPool:     resilience.NewPool("asr", cfg.ASR.PoolSize),
		LLMPool:     resilience.NewPool("llm", cfg.LLM.PoolSize),
		TTSPool:     resilience.NewPool("tts", cfg.TTS.PoolSize),
	}

	registry := session.NewRegistry()
	go registry.Reap(ctx)

	// ── Health checks ─────────────────────────────────────────────────────────
	checkers := []health.Checker{
		health.ServiceChecker("asr", cfg.ASR.APIURL, nil),
		health.ServiceChecker("tts", cfg.TTS.APIURL, nil),
	}
	if cfg.VAD.APIURL != "" {
		checkers = append(checkers, health.ServiceChecker("vad", cfg.VAD.APIURL, nil))
	}
	if rdb != nil {
		checkers = append(checkers, health.RedisChecker(rdb))
	}

	// ── HTTP control plane ────────────────────────────────────────────────────
	ctrl := server.New(server.Options{
		Config:    cfg.Server,
		Registry:  registry,
		Services:  services,
		Scenarios: scenarios,
		Profiles:  profiles,
		VADConfig: vadgate.Config{
			Threshold:  cfg.VAD.Threshold,
			MinSilence: cfg.VAD.MinSilence,
			SpeechPad:  cfg.VAD.SpeechPad,
		},
		IdleTimeout:    cfg.Session.IdleTimeout,
		Health:         health.New(checkers...),
		Metrics:        metrics,
		PrewarmPhrases: dialogue.PrewarmPhrases(),
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           ctrl.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready", "addr", cfg.Server.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	registry.EndAll(shutdownCtx, "server shutting down")
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
