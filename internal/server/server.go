// Package server is the HTTP control plane: session lifecycle endpoints, the
// feedback artifact reader, the WebSocket audio endpoint, and the operational
// surface (health probes, Prometheus metrics).
//
// REST endpoints authenticate with the X-API-Key header and are rate limited
// per client IP. The audio endpoint authenticates with the one-time token
// minted at session creation, since browsers cannot attach custom headers to
// a WebSocket dial.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gramyfied/eloquence-backend/internal/agentprofile"
	"github.com/gramyfied/eloquence-backend/internal/config"
	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/internal/feedback"
	"github.com/gramyfied/eloquence-backend/internal/health"
	"github.com/gramyfied/eloquence-backend/internal/observe"
	"github.com/gramyfied/eloquence-backend/internal/scenario"
	"github.com/gramyfied/eloquence-backend/internal/session"
	"github.com/gramyfied/eloquence-backend/internal/transport"
	"github.com/gramyfied/eloquence-backend/internal/vadgate"
)

// prewarmTimeout bounds the background cache warm-up after session creation.
const prewarmTimeout = 30 * time.Second

// Options wires the control plane to the rest of the process.
type Options struct {
	Config   config.ServerConfig
	Registry *session.Registry

	// Services is handed to every created session.
	Services session.Services

	Scenarios *scenario.Library
	Profiles  *agentprofile.Library

	// VADConfig and IdleTimeout are applied to every new session.
	VADConfig   vadgate.Config
	IdleTimeout time.Duration

	Health  *health.Handler
	Metrics *observe.Metrics

	// PrewarmPhrases are synthesized into the cache right after a session is
	// created, so the coach's canned openers play without synthesis latency.
	PrewarmPhrases []string
}

// Server is the HTTP control plane.
type Server struct {
	opts  Options
	guard *guard

	mu     sync.Mutex
	tokens map[string]string // session id → transport token
}

// New assembles the control plane. Call [Server.Handler] for the routed
// handler.
func New(opts Options) *Server {
	return &Server{
		opts:   opts,
		guard:  newGuard(opts.Config.APIKey, opts.Config.MaxRequestsPerMinute),
		tokens: make(map[string]string),
	}
}

// Handler returns the fully routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /sessions", s.authed(s.createSession))
	mux.Handle("DELETE /sessions/{id}", s.authed(s.deleteSession))
	mux.Handle("GET /sessions/{id}/feedback", s.authed(s.sessionFeedback))
	mux.HandleFunc("GET /ws/{session_id}", s.serveTransport)

	mux.Handle("GET /metrics", promhttp.Handler())
	if s.opts.Health != nil {
		s.opts.Health.Register(mux)
	}

	if s.opts.Metrics != nil {
		return observe.Middleware(s.opts.Metrics)(mux)
	}
	return mux
}

// authed wraps h with the API-key and rate-limit gate.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.guard.admit(r); err != nil {
			writeError(w, err)
			return
		}
		h(w, r)
	})
}

type createSessionRequest struct {
	UserID         string `json:"user_id"`
	Language       string `json:"language"`
	ScenarioID     string `json:"scenario_id,omitempty"`
	Goal           string `json:"goal,omitempty"`
	AgentProfileID string `json:"agent_profile_id,omitempty"`
	IsMultiAgent   bool   `json:"is_multi_agent,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	RoomName  string `json:"room_name"`
	Token     string `json:"token"`
	URL       string `json:"url"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed body: %v", fault.ErrValidation, err))
		return
	}
	if req.UserID == "" {
		writeError(w, fmt.Errorf("%w: user_id is required", fault.ErrValidation))
		return
	}
	if req.Language == "" {
		req.Language = "fr"
	}

	var tmpl *scenario.Template
	if req.ScenarioID != "" {
		if s.opts.Scenarios == nil || s.opts.Scenarios.Get(req.ScenarioID) == nil {
			writeError(w, fmt.Errorf("%w: unknown scenario %q", fault.ErrValidation, req.ScenarioID))
			return
		}
		tmpl = s.opts.Scenarios.Get(req.ScenarioID)
	}

	var profile *agentprofile.Profile
	if req.AgentProfileID != "" {
		if s.opts.Profiles == nil || s.opts.Profiles.Get(req.AgentProfileID) == nil {
			writeError(w, fmt.Errorf("%w: unknown agent profile %q", fault.ErrValidation, req.AgentProfileID))
			return
		}
		profile = s.opts.Profiles.Get(req.AgentProfileID)
	}

	sess := session.New(session.Params{
		UserID:      req.UserID,
		Language:    req.Language,
		Goal:        req.Goal,
		Profile:     profile,
		Scenario:    tmpl,
		VADConfig:   s.opts.VADConfig,
		IdleTimeout: s.opts.IdleTimeout,
	}, s.opts.Services)

	if err := s.opts.Registry.Put(sess); err != nil {
		writeError(w, err)
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[sess.ID()] = token
	s.mu.Unlock()

	s.prewarm(sess, profile)

	slog.Info("session created",
		"session_id", sess.ID(),
		"user_id", req.UserID,
		"language", req.Language,
		"scenario_id", req.ScenarioID,
		"multi_agent", req.IsMultiAgent)

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID(),
		RoomName:  "eloquence-" + sess.ID(),
		Token:     token,
		URL:       "/ws/" + sess.ID(),
	})
}

// prewarm synthesizes the canned coach phrases into the shared cache in the
// background, so the session's first playbacks are cache hits.
func (s *Server) prewarm(sess *session.Session, profile *agentprofile.Profile) {
	tts := s.opts.Services.TTS
	if tts == nil || len(s.opts.PrewarmPhrases) == 0 {
		return
	}
	if profile == nil {
		profile = agentprofile.DefaultProfile()
	}
	emotion := profile.DefaultEmotion
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), prewarmTimeout)
		defer cancel()
		tts.Prewarm(ctx, sess.Language(), profile.VoiceID, emotion, s.opts.PrewarmPhrases)
	}()
}

type deleteSessionResponse struct {
	SessionID string `json:"session_id"`
	Ended     bool   `json:"ended"`
}

// deleteSession terminates a session. Deleting an unknown or already-ended
// session is not an error; the response flags it instead, keeping the verb
// idempotent for retrying clients.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.opts.Registry.End(r.Context(), id, "client requested teardown")
	ended := err == nil
	if err != nil && !errors.Is(err, fault.ErrNotFound) {
		writeError(w, err)
		return
	}

	s.mu.Lock()
	delete(s.tokens, id)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, deleteSessionResponse{SessionID: id, Ended: ended})
}

type feedbackResponse struct {
	SessionID string            `json:"session_id"`
	Results   []feedback.Result `json:"results"`
}

func (s *Server) sessionFeedback(w http.ResponseWriter, r *http.Request) {
	if s.opts.Services.Sink == nil {
		writeError(w, fmt.Errorf("%w: feedback storage not configured", fault.ErrNotFound))
		return
	}
	id := r.PathValue("id")
	q := r.URL.Query()

	results, err := s.opts.Services.Sink.Results(id, q.Get("segment_id"), q.Get("feedback_type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feedbackResponse{SessionID: id, Results: results})
}

// serveTransport upgrades to WebSocket and runs the session until the
// transport closes. It authenticates with the creation token rather than the
// API key.
func (s *Server) serveTransport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")

	s.mu.Lock()
	token, known := s.tokens[id]
	s.mu.Unlock()
	if !known || r.URL.Query().Get("token") != token {
		writeError(w, fmt.Errorf("%w: invalid transport token", fault.ErrAuth))
		return
	}

	sess, err := s.opts.Registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.Config.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("websocket upgrade refused", "session_id", id, "error", err)
		return
	}

	conn := transport.NewConn(ws, sess.Epoch)
	if err := sess.Run(r.Context(), conn); err != nil {
		slog.Warn("session transport closed with error", "session_id", id, "error", err)
	}

	// The session is over once its transport is gone; drop it from the table
	// so the id cannot be reattached.
	_ = s.opts.Registry.End(r.Context(), id, "transport closed")
	s.mu.Lock()
	delete(s.tokens, id)
	s.mu.Unlock()
}

// errorBody is the JSON error envelope shared by all REST responses.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Code = fault.Code(err)
	body.Error.Message = err.Error()
	writeJSON(w, fault.HTTPStatus(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
