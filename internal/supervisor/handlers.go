package supervisor

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/ghostrunner/internal/botsim"
	"github.com/ehrlich-b/ghostrunner/internal/config"
)

// reqID returns a short correlation id for a single request's log lines.
func reqID() string { return uuid.New().String()[:8] }

// Server wraps a Supervisor with its HTTP surface (spec §6).
type Server struct {
	sup *Supervisor
	cfg *config.Supervisor
	log *slog.Logger
	mux *http.ServeMux

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewServer builds the supervisor's HTTP mux (spec §6).
func NewServer(sup *Supervisor, cfg *config.Supervisor, log *slog.Logger) *Server {
	s := &Server{
		sup:      sup,
		cfg:      cfg,
		log:      log,
		mux:      http.NewServeMux(),
		limiters: make(map[string]*rate.Limiter),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /internal/bots/room-config", s.withAuth(s.handleRoomConfig))
	s.mux.HandleFunc("POST /internal/bots/room-stop", s.withAuth(s.handleRoomStop))
	s.mux.HandleFunc("POST /internal/bots/chat", s.withAuth(s.handleChat))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// withAuth enforces x-ret-bot-access-key when BotAccessKey is configured
// (spec §6). A value containing two dots is treated as a signed JWT and
// verified with the configured key as the HMAC secret; anything else is
// compared as an opaque shared secret in constant time.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.BotAccessKey == "" {
			next(w, r)
			return
		}
		provided := r.Header.Get("x-ret-bot-access-key")
		if !validateBotAccessKey(s.cfg.BotAccessKey, provided) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func validateBotAccessKey(configured, provided string) bool {
	if provided == "" {
		return false
	}
	if strings.Count(provided, ".") == 2 {
		token, err := jwt.Parse(provided, func(t *jwt.Token) (any, error) {
			return []byte(configured), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		return err == nil && token.Valid
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(provided)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Snapshot())
}

type roomConfigRequest struct {
	HubSID any               `json:"hub_sid"`
	Bots   botsim.BotsConfig `json:"bots"`
}

func (s *Server) handleRoomConfig(w http.ResponseWriter, r *http.Request) {
	id := reqID()
	var req roomConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hubSID, ok := req.HubSID.(string)
	if !ok || hubSID == "" {
		writeError(w, http.StatusBadRequest, "hub_sid must be a non-empty string")
		return
	}
	s.log.Debug("room-config", "req_id", id, "hub_sid", hubSID, "bots", req.Bots)

	state, normalized := s.sup.ApplyRoomConfig(hubSID, req.Bots)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"hub_sid":      hubSID,
		"bots":         normalized,
		"runner_state": state,
	})
}

type roomStopRequest struct {
	HubSID any `json:"hub_sid"`
}

func (s *Server) handleRoomStop(w http.ResponseWriter, r *http.Request) {
	var req roomStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hubSID, ok := req.HubSID.(string)
	if !ok || hubSID == "" {
		writeError(w, http.StatusBadRequest, "hub_sid must be a non-empty string")
		return
	}
	s.sup.StopRoom(hubSID)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"hub_sid":      hubSID,
		"runner_state": StateStopped,
	})
}

type chatRequest struct {
	HubSID  string `json:"hub_sid"`
	BotID   string `json:"bot_id"`
	Message string `json:"message"`
	Context any    `json:"context,omitempty"`
}

// handleChat enforces CHAT_RATE_LIMIT_MS per room (SPEC_FULL.md §12); the
// LLM-backed reply itself is out of scope (§4 Non-goals) and stubbed.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.HubSID == "" || req.BotID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "hub_sid, bot_id, and message are required")
		return
	}

	if !s.chatLimiter(req.HubSID).Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reply":  "",
		"action": nil,
	})
}

func (s *Server) chatLimiter(hubSID string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	lim, ok := s.limiters[hubSID]
	if !ok {
		interval := rate.Every(msToDuration(s.cfg.ChatRateLimitMS))
		lim = rate.NewLimiter(interval, 1)
		s.limiters[hubSID] = lim
	}
	return lim
}

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
