package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"chatrelay/internal/presence"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// HealthChecker is the slice of the store the health endpoint needs.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionCounter reports live connection totals for health output.
type ConnectionCounter interface {
	Count() int
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// Server is the HTTP surface next to the websocket gateway: a health
// check and the paginated room history endpoint that the sync path
// defers older messages to.
type Server struct {
	messages interfaces.MessageStore
	members  interfaces.MembershipStore
	verifier interfaces.IdentityVerifier
	health   HealthChecker
	presence *presence.Tracker
	conns    ConnectionCounter
	router   *http.ServeMux
	log      *logrus.Entry
}

// NewServer wires the API routes.
func NewServer(
	messages interfaces.MessageStore,
	members interfaces.MembershipStore,
	verifier interfaces.IdentityVerifier,
	health HealthChecker,
	tracker *presence.Tracker,
	conns ConnectionCounter,
) *Server {
	s := &Server{
		messages: messages,
		members:  members,
		verifier: verifier,
		health:   health,
		presence: tracker,
		conns:    conns,
		router:   http.NewServeMux(),
		log:      logrus.WithField("component", "api"),
	}
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/api/rooms/", s.handleRooms)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type healthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections int            `json:"connections"`
	Presence    map[string]int `json:"presence"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC(),
		Database:    "ok",
		Connections: s.conns.Count(),
		Presence:    s.presence.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.health.HealthCheck(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = "unavailable"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.WithError(err).Debug("response encode failed")
	}
}

// handleRooms serves GET /api/rooms/{id}/messages with before/limit
// pagination, newest first. The caller must present the same bearer
// credential as the socket surface and be a member of the room.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "messages" || !types.IsValidID(parts[0]) {
		s.sendError(w, "not found", http.StatusNotFound)
		return
	}
	roomID := parts[0]

	id, err := s.verifier.Verify(bearerToken(r))
	if err != nil {
		s.sendError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	member, err := s.members.IsMember(r.Context(), id.UserID, roomID)
	if err != nil {
		s.sendError(w, "membership check failed", http.StatusInternalServerError)
		return
	}
	if !member {
		s.sendError(w, "not a room member", http.StatusForbidden)
		return
	}

	before := time.Now().UTC()
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.sendError(w, "invalid before cursor", http.StatusBadRequest)
			return
		}
		before = parsed
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.sendError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if parsed > maxHistoryLimit {
			parsed = maxHistoryLimit
		}
		limit = parsed
	}

	messages, err := s.messages.MessagesBefore(r.Context(), roomID, before, limit)
	if err != nil {
		s.log.WithField("room_id", roomID).WithError(err).Error("history query failed")
		s.sendError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*types.Message{}
	}

	s.sendJSON(w, map[string]interface{}{"messages": messages})
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) sendJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Debug("response encode failed")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
		"code":  code,
	})
}
