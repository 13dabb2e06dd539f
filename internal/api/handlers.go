package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohamedkhairy/chat-gateway/internal/models"
	"github.com/mohamedkhairy/chat-gateway/pkg/logger"
)

// PresenceSource exposes the gateway's in-memory room presence
type PresenceSource interface {
	RoomMembers(roomID string) []string
	ActiveRooms() []string
}

// RoomPresence is one room in a presence listing
type RoomPresence struct {
	RoomID  string   `json:"roomId"`
	Members []string `json:"members"`
	Count   int      `json:"count"`
}

// PresenceHandler serves read-only room presence
type PresenceHandler struct {
	source PresenceSource
}

// NewPresenceHandler creates a new presence handler
func NewPresenceHandler(source PresenceSource) *PresenceHandler {
	return &PresenceHandler{source: source}
}

// ListRooms handles GET /api/v1/rooms
func (h *PresenceHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	roomIDs := h.source.ActiveRooms()
	rooms := make([]RoomPresence, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		members := h.source.RoomMembers(roomID)
		rooms = append(rooms, RoomPresence{RoomID: roomID, Members: members, Count: len(members)})
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
		"count": len(rooms),
	})
}

// GetRoomMembers handles GET /api/v1/rooms/{roomId}/members
func (h *PresenceHandler) GetRoomMembers(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	if err := models.ValidateRoomID(roomID); err != nil {
		respondWithError(w, http.StatusBadRequest, "Room id is required")
		return
	}

	members := h.source.RoomMembers(roomID)
	respondWithJSON(w, http.StatusOK, RoomPresence{RoomID: roomID, Members: members, Count: len(members)})
}

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctx context.Context) error

// HealthHandler serves liveness, readiness and stats endpoints
type HealthHandler struct {
	checks  map[string]ReadinessCheck
	stats   func() interface{}
	timeout time.Duration
}

// NewHealthHandler creates a health handler. stats may be nil.
func NewHealthHandler(checks map[string]ReadinessCheck, stats func() interface{}) *HealthHandler {
	if checks == nil {
		checks = make(map[string]ReadinessCheck)
	}
	return &HealthHandler{
		checks:  checks,
		stats:   stats,
		timeout: 2 * time.Second,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Live handles GET /live
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			ready = false
			results[name] = err.Error()
			logger.Warn("Readiness check failed",
				logger.String("check", name),
				logger.ErrorField(err),
			)
			continue
		}
		results[name] = "ok"
	}

	if !ready {
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not ready",
			"checks": results,
		})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"checks": results,
	})
}

// Stats handles GET /stats
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		respondWithJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	respondWithJSON(w, http.StatusOK, h.stats())
}
