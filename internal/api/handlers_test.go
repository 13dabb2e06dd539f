package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

type fakePresence struct {
	rooms map[string][]string
}

func (f *fakePresence) RoomMembers(roomID string) []string {
	members, ok := f.rooms[roomID]
	if !ok {
		return []string{}
	}
	return members
}

func (f *fakePresence) ActiveRooms() []string {
	ids := make([]string, 0, len(f.rooms))
	for _, id := range []string{"general", "random"} {
		if _, ok := f.rooms[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func newPresenceRouter(source PresenceSource) *mux.Router {
	handler := NewPresenceHandler(source)
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/rooms", handler.ListRooms).Methods("GET")
	router.HandleFunc("/api/v1/rooms/{roomId}/members", handler.GetRoomMembers).Methods("GET")
	return router
}

func TestPresenceHandler_ListRooms(t *testing.T) {
	router := newPresenceRouter(&fakePresence{rooms: map[string][]string{
		"general": {"alice", "bob"},
		"random":  {"carol"},
	}})

	req := httptest.NewRequest("GET", "/api/v1/rooms", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response struct {
		Rooms []RoomPresence `json:"rooms"`
		Count int            `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	if response.Count != 2 || len(response.Rooms) != 2 {
		t.Fatalf("Expected 2 rooms, got %d", response.Count)
	}
	if response.Rooms[0].RoomID != "general" || response.Rooms[0].Count != 2 {
		t.Errorf("Unexpected first room: %+v", response.Rooms[0])
	}
}

func TestPresenceHandler_ListRooms_Empty(t *testing.T) {
	router := newPresenceRouter(&fakePresence{rooms: map[string][]string{}})

	req := httptest.NewRequest("GET", "/api/v1/rooms", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	rooms, ok := response["rooms"].([]interface{})
	if !ok {
		t.Fatal("Expected 'rooms' array in response, not null")
	}
	if len(rooms) != 0 {
		t.Errorf("Expected no rooms, got %d", len(rooms))
	}
}

func TestPresenceHandler_GetRoomMembers(t *testing.T) {
	router := newPresenceRouter(&fakePresence{rooms: map[string][]string{
		"general": {"alice", "bob"},
	}})

	req := httptest.NewRequest("GET", "/api/v1/rooms/general/members", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var room RoomPresence
	if err := json.Unmarshal(w.Body.Bytes(), &room); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if room.RoomID != "general" || room.Count != 2 {
		t.Errorf("Unexpected room presence: %+v", room)
	}
	if room.Members[0] != "alice" || room.Members[1] != "bob" {
		t.Errorf("Expected [alice bob], got %v", room.Members)
	}
}

func TestPresenceHandler_GetRoomMembers_UnknownRoom(t *testing.T) {
	router := newPresenceRouter(&fakePresence{rooms: map[string][]string{}})

	req := httptest.NewRequest("GET", "/api/v1/rooms/ghost/members", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var room RoomPresence
	if err := json.Unmarshal(w.Body.Bytes(), &room); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if room.Count != 0 || len(room.Members) != 0 {
		t.Errorf("Expected empty presence, got %+v", room)
	}
}

func TestPresenceHandler_GetRoomMembers_MissingVar(t *testing.T) {
	handler := NewPresenceHandler(&fakePresence{})

	req := httptest.NewRequest("GET", "/api/v1/rooms//members", nil)
	w := httptest.NewRecorder()
	handler.GetRoomMembers(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHealthHandler_Health(t *testing.T) {
	handler := NewHealthHandler(nil, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	handler.Health(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	req = httptest.NewRequest("GET", "/live", nil)
	w = httptest.NewRecorder()
	handler.Live(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestHealthHandler_Ready(t *testing.T) {
	healthy := func(ctx context.Context) error { return nil }
	broken := func(ctx context.Context) error { return errors.New("connection refused") }

	handler := NewHealthHandler(map[string]ReadinessCheck{"store": healthy}, nil)
	w := httptest.NewRecorder()
	handler.Ready(w, httptest.NewRequest("GET", "/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	handler = NewHealthHandler(map[string]ReadinessCheck{"store": healthy, "redis": broken}, nil)
	w = httptest.NewRecorder()
	handler.Ready(w, httptest.NewRequest("GET", "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var response struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.Checks["store"] != "ok" {
		t.Errorf("Expected store check ok, got %q", response.Checks["store"])
	}
	if response.Checks["redis"] != "connection refused" {
		t.Errorf("Expected redis failure to be reported, got %q", response.Checks["redis"])
	}
}

func TestHealthHandler_Stats(t *testing.T) {
	handler := NewHealthHandler(nil, func() interface{} {
		return map[string]int{"activeConnections": 3}
	})

	w := httptest.NewRecorder()
	handler.Stats(w, httptest.NewRequest("GET", "/stats", nil))

	var stats map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if stats["activeConnections"] != 3 {
		t.Errorf("Expected 3 active connections, got %d", stats["activeConnections"])
	}
}
