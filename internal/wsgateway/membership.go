package wsgateway

import (
	"sort"
	"sync"
)

// JoinResult describes the outcome of MembershipTable.Join
type JoinResult struct {
	Members   []string
	Joined    bool // false when the connection was already in the room
	UserAdded bool // true when the user had no other connection in the room
}

// LeaveResult describes the outcome of MembershipTable.Leave
type LeaveResult struct {
	Members     []string
	Left        bool
	UserRemoved bool
}

// Departure is one room a closing connection was removed from
type Departure struct {
	RoomID      string
	UserID      string
	Members     []string
	UserRemoved bool
}

// MembershipTable tracks which users are present in which rooms. A user is a
// member while at least one of their connections is joined.
type MembershipTable struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]map[string]struct{} // room_id -> user_id -> connection_ids
	byConn map[string]map[string]string              // connection_id -> room_id -> user_id
}

// NewMembershipTable creates an empty table
func NewMembershipTable() *MembershipTable {
	return &MembershipTable{
		rooms:  make(map[string]map[string]map[string]struct{}),
		byConn: make(map[string]map[string]string),
	}
}

// Join records connID of userID as present in roomID
func (t *MembershipTable) Join(roomID string, userID string, connID string) JoinResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, joined := t.byConn[connID][roomID]; joined {
		return JoinResult{Members: t.membersLocked(roomID)}
	}

	room := t.rooms[roomID]
	if room == nil {
		room = make(map[string]map[string]struct{})
		t.rooms[roomID] = room
	}
	conns := room[userID]
	userAdded := len(conns) == 0
	if conns == nil {
		conns = make(map[string]struct{})
		room[userID] = conns
	}
	conns[connID] = struct{}{}

	if t.byConn[connID] == nil {
		t.byConn[connID] = make(map[string]string)
	}
	t.byConn[connID][roomID] = userID

	return JoinResult{
		Members:   t.membersLocked(roomID),
		Joined:    true,
		UserAdded: userAdded,
	}
}

// Leave removes connID from roomID. The user stays a member while another of
// their connections remains joined.
func (t *MembershipTable) Leave(roomID string, userID string, connID string) LeaveResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	boundUser, joined := t.byConn[connID][roomID]
	if !joined {
		return LeaveResult{Members: t.membersLocked(roomID)}
	}
	if boundUser != "" {
		userID = boundUser
	}

	removed := t.removeLocked(roomID, userID, connID)
	return LeaveResult{
		Members:     t.membersLocked(roomID),
		Left:        true,
		UserRemoved: removed,
	}
}

// RemoveConnection drops connID from every room it joined. Departures are
// ordered by room id.
func (t *MembershipTable) RemoveConnection(connID string) []Departure {
	t.mu.Lock()
	defer t.mu.Unlock()

	joined := t.byConn[connID]
	if len(joined) == 0 {
		delete(t.byConn, connID)
		return nil
	}

	roomIDs := make([]string, 0, len(joined))
	for roomID := range joined {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)

	departures := make([]Departure, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		userID := joined[roomID]
		removed := t.removeLocked(roomID, userID, connID)
		departures = append(departures, Departure{
			RoomID:      roomID,
			UserID:      userID,
			Members:     t.membersLocked(roomID),
			UserRemoved: removed,
		})
	}
	return departures
}

// removeLocked reports whether userID lost their last connection in roomID
func (t *MembershipTable) removeLocked(roomID string, userID string, connID string) bool {
	if rooms, ok := t.byConn[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(t.byConn, connID)
		}
	}

	room := t.rooms[roomID]
	if room == nil {
		return false
	}
	conns := room[userID]
	delete(conns, connID)
	if len(conns) > 0 {
		return false
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(t.rooms, roomID)
	}
	return true
}

func (t *MembershipTable) membersLocked(roomID string) []string {
	room := t.rooms[roomID]
	members := make([]string, 0, len(room))
	for userID := range room {
		members = append(members, userID)
	}
	sort.Strings(members)
	return members
}

// MembersOf returns the sorted user ids present in roomID
func (t *MembershipTable) MembersOf(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.membersLocked(roomID)
}

// IsJoined reports whether connID is joined to roomID
func (t *MembershipTable) IsJoined(roomID string, connID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byConn[connID][roomID]
	return ok
}

// RoomsOf returns the sorted rooms connID is joined to
func (t *MembershipTable) RoomsOf(connID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rooms := make([]string, 0, len(t.byConn[connID]))
	for roomID := range t.byConn[connID] {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// Rooms returns the number of occupied rooms
func (t *MembershipTable) Rooms() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}

// RoomIDs returns the sorted ids of occupied rooms
func (t *MembershipTable) RoomIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.rooms))
	for roomID := range t.rooms {
		ids = append(ids, roomID)
	}
	sort.Strings(ids)
	return ids
}
