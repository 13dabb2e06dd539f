package wsgateway

import (
	"fmt"
	"sync"

	"github.com/mohamedkhairy/chat-gateway/internal/models"
)

const (
	userGroupPrefix = "user:"
	roomGroupPrefix = "room:"
)

// UserGroup is the private broadcast group every connection of userID joins on registration
func UserGroup(userID string) string {
	return userGroupPrefix + userID
}

// RoomGroup is the broadcast group for connections joined to roomID
func RoomGroup(roomID string) string {
	return roomGroupPrefix + roomID
}

// ConnectionRegistry manages all authenticated WebSocket connections and
// the broadcast groups they subscribe to
type ConnectionRegistry struct {
	connections   map[string]*Connection            // connection_id -> connection
	byUser        map[string]map[string]*Connection // user_id -> connection_id -> connection
	groups        map[string]map[string]*Connection // group -> connection_id -> connection
	subscriptions map[string]map[string]struct{}    // connection_id -> groups
	mu            sync.RWMutex
}

// NewConnectionRegistry creates a new connection registry
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		connections:   make(map[string]*Connection),
		byUser:        make(map[string]map[string]*Connection),
		groups:        make(map[string]map[string]*Connection),
		subscriptions: make(map[string]map[string]struct{}),
	}
}

// Register admits conn under identity and returns its handle. The identity is
// bound to the connection for its lifetime.
func (r *ConnectionRegistry) Register(conn *Connection, identity *models.Identity) (string, error) {
	if err := identity.Validate(); err != nil {
		return "", err
	}
	if err := conn.bindIdentity(*identity); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID]; exists {
		return "", fmt.Errorf("%w: connection %s already registered", models.ErrValidation, conn.ID)
	}

	r.connections[conn.ID] = conn
	if r.byUser[identity.UserID] == nil {
		r.byUser[identity.UserID] = make(map[string]*Connection)
	}
	r.byUser[identity.UserID][conn.ID] = conn
	r.subscriptions[conn.ID] = make(map[string]struct{})
	r.subscribeLocked(conn, UserGroup(identity.UserID))

	return conn.ID, nil
}

// Remove drops a connection and all of its group subscriptions. It returns
// false when the handle was not registered, so repeated calls are no-ops.
func (r *ConnectionRegistry) Remove(handle string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[handle]
	if !exists {
		return nil, false
	}

	delete(r.connections, handle)

	userID := conn.Identity().UserID
	if userConns, exists := r.byUser[userID]; exists {
		delete(userConns, handle)
		if len(userConns) == 0 {
			delete(r.byUser, userID)
		}
	}

	for group := range r.subscriptions[handle] {
		r.unsubscribeLocked(handle, group)
	}
	delete(r.subscriptions, handle)

	return conn, true
}

// Lookup returns the identity bound to handle
func (r *ConnectionRegistry) Lookup(handle string) (models.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[handle]
	if !exists {
		return models.Identity{}, fmt.Errorf("connection %s: %w", handle, models.ErrNotFound)
	}
	return conn.Identity(), nil
}

// Subscribe adds handle to group
func (r *ConnectionRegistry) Subscribe(handle string, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[handle]
	if !exists {
		return fmt.Errorf("connection %s: %w", handle, models.ErrNotFound)
	}
	r.subscribeLocked(conn, group)
	return nil
}

// Unsubscribe removes handle from group. Unknown handles and groups are ignored.
func (r *ConnectionRegistry) Unsubscribe(handle string, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(handle, group)
}

func (r *ConnectionRegistry) subscribeLocked(conn *Connection, group string) {
	members := r.groups[group]
	if members == nil {
		members = make(map[string]*Connection)
		r.groups[group] = members
	}
	members[conn.ID] = conn
	r.subscriptions[conn.ID][group] = struct{}{}
}

func (r *ConnectionRegistry) unsubscribeLocked(handle string, group string) {
	if members, exists := r.groups[group]; exists {
		delete(members, handle)
		if len(members) == 0 {
			delete(r.groups, group)
		}
	}
	if subs, exists := r.subscriptions[handle]; exists {
		delete(subs, group)
	}
}

// Group returns a snapshot of the connections subscribed to group
func (r *ConnectionRegistry) Group(group string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.groups[group]
	conns := make([]*Connection, 0, len(members))
	for _, conn := range members {
		conns = append(conns, conn)
	}
	return conns
}

// GetAll returns all connections
func (r *ConnectionRegistry) GetAll() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the total number of connections
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CountByUser returns the number of connections for a user
func (r *ConnectionRegistry) CountByUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userConns, exists := r.byUser[userID]
	if !exists {
		return 0
	}
	return len(userConns)
}
