package storage

import (
	"context"

	"github.com/mohamedkhairy/chat-gateway/internal/models"
)

// MessageStore is the persistence collaborator of the gateway. Implementations
// own authorization for message resources and report failures wrapped in the
// models error classes.
type MessageStore interface {
	// CreateMessage stores a new message authored by author in roomID
	CreateMessage(ctx context.Context, author models.Identity, roomID string, content string) (*models.Message, error)

	// ListMessages returns a page of room history ordered oldest to newest.
	// Fails with ErrForbidden when requesterID is not a room participant.
	ListMessages(ctx context.Context, roomID string, requesterID string, page models.PageOptions) ([]*models.Message, error)

	// GetMessage retrieves a single message visible to requesterID
	GetMessage(ctx context.Context, id string, requesterID string) (*models.Message, error)

	// UpdateMessage replaces the content of a message. Author only.
	UpdateMessage(ctx context.Context, id string, requesterID string, content string) (*models.Message, error)

	// DeleteMessage removes a message and returns the removed record.
	// Allowed for the author or the room owner.
	DeleteMessage(ctx context.Context, id string, requesterID string) (*models.Message, error)

	// Close closes the storage connection
	Close() error
}

// Pinger is implemented by backends that can report their reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisClient defines the Redis operations used by the presence mirror
type RedisClient interface {
	// Key operations
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Set operations
	ReplaceSet(ctx context.Context, key string, members []string) error

	// Pub/Sub operations
	Publish(ctx context.Context, channel string, message interface{}) error

	// Ping checks the connection
	Ping(ctx context.Context) error

	// Close closes the Redis connection
	Close() error
}
