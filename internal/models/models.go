package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxContentLength is the maximum message length in runes
	MaxContentLength = 4000

	// DefaultHistoryLimit is the page size used when a caller does not ask for one
	DefaultHistoryLimit = 50

	// MaxHistoryLimit caps a single history page
	MaxHistoryLimit = 200
)

// Identity is the authenticated user attached to a connection at handshake
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// Validate validates an Identity
func (i *Identity) Validate() error {
	if i == nil || strings.TrimSpace(i.UserID) == "" {
		return ErrUnauthenticated
	}
	return nil
}

// Room is a named channel that scopes message history and live membership
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a durable chat message owned by the persistence layer
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	AuthorID  string    `json:"authorId"`
	Author    Identity  `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PageOptions bounds a history query. Before is a message ID cursor; only
// messages created strictly before it are returned.
type PageOptions struct {
	Limit  int    `json:"limit,omitempty"`
	Before string `json:"before,omitempty"`
}

// Normalize clamps the page limit into range
func (p PageOptions) Normalize() PageOptions {
	if p.Limit <= 0 {
		p.Limit = DefaultHistoryLimit
	}
	if p.Limit > MaxHistoryLimit {
		p.Limit = MaxHistoryLimit
	}
	return p
}

// ValidateRoomID validates a room identifier
func ValidateRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return ErrInvalidRoomID
	}
	return nil
}

// ValidateMessageID validates a message identifier
func ValidateMessageID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidMessageID
	}
	return nil
}

// NormalizeContent trims message content and checks its length
func NormalizeContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}
