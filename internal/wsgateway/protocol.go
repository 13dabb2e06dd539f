package wsgateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mohamedkhairy/chat-gateway/internal/models"
)

// Inbound commands
const (
	CommandAuthenticate   = "authenticate"
	CommandJoinRoom       = "joinRoom"
	CommandLeaveRoom      = "leaveRoom"
	CommandSendMessage    = "sendMessage"
	CommandUpdateMessage  = "updateMessage"
	CommandDeleteMessage  = "deleteMessage"
	CommandGetRoomMembers = "getRoomMembers"
	CommandPing           = "ping"
)

// Outbound events
const (
	EventMessageHistory = "messageHistory"
	EventRoomMembers    = "roomMembers"
	EventUserJoined     = "userJoined"
	EventUserLeft       = "userLeft"
	EventNewMessage     = "newMessage"
	EventMessageUpdated = "messageUpdated"
	EventMessageDeleted = "messageDeleted"
	EventSuccess        = "success"
	EventError          = "error"
	EventPong           = "pong"
)

// Error codes carried by error frames
const (
	CodeUnauthenticated  = "unauthenticated"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeValidation       = "validation_error"
	CodeTransientFailure = "transient_failure"
	CodeInternal         = "internal_error"
)

// ClientMessage represents a command from the client
type ClientMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ServerMessage represents an event or command result sent to the client
type ServerMessage struct {
	Type      string      `json:"type"`
	Action    string      `json:"action,omitempty"`
	Command   string      `json:"command,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	RoomID    string      `json:"roomId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// SendMessageRequest is the sendMessage payload
type SendMessageRequest struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

// UpdateMessageRequest is the updateMessage payload
type UpdateMessageRequest struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// RoomMembersPayload is a roomMembers event. It is encoded with the member
// sequence as data and the room id on the frame itself.
type RoomMembersPayload struct {
	RoomID  string
	Members []string
}

// PresencePayload is the userJoined and userLeft event body
type PresencePayload struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

// MessageDeletedPayload is the messageDeleted event body
type MessageDeletedPayload struct {
	ID     string `json:"id"`
	RoomID string `json:"roomId"`
}

func encodeEvent(event string, payload interface{}) ([]byte, error) {
	msg := ServerMessage{Type: event, Data: payload}
	if p, ok := payload.(RoomMembersPayload); ok {
		members := p.Members
		if members == nil {
			members = []string{}
		}
		msg.RoomID = p.RoomID
		msg.Data = members
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	return data, nil
}

// decodeID accepts either a bare JSON string or an object carrying field
func decodeID(raw json.RawMessage, field string) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: %s is required", models.ErrValidation, field)
	}

	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id), nil
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("%w: malformed payload", models.ErrValidation)
	}
	value, ok := obj[field].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is required", models.ErrValidation, field)
	}
	return strings.TrimSpace(value), nil
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: payload is required", models.ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: malformed payload", models.ErrValidation)
	}
	return nil
}

// ErrorCode maps an error to its wire code
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, models.ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, models.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, models.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, models.ErrValidation):
		return CodeValidation
	case errors.Is(err, models.ErrTransient):
		return CodeTransientFailure
	default:
		return CodeInternal
	}
}

// errorMessage is the client-facing text for err. Infrastructure details are
// kept out of the frame.
func errorMessage(err error) string {
	switch ErrorCode(err) {
	case CodeTransientFailure:
		return "temporary failure, retry later"
	case CodeInternal:
		return "internal error"
	default:
		return err.Error()
	}
}
