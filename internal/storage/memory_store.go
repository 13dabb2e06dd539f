package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohamedkhairy/chat-gateway/internal/models"
)

type memoryRoom struct {
	room         models.Room
	participants map[string]struct{}
	messages     []*models.Message // oldest first
}

// MemoryMessageStore is an in-process MessageStore. With openRooms set, rooms
// are created on first use and every user is treated as a participant.
type MemoryMessageStore struct {
	mu        sync.RWMutex
	rooms     map[string]*memoryRoom
	messages  map[string]*models.Message
	openRooms bool
	now       func() time.Time
}

// NewMemoryMessageStore creates an empty in-memory store
func NewMemoryMessageStore(openRooms bool) *MemoryMessageStore {
	return &MemoryMessageStore{
		rooms:     make(map[string]*memoryRoom),
		messages:  make(map[string]*models.Message),
		openRooms: openRooms,
		now:       time.Now,
	}
}

// CreateRoom registers a room. The owner is always a participant.
func (s *MemoryMessageStore) CreateRoom(ctx context.Context, room *models.Room, participants ...string) error {
	if err := models.ValidateRoomID(room.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.ID]; exists {
		return fmt.Errorf("%w: room %s already exists", models.ErrValidation, room.ID)
	}
	r := room
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	entry := &memoryRoom{
		room:         *r,
		participants: make(map[string]struct{}, len(participants)+1),
	}
	entry.participants[r.OwnerID] = struct{}{}
	for _, userID := range participants {
		entry.participants[userID] = struct{}{}
	}
	s.rooms[r.ID] = entry
	return nil
}

// AddParticipant grants userID access to roomID
func (s *MemoryMessageStore) AddParticipant(ctx context.Context, roomID string, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.rooms[roomID]
	if !ok {
		return models.ErrRoomNotFound
	}
	entry.participants[userID] = struct{}{}
	return nil
}

// participantRoom resolves roomID for userID. Caller holds the write lock when
// the store runs with open rooms, since the room may be created here.
func (s *MemoryMessageStore) participantRoom(roomID string, userID string) (*memoryRoom, error) {
	entry, ok := s.rooms[roomID]
	if !ok {
		if !s.openRooms {
			return nil, models.ErrRoomNotFound
		}
		entry = &memoryRoom{
			room:         models.Room{ID: roomID, Name: roomID, OwnerID: userID, CreatedAt: s.now().UTC()},
			participants: make(map[string]struct{}),
		}
		s.rooms[roomID] = entry
	}
	if _, ok := entry.participants[userID]; !ok {
		if !s.openRooms {
			return nil, models.ErrNotParticipant
		}
		entry.participants[userID] = struct{}{}
	}
	return entry, nil
}

func (s *MemoryMessageStore) CreateMessage(ctx context.Context, author models.Identity, roomID string, content string) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	if err := models.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	normalized, err := models.NormalizeContent(content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.participantRoom(roomID, author.UserID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	msg := &models.Message{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		AuthorID:  author.UserID,
		Author:    author,
		Content:   normalized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	entry.messages = append(entry.messages, msg)
	s.messages[msg.ID] = msg

	out := *msg
	return &out, nil
}

func (s *MemoryMessageStore) ListMessages(ctx context.Context, roomID string, requesterID string, page models.PageOptions) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	if err := models.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	page = page.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.participantRoom(roomID, requesterID)
	if err != nil {
		return nil, err
	}

	end := len(entry.messages)
	if page.Before != "" {
		end = -1
		for i, msg := range entry.messages {
			if msg.ID == page.Before {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, models.ErrMessageNotFound
		}
	}
	start := end - page.Limit
	if start < 0 {
		start = 0
	}

	result := make([]*models.Message, 0, end-start)
	for _, msg := range entry.messages[start:end] {
		out := *msg
		result = append(result, &out)
	}
	return result, nil
}

func (s *MemoryMessageStore) GetMessage(ctx context.Context, id string, requesterID string) (*models.Message, error) {
	if err := models.ValidateMessageID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, models.ErrMessageNotFound
	}
	entry := s.rooms[msg.RoomID]
	if _, ok := entry.participants[requesterID]; !ok && !s.openRooms {
		return nil, models.ErrNotParticipant
	}
	out := *msg
	return &out, nil
}

func (s *MemoryMessageStore) UpdateMessage(ctx context.Context, id string, requesterID string, content string) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	if err := models.ValidateMessageID(id); err != nil {
		return nil, err
	}
	normalized, err := models.NormalizeContent(content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, models.ErrMessageNotFound
	}
	if msg.AuthorID != requesterID {
		return nil, models.ErrNotAuthor
	}
	msg.Content = normalized
	msg.UpdatedAt = s.now().UTC()

	out := *msg
	return &out, nil
}

func (s *MemoryMessageStore) DeleteMessage(ctx context.Context, id string, requesterID string) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	if err := models.ValidateMessageID(id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, models.ErrMessageNotFound
	}
	entry := s.rooms[msg.RoomID]
	if msg.AuthorID != requesterID && entry.room.OwnerID != requesterID {
		return nil, fmt.Errorf("%w: only the author or the room owner may delete this message", models.ErrForbidden)
	}

	delete(s.messages, id)
	for i, m := range entry.messages {
		if m.ID == id {
			entry.messages = append(entry.messages[:i], entry.messages[i+1:]...)
			break
		}
	}
	out := *msg
	return &out, nil
}

func (s *MemoryMessageStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryMessageStore) Close() error {
	return nil
}
