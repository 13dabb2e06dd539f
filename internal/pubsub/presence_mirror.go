package pubsub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mohamedkhairy/chat-gateway/internal/storage"
	"github.com/mohamedkhairy/chat-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	presenceMirrorWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_mirror_writes_total",
			Help: "Total number of room presence snapshots mirrored to Redis",
		},
		[]string{"status"}, // "success" or "error"
	)
)

// PresenceUpdate is the payload published on the presence topic
type PresenceUpdate struct {
	RoomID    string   `json:"roomId"`
	Members   []string `json:"members"`
	Timestamp int64    `json:"timestamp"`
}

// RedisPresenceMirror copies room membership snapshots into Redis sets
// (<prefix><roomId>) and announces each change on a pub/sub topic, so services
// outside the gateway can read presence without talking to it.
type RedisPresenceMirror struct {
	redis   storage.RedisClient
	prefix  string
	topic   string
	timeout time.Duration
}

// NewRedisPresenceMirror creates a presence mirror
func NewRedisPresenceMirror(redis storage.RedisClient, prefix string, topic string) *RedisPresenceMirror {
	return &RedisPresenceMirror{
		redis:   redis,
		prefix:  prefix,
		topic:   topic,
		timeout: 2 * time.Second,
	}
}

// Key returns the Redis key holding the members of roomID
func (m *RedisPresenceMirror) Key(roomID string) string {
	return m.prefix + roomID
}

// RoomMembersChanged mirrors the current member set of a room
func (m *RedisPresenceMirror) RoomMembersChanged(ctx context.Context, roomID string, members []string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.redis.ReplaceSet(ctx, m.Key(roomID), members); err != nil {
		presenceMirrorWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to mirror presence for room %s: %w", roomID, err)
	}

	update := PresenceUpdate{
		RoomID:    roomID,
		Members:   members,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := m.redis.Publish(ctx, m.topic, update); err != nil {
		presenceMirrorWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish presence for room %s: %w", roomID, err)
	}

	presenceMirrorWrites.WithLabelValues("success").Inc()
	return nil
}

// Reset removes every room key under the mirror prefix. Called at startup so
// snapshots left behind by a previous process do not linger.
func (m *RedisPresenceMirror) Reset(ctx context.Context) error {
	rooms, err := m.RoomIDs(ctx)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		return nil
	}
	keys := make([]string, 0, len(rooms))
	for _, roomID := range rooms {
		keys = append(keys, m.Key(roomID))
	}
	if err := m.redis.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to clear presence keys: %w", err)
	}
	logger.Info("Cleared stale presence keys",
		logger.Int("count", len(keys)),
		logger.String("prefix", m.prefix),
	)
	return nil
}

// RoomIDs lists rooms that currently have a mirrored snapshot
func (m *RedisPresenceMirror) RoomIDs(ctx context.Context) ([]string, error) {
	keys, err := m.redis.Keys(ctx, m.prefix+"*")
	if err != nil {
		return nil, err
	}
	rooms := make([]string, 0, len(keys))
	for _, key := range keys {
		rooms = append(rooms, strings.TrimPrefix(key, m.prefix))
	}
	return rooms, nil
}
