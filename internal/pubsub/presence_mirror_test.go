package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mohamedkhairy/chat-gateway/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPresenceMirror_RoomMembersChanged(t *testing.T) {
	mockRedis := storage.NewMockRedisClient()
	mirror := NewRedisPresenceMirror(mockRedis, "presence:room:", "presence.rooms")
	ctx := context.Background()

	require.NoError(t, mirror.RoomMembersChanged(ctx, "general", []string{"alice", "bob"}))

	members, err := mockRedis.SetMembers(ctx, mirror.Key("general"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	published := mockRedis.PublishedMessages()
	require.Len(t, published, 1)
	assert.Equal(t, "presence.rooms", published[0].Channel)

	var update PresenceUpdate
	require.NoError(t, json.Unmarshal([]byte(published[0].Message), &update))
	assert.Equal(t, "general", update.RoomID)
	assert.Equal(t, []string{"alice", "bob"}, update.Members)

	// Snapshot replaces, never merges
	require.NoError(t, mirror.RoomMembersChanged(ctx, "general", []string{"bob"}))
	members, err = mockRedis.SetMembers(ctx, mirror.Key("general"))
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, members)

	// Empty room removes the key
	require.NoError(t, mirror.RoomMembersChanged(ctx, "general", nil))
	rooms, err := mirror.RoomIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestRedisPresenceMirror_Errors(t *testing.T) {
	mockRedis := storage.NewMockRedisClient()
	mirror := NewRedisPresenceMirror(mockRedis, "presence:room:", "presence.rooms")

	mockRedis.SetErr = errors.New("redis down")
	assert.Error(t, mirror.RoomMembersChanged(context.Background(), "general", []string{"alice"}))

	mockRedis.SetErr = nil
	mockRedis.PublishErr = errors.New("redis down")
	assert.Error(t, mirror.RoomMembersChanged(context.Background(), "general", []string{"alice"}))
}

func TestRedisPresenceMirror_Reset(t *testing.T) {
	mockRedis := storage.NewMockRedisClient()
	mirror := NewRedisPresenceMirror(mockRedis, "presence:room:", "presence.rooms")
	ctx := context.Background()

	require.NoError(t, mirror.RoomMembersChanged(ctx, "a", []string{"alice"}))
	require.NoError(t, mirror.RoomMembersChanged(ctx, "b", []string{"bob"}))
	require.NoError(t, mockRedis.ReplaceSet(ctx, "other:key", []string{"x"}))

	rooms, err := mirror.RoomIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rooms)

	require.NoError(t, mirror.Reset(ctx))

	rooms, err = mirror.RoomIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)

	other, err := mockRedis.SetMembers(ctx, "other:key")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, other)
}
