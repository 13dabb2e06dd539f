package storage

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"sync"
)

// PubSubMessage is a message captured by MockRedisClient.Publish
type PubSubMessage struct {
	Channel string
	Message string
}

// MockRedisClient is an in-memory implementation of RedisClient for testing
type MockRedisClient struct {
	mu         sync.Mutex
	Sets       map[string]map[string]struct{}
	Published  []PubSubMessage
	PublishErr error
	SetErr     error
	PingErr    error
}

func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{
		Sets: make(map[string]map[string]struct{}),
	}
}

func (m *MockRedisClient) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.Sets, key)
	}
	return nil
}

func (m *MockRedisClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.Sets {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// SetMembers returns the sorted members stored under key
func (m *MockRedisClient) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]string, 0, len(m.Sets[key]))
	for member := range m.Sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *MockRedisClient) ReplaceSet(ctx context.Context, key string, members []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetErr != nil {
		return m.SetErr
	}
	delete(m.Sets, key)
	if len(members) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(members))
	for _, member := range members {
		set[member] = struct{}{}
	}
	m.Sets[key] = set
	return nil
}

func (m *MockRedisClient) Publish(ctx context.Context, channel string, message interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	// Marshal to JSON like the real implementation
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	m.Published = append(m.Published, PubSubMessage{Channel: channel, Message: string(data)})
	return nil
}

// PublishedMessages returns a copy of everything published so far
func (m *MockRedisClient) PublishedMessages() []PubSubMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PubSubMessage, len(m.Published))
	copy(out, m.Published)
	return out
}

func (m *MockRedisClient) Ping(ctx context.Context) error {
	return m.PingErr
}

func (m *MockRedisClient) Close() error {
	return nil
}
