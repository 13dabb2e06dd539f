package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mohamedkhairy/chat-gateway/internal/models"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// Connection represents a WebSocket connection with a client
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	identity      models.Identity
	authenticated bool
	closing       bool
	mu            sync.RWMutex

	// cmdMu serializes the commands of this connection with its teardown
	cmdMu sync.Mutex

	ctx         context.Context
	cancel      context.CancelFunc
	sendTimeout time.Duration
	lastPong    time.Time
	createdAt   time.Time

	flush     chan struct{}
	flushOnce sync.Once
	closeOnce sync.Once
}

// NewConnection creates a new, unauthenticated connection. conn may be nil
// when the connection is driven without a socket.
func NewConnection(id string, conn *websocket.Conn, bufferSize int, sendTimeout time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if sendTimeout <= 0 {
		sendTimeout = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Connection{
		ID:          id,
		Conn:        conn,
		Send:        make(chan []byte, bufferSize),
		ctx:         ctx,
		cancel:      cancel,
		sendTimeout: sendTimeout,
		lastPong:    now,
		createdAt:   now,
		flush:       make(chan struct{}),
	}
}

func (c *Connection) bindIdentity(identity models.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return ErrConnectionClosed
	}
	if c.authenticated {
		return fmt.Errorf("%w: connection %s already authenticated", models.ErrValidation, c.ID)
	}
	c.identity = identity
	c.authenticated = true
	return nil
}

// Identity returns the identity bound at registration
func (c *Connection) Identity() models.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// UserID returns the authenticated user id, or "" while pending
func (c *Connection) UserID() string {
	return c.Identity().UserID
}

// Authenticated reports whether an identity has been bound
func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// Context is canceled when the connection starts closing
func (c *Connection) Context() context.Context {
	return c.ctx
}

// UpdateLastPong updates the last pong time
func (c *Connection) UpdateLastPong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = time.Now()
}

// GetLastPong returns the last pong time
func (c *Connection) GetLastPong() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPong
}

// CreatedAt returns when the connection was accepted
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// markClosing flips the connection into its terminal state and cancels its
// context. Only the first caller gets true.
func (c *Connection) markClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return false
	}
	c.closing = true
	c.cancel()
	return true
}

// IsClosing reports whether teardown has started
func (c *Connection) IsClosing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closing
}

// Close releases the socket. The Send channel is left open; writers observe
// the canceled context instead.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}

// CloseAfterFlush asks the write pump to drain queued frames, send a close
// frame and shut the connection down
func (c *Connection) CloseAfterFlush() {
	c.flushOnce.Do(func() {
		close(c.flush)
	})
}

// enqueue places a frame on the send buffer, waiting at most sendTimeout
// when the buffer is full
func (c *Connection) enqueue(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.Send <- data:
		return nil
	default:
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()

	select {
	case c.Send <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	case <-timer.C:
		return ErrSendBufferFull
	}
}

// SendSuccess sends a command result to the connection
func (c *Connection) SendSuccess(action string, requestID string, data interface{}) error {
	return c.sendMessage(ServerMessage{
		Type:      EventSuccess,
		Action:    action,
		RequestID: requestID,
		Data:      data,
	})
}

// SendError sends a command failure to the connection
func (c *Connection) SendError(command string, requestID string, code string, message string) error {
	return c.sendMessage(ServerMessage{
		Type:      EventError,
		Command:   command,
		RequestID: requestID,
		Code:      code,
		Message:   message,
	})
}

// SendPong answers a ping command
func (c *Connection) SendPong(requestID string) error {
	return c.sendMessage(ServerMessage{
		Type:      EventPong,
		RequestID: requestID,
	})
}

func (c *Connection) sendMessage(msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}
