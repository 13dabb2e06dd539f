package wsgateway

import (
	"sync/atomic"

	"github.com/mohamedkhairy/chat-gateway/pkg/logger"
)

// Broadcaster fans events out to broadcast groups. Delivery is best effort:
// a connection whose buffer stays full past its send timeout misses the event.
type Broadcaster struct {
	registry  *ConnectionRegistry
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewBroadcaster creates a broadcaster over registry
func NewBroadcaster(registry *ConnectionRegistry) *Broadcaster {
	return &Broadcaster{registry: registry}
}

// Emit delivers event to every connection subscribed to group at the time of
// the call and returns how many received it
func (b *Broadcaster) Emit(group string, event string, payload interface{}) int {
	return b.EmitTo(b.registry.Group(group), event, payload)
}

// EmitTo delivers event to an explicit set of connections
func (b *Broadcaster) EmitTo(conns []*Connection, event string, payload interface{}) int {
	if len(conns) == 0 {
		return 0
	}

	data, err := encodeEvent(event, payload)
	if err != nil {
		logger.Error("Failed to encode event",
			logger.ErrorField(err),
			logger.String("event", event),
		)
		return 0
	}

	sent := 0
	dropped := 0
	for _, conn := range conns {
		if err := conn.enqueue(data); err != nil {
			dropped++
			logger.Debug("Failed to deliver event to connection",
				logger.ErrorField(err),
				logger.String("event", event),
				logger.String("connection_id", conn.ID),
			)
			continue
		}
		sent++
	}

	b.delivered.Add(int64(sent))
	eventsDelivered.WithLabelValues(event).Add(float64(sent))
	if dropped > 0 {
		b.dropped.Add(int64(dropped))
		eventsDropped.WithLabelValues(event).Add(float64(dropped))
	}

	logger.Debug("Broadcast event",
		logger.String("event", event),
		logger.Int("sent", sent),
		logger.Int("dropped", dropped),
	)
	return sent
}

// SendTo delivers event to a single connection through the same accounting
func (b *Broadcaster) SendTo(conn *Connection, event string, payload interface{}) bool {
	return b.EmitTo([]*Connection{conn}, event, payload) == 1
}

// Delivered returns the number of events enqueued so far
func (b *Broadcaster) Delivered() int64 {
	return b.delivered.Load()
}

// Dropped returns the number of events dropped so far
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}
