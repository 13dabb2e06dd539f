package wsgateway

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohamedkhairy/chat-gateway/internal/models"
	"github.com/mohamedkhairy/chat-gateway/internal/storage"
	"github.com/mohamedkhairy/chat-gateway/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
)

const roomLockStripes = 64

// roomLocks orders presence changes per room. A stripe is held across the
// membership mutation and the enqueue of the resulting events, never across
// a store call.
type roomLocks struct {
	stripes [roomLockStripes]sync.Mutex
}

func (l *roomLocks) lock(roomIDs ...string) func() {
	seen := make(map[int]struct{}, len(roomIDs))
	idx := make([]int, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		h := fnv.New32a()
		h.Write([]byte(roomID))
		i := int(h.Sum32() % roomLockStripes)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)

	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}

// Dispatcher executes client commands against the message store and the
// membership table and fans the results out
type Dispatcher struct {
	registry       *ConnectionRegistry
	members        *MembershipTable
	broadcaster    *Broadcaster
	store          storage.MessageStore
	presence       *presenceSync
	locks          roomLocks
	commandTimeout time.Duration
	historyLimit   int

	handled     atomic.Int64
	failed      atomic.Int64
	lastCommand atomic.Int64
}

// NewDispatcher creates a dispatcher. commandTimeout bounds each store call.
func NewDispatcher(registry *ConnectionRegistry, members *MembershipTable, broadcaster *Broadcaster, store storage.MessageStore, commandTimeout time.Duration, historyLimit int) *Dispatcher {
	if commandTimeout <= 0 {
		commandTimeout = 5 * time.Second
	}
	if historyLimit <= 0 {
		historyLimit = models.DefaultHistoryLimit
	}
	return &Dispatcher{
		registry:       registry,
		members:        members,
		broadcaster:    broadcaster,
		store:          store,
		commandTimeout: commandTimeout,
		historyLimit:   historyLimit,
	}
}

// Dispatch runs one command for conn and delivers its result to conn only.
// Commands of one connection never run concurrently.
func (d *Dispatcher) Dispatch(conn *Connection, msg *ClientMessage) error {
	conn.cmdMu.Lock()
	defer conn.cmdMu.Unlock()

	if conn.IsClosing() {
		return ErrConnectionClosed
	}

	label := commandLabel(msg.Type)
	start := time.Now()
	ctx, end := logger.StartSpan(conn.Context(), "wsgateway."+label,
		attribute.String("connection_id", conn.ID),
		attribute.String("user_id", conn.UserID()),
	)

	data, err := d.handle(ctx, conn, msg)
	end(err)

	commandLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	d.handled.Add(1)
	d.lastCommand.Store(time.Now().UnixNano())

	if err != nil {
		code := ErrorCode(err)
		commandsTotal.WithLabelValues(label, code).Inc()
		d.failed.Add(1)

		fields := []logger.Field{
			logger.ErrorField(err),
			logger.String("command", msg.Type),
			logger.String("connection_id", conn.ID),
			logger.String("user_id", conn.UserID()),
		}
		if code == CodeInternal && !isClosedError(err) {
			logger.WithContext(ctx).Error("Command failed", fields...)
		} else {
			logger.WithContext(ctx).Debug("Command rejected", fields...)
		}

		if sendErr := conn.SendError(msg.Type, msg.RequestID, code, errorMessage(err)); sendErr != nil {
			logger.Debug("Failed to send command error",
				logger.ErrorField(sendErr),
				logger.String("connection_id", conn.ID),
			)
		}
		return err
	}

	commandsTotal.WithLabelValues(label, "ok").Inc()
	if msg.Type == CommandPing {
		return conn.SendPong(msg.RequestID)
	}
	return conn.SendSuccess(msg.Type, msg.RequestID, data)
}

func (d *Dispatcher) handle(ctx context.Context, conn *Connection, msg *ClientMessage) (interface{}, error) {
	if !conn.Authenticated() {
		return nil, fmt.Errorf("%w: authenticate first", models.ErrUnauthenticated)
	}
	if _, err := d.registry.Lookup(conn.ID); err != nil {
		return nil, fmt.Errorf("%w: connection is not registered", models.ErrUnauthenticated)
	}

	switch msg.Type {
	case CommandJoinRoom:
		roomID, err := decodeID(msg.Data, "roomId")
		if err != nil {
			return nil, err
		}
		return d.joinRoom(ctx, conn, roomID)

	case CommandLeaveRoom:
		roomID, err := decodeID(msg.Data, "roomId")
		if err != nil {
			return nil, err
		}
		return d.leaveRoom(conn, roomID)

	case CommandSendMessage:
		var req SendMessageRequest
		if err := decodePayload(msg.Data, &req); err != nil {
			return nil, err
		}
		return d.sendMessage(ctx, conn, req)

	case CommandUpdateMessage:
		var req UpdateMessageRequest
		if err := decodePayload(msg.Data, &req); err != nil {
			return nil, err
		}
		return d.updateMessage(ctx, conn, req)

	case CommandDeleteMessage:
		id, err := decodeID(msg.Data, "id")
		if err != nil {
			return nil, err
		}
		return d.deleteMessage(ctx, conn, id)

	case CommandGetRoomMembers:
		roomID, err := decodeID(msg.Data, "roomId")
		if err != nil {
			return nil, err
		}
		return d.getRoomMembers(conn, roomID)

	case CommandAuthenticate:
		return nil, fmt.Errorf("%w: connection already authenticated", models.ErrValidation)

	case CommandPing:
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unknown command %q", models.ErrValidation, msg.Type)
	}
}

func (d *Dispatcher) joinRoom(ctx context.Context, conn *Connection, roomID string) (interface{}, error) {
	if err := models.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	identity := conn.Identity()

	cmdCtx, cancel := context.WithTimeout(ctx, d.commandTimeout)
	history, err := d.store.ListMessages(cmdCtx, roomID, identity.UserID, models.PageOptions{Limit: d.historyLimit})
	cancel()
	if err != nil {
		return nil, err
	}
	if conn.IsClosing() {
		return nil, ErrConnectionClosed
	}
	if history == nil {
		history = []*models.Message{}
	}

	unlock := d.locks.lock(roomID)
	result := d.members.Join(roomID, identity.UserID, conn.ID)

	d.broadcaster.SendTo(conn, EventMessageHistory, history)
	d.broadcaster.SendTo(conn, EventRoomMembers, RoomMembersPayload{RoomID: roomID, Members: result.Members})

	group := RoomGroup(roomID)
	if err := d.registry.Subscribe(conn.ID, group); err != nil {
		d.members.Leave(roomID, identity.UserID, conn.ID)
		unlock()
		return nil, err
	}

	if result.UserAdded {
		d.broadcaster.Emit(group, EventUserJoined, PresencePayload{UserID: identity.UserID, RoomID: roomID})
		d.broadcaster.Emit(group, EventRoomMembers, RoomMembersPayload{RoomID: roomID, Members: result.Members})
	}
	unlock()

	if result.UserAdded {
		d.presence.markDirty(roomID)
	}
	roomsActive.Set(float64(d.members.Rooms()))

	logger.Debug("Connection joined room",
		logger.String("connection_id", conn.ID),
		logger.String("user_id", identity.UserID),
		logger.String("room_id", roomID),
		logger.Bool("user_added", result.UserAdded),
	)
	return map[string]string{"roomId": roomID}, nil
}

func (d *Dispatcher) leaveRoom(conn *Connection, roomID string) (interface{}, error) {
	if err := models.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	identity := conn.Identity()
	group := RoomGroup(roomID)

	unlock := d.locks.lock(roomID)
	targets := d.registry.Group(group)
	result := d.members.Leave(roomID, identity.UserID, conn.ID)
	if !result.Left {
		unlock()
		return nil, models.ErrNotJoined
	}
	d.registry.Unsubscribe(conn.ID, group)

	members := RoomMembersPayload{RoomID: roomID, Members: result.Members}
	if result.UserRemoved {
		d.broadcaster.EmitTo(targets, EventUserLeft, PresencePayload{UserID: identity.UserID, RoomID: roomID})
		d.broadcaster.EmitTo(targets, EventRoomMembers, members)
	} else {
		d.broadcaster.SendTo(conn, EventRoomMembers, members)
	}
	unlock()

	if result.UserRemoved {
		d.presence.markDirty(roomID)
	}
	roomsActive.Set(float64(d.members.Rooms()))

	logger.Debug("Connection left room",
		logger.String("connection_id", conn.ID),
		logger.String("user_id", identity.UserID),
		logger.String("room_id", roomID),
		logger.Bool("user_removed", result.UserRemoved),
	)
	return map[string]string{"roomId": roomID}, nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, conn *Connection, req SendMessageRequest) (interface{}, error) {
	if err := models.ValidateRoomID(req.RoomID); err != nil {
		return nil, err
	}
	if !d.members.IsJoined(req.RoomID, conn.ID) {
		return nil, models.ErrNotJoined
	}

	cmdCtx, cancel := context.WithTimeout(ctx, d.commandTimeout)
	msg, err := d.store.CreateMessage(cmdCtx, conn.Identity(), req.RoomID, req.Content)
	cancel()
	if err != nil {
		return nil, err
	}

	d.broadcaster.Emit(RoomGroup(msg.RoomID), EventNewMessage, msg)
	return map[string]string{"id": msg.ID, "roomId": msg.RoomID}, nil
}

func (d *Dispatcher) updateMessage(ctx context.Context, conn *Connection, req UpdateMessageRequest) (interface{}, error) {
	if err := models.ValidateMessageID(req.ID); err != nil {
		return nil, err
	}

	cmdCtx, cancel := context.WithTimeout(ctx, d.commandTimeout)
	msg, err := d.store.UpdateMessage(cmdCtx, req.ID, conn.UserID(), req.Content)
	cancel()
	if err != nil {
		return nil, err
	}

	d.broadcaster.Emit(RoomGroup(msg.RoomID), EventMessageUpdated, msg)
	return map[string]string{"id": msg.ID, "roomId": msg.RoomID}, nil
}

func (d *Dispatcher) deleteMessage(ctx context.Context, conn *Connection, id string) (interface{}, error) {
	if err := models.ValidateMessageID(id); err != nil {
		return nil, err
	}

	cmdCtx, cancel := context.WithTimeout(ctx, d.commandTimeout)
	msg, err := d.store.DeleteMessage(cmdCtx, id, conn.UserID())
	cancel()
	if err != nil {
		return nil, err
	}

	payload := MessageDeletedPayload{ID: msg.ID, RoomID: msg.RoomID}
	d.broadcaster.Emit(RoomGroup(msg.RoomID), EventMessageDeleted, payload)
	return payload, nil
}

func (d *Dispatcher) getRoomMembers(conn *Connection, roomID string) (interface{}, error) {
	if err := models.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	d.broadcaster.SendTo(conn, EventRoomMembers, RoomMembersPayload{RoomID: roomID, Members: d.members.MembersOf(roomID)})
	return map[string]string{"roomId": roomID}, nil
}

// Disconnect removes conn from the registry and every room it joined, then
// tells the remaining members of each room the user fully left. The caller
// holds conn.cmdMu. Calling it for an unregistered connection does nothing.
func (d *Dispatcher) Disconnect(conn *Connection) []Departure {
	if _, existed := d.registry.Remove(conn.ID); !existed {
		return nil
	}

	unlock := d.locks.lock(d.members.RoomsOf(conn.ID)...)
	departures := d.members.RemoveConnection(conn.ID)
	for _, dep := range departures {
		if !dep.UserRemoved {
			continue
		}
		group := RoomGroup(dep.RoomID)
		d.broadcaster.Emit(group, EventUserLeft, PresencePayload{UserID: dep.UserID, RoomID: dep.RoomID})
		d.broadcaster.Emit(group, EventRoomMembers, RoomMembersPayload{RoomID: dep.RoomID, Members: dep.Members})
	}
	unlock()

	for _, dep := range departures {
		if dep.UserRemoved {
			d.presence.markDirty(dep.RoomID)
		}
	}
	roomsActive.Set(float64(d.members.Rooms()))
	return departures
}

func commandLabel(command string) string {
	switch command {
	case CommandAuthenticate, CommandJoinRoom, CommandLeaveRoom, CommandSendMessage,
		CommandUpdateMessage, CommandDeleteMessage, CommandGetRoomMembers, CommandPing:
		return command
	default:
		return "unknown"
	}
}

// isClosedError reports errors caused by the connection going away
func isClosedError(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, context.Canceled)
}
