package wsgateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mohamedkhairy/chat-gateway/pkg/logger"
)

// PresenceMirror receives the member list of a room each time it changes
type PresenceMirror interface {
	RoomMembersChanged(ctx context.Context, roomID string, members []string) error
}

// presenceSync forwards room presence to a PresenceMirror from one goroutine.
// Rooms are marked dirty and written with the membership snapshot current at
// write time.
type presenceSync struct {
	mirror  PresenceMirror
	members *MembershipTable
	timeout time.Duration

	mu     sync.Mutex
	dirty  map[string]struct{}
	notify chan struct{}
}

func newPresenceSync(mirror PresenceMirror, members *MembershipTable, timeout time.Duration) *presenceSync {
	if mirror == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &presenceSync{
		mirror:  mirror,
		members: members,
		timeout: timeout,
		dirty:   make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// markDirty schedules roomID for mirroring. Safe on a nil receiver.
func (p *presenceSync) markDirty(roomID string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.dirty[roomID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *presenceSync) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
			p.flush(flushCtx)
			cancel()
			return
		case <-p.notify:
			p.flush(ctx)
		}
	}
}

func (p *presenceSync) flush(ctx context.Context) {
	p.mu.Lock()
	rooms := make([]string, 0, len(p.dirty))
	for roomID := range p.dirty {
		rooms = append(rooms, roomID)
	}
	p.dirty = make(map[string]struct{})
	p.mu.Unlock()

	sort.Strings(rooms)
	for _, roomID := range rooms {
		writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.mirror.RoomMembersChanged(writeCtx, roomID, p.members.MembersOf(roomID))
		cancel()
		if err != nil {
			logger.Warn("Failed to mirror room presence",
				logger.ErrorField(err),
				logger.String("room_id", roomID),
			)
		}
	}
}
