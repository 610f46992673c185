package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

// Coordinator tracks this client's active sessions: at most one call and
// one room at a time. It owns the incoming-call subscription and
// materializes a ringing machine for the callee side.
type Coordinator struct {
	deps Deps
	tun  Tunables
	self domain.User

	mu    sync.RWMutex
	call  *CallMachine
	room  *Roster
	unsub core.Unsubscribe

	incoming *Feed[core.CallView]
}

func NewCoordinator(deps Deps, tun Tunables, self domain.User) *Coordinator {
	return &Coordinator{
		deps:     deps,
		tun:      tun.withDefaults(),
		self:     self,
		incoming: NewFeed[core.CallView](),
	}
}

// Start subscribes to calls ringing for this user.
func (c *Coordinator) Start(ctx context.Context) error {
	unsub, err := c.deps.Store.WatchIncomingCalls(ctx, c.self.ID, func(cs domain.CallSession) {
		c.onIncoming(ctx, cs)
	})
	if err != nil {
		return core.Fail(core.FailSignaling, "watch incoming", err)
	}
	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
}

// Incoming exposes ringing calls awaiting an accept/reject decision.
func (c *Coordinator) Incoming() (<-chan core.CallView, func()) {
	return c.incoming.Subscribe()
}

func (c *Coordinator) onIncoming(ctx context.Context, cs domain.CallSession) {
	if cs.Status.Terminal() || cs.Callee.ID != c.self.ID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call != nil {
		select {
		case <-c.call.Done():
			// stale slot, fall through and replace it
		default:
			log.Info().Str("module", "app.coordinator").Str("call", string(cs.ID)).Msg("already in a call, ignoring incoming")
			return
		}
	}

	// acknowledge delivery: dialing becomes ringing once this device sees it
	if cs.Status == domain.CallDialing {
		if err := c.deps.Store.UpdateCallStatus(ctx, cs.ID, domain.CallRinging); err != nil {
			log.Warn().Str("module", "app.coordinator").Str("call", string(cs.ID)).Err(err).Msg("ringing ack failed")
		}
		cs.Status = domain.CallRinging
	}

	m := NewCallMachine(c.deps, c.tun, c.self, SideCallee, cs)
	if err := m.Start(ctx); err != nil {
		log.Error().Str("module", "app.coordinator").Str("call", string(cs.ID)).Err(err).Msg("incoming machine start failed")
		return
	}
	c.call = m
	c.incoming.Publish(m.View())
	go c.reapCall(m)
}

// PlaceCall creates the session record and starts the caller-side machine.
func (c *Coordinator) PlaceCall(ctx context.Context, callee domain.User, chatID domain.ChatID, kind domain.CallKind) (*CallMachine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call != nil {
		select {
		case <-c.call.Done():
		default:
			return nil, core.ErrTransitionInProgress
		}
	}
	id, err := c.deps.Store.CreateCall(ctx, c.self, callee, chatID, kind)
	if err != nil {
		return nil, core.Fail(core.FailSignaling, "create call", err)
	}
	sess := domain.CallSession{
		ID:     id,
		ChatID: chatID,
		Caller: c.self,
		Callee: callee,
		Kind:   kind,
		Status: domain.CallDialing,
	}
	m := NewCallMachine(c.deps, c.tun, c.self, SideCaller, sess)
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	c.call = m
	go c.reapCall(m)
	return m, nil
}

// CreateRoom persists a new room and joins it as host.
func (c *Coordinator) CreateRoom(ctx context.Context, topic string, kind domain.RoomKind, privacy domain.RoomPrivacy, secret string) (*Roster, error) {
	id, err := c.deps.Store.CreateRoom(ctx, c.self, topic, kind, privacy, secret)
	if err != nil {
		return nil, core.Fail(core.FailSignaling, "create room", err)
	}
	return c.JoinRoom(ctx, id, secret)
}

// JoinRoom joins an existing room, leaving any previously joined one first.
func (c *Coordinator) JoinRoom(ctx context.Context, id domain.RoomID, secret string) (*Roster, error) {
	c.mu.Lock()
	prev := c.room
	c.mu.Unlock()
	if prev != nil {
		select {
		case <-prev.Done():
		default:
			if err := prev.Leave(ctx); err != nil {
				return nil, err
			}
		}
	}
	r, err := JoinRoom(ctx, c.deps, c.tun, c.self, id, secret)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
	go c.reapRoom(r)
	return r, nil
}

// History returns this user's archived calls, newest first.
func (c *Coordinator) History(ctx context.Context, limit int) ([]domain.CallRecord, error) {
	recs, err := c.deps.Store.CallHistory(ctx, c.self.ID, limit)
	if err != nil {
		return nil, core.Fail(core.FailSignaling, "call history", err)
	}
	return recs, nil
}

func (c *Coordinator) ActiveCall() (*CallMachine, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.call == nil {
		return nil, false
	}
	select {
	case <-c.call.Done():
		return nil, false
	default:
		return c.call, true
	}
}

func (c *Coordinator) ActiveRoom() (*Roster, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.room == nil {
		return nil, false
	}
	select {
	case <-c.room.Done():
		return nil, false
	default:
		return c.room, true
	}
}

func (c *Coordinator) reapCall(m *CallMachine) {
	<-m.Done()
	c.mu.Lock()
	if c.call == m {
		c.call = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) reapRoom(r *Roster) {
	<-r.Done()
	c.mu.Lock()
	if c.room == r {
		c.room = nil
	}
	c.mu.Unlock()
}
