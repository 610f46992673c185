// Package memstore is the in-memory session store: authoritative for tests
// and single-node deployments. Watches deliver ordered snapshots through a
// per-subscription pump, mirroring the delivery guarantee of the hosted
// backend.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

type Config struct {
	// RingTimeout bounds the callee response window; expiry persists missed.
	RingTimeout time.Duration
	// EmptyRoomCloseAfter closes rooms whose host left and whose membership
	// reached zero. Zero keeps them open awaiting the host.
	EmptyRoomCloseAfter time.Duration
}

type subscriber[T any] struct {
	ch   chan T
	stop chan struct{}
	once sync.Once
}

func newSubscriber[T any](fn func(T)) *subscriber[T] {
	s := &subscriber[T]{ch: make(chan T, 64), stop: make(chan struct{})}
	go func() {
		for {
			select {
			case <-s.stop:
				return
			case v := <-s.ch:
				fn(v)
			}
		}
	}()
	return s
}

func (s *subscriber[T]) deliver(v T) {
	select {
	case s.ch <- v:
	default:
		log.Warn().Str("module", "memstore").Msg("subscriber backpressure, snapshot dropped")
	}
}

func (s *subscriber[T]) close() {
	s.once.Do(func() { close(s.stop) })
}

type callEntry struct {
	sess      domain.CallSession
	subs      map[int]*subscriber[domain.CallSession]
	ringTimer *time.Timer
}

type roomEntry struct {
	room       domain.RoomSession
	hostGone   bool
	subs       map[int]*subscriber[domain.RoomSession]
	closeTimer *time.Timer
}

type Store struct {
	cfg Config

	mu       sync.RWMutex
	calls    map[domain.CallID]*callEntry
	rooms    map[domain.RoomID]*roomEntry
	history  map[domain.UserID][]domain.CallRecord
	incoming map[domain.UserID]map[int]*subscriber[domain.CallSession]
	nextSub  int
}

var _ core.SessionStore = (*Store)(nil)

func New(cfg Config) *Store {
	if cfg.RingTimeout == 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	return &Store{
		cfg:      cfg,
		calls:    make(map[domain.CallID]*callEntry),
		rooms:    make(map[domain.RoomID]*roomEntry),
		history:  make(map[domain.UserID][]domain.CallRecord),
		incoming: make(map[domain.UserID]map[int]*subscriber[domain.CallSession]),
	}
}

// --- calls ---

func (s *Store) CreateCall(ctx context.Context, caller, callee domain.User, chatID domain.ChatID, kind domain.CallKind) (domain.CallID, error) {
	id := domain.CallID(uuid.NewString())
	entry := &callEntry{
		sess: domain.CallSession{
			ID:        id,
			ChatID:    chatID,
			Caller:    caller,
			Callee:    callee,
			Kind:      kind,
			Status:    domain.CallDialing,
			StartedAt: time.Now(),
		},
		subs: make(map[int]*subscriber[domain.CallSession]),
	}
	// missed-call policy: an explicit cancellable timer owned by the store,
	// never a free-floating one that can fire after teardown
	entry.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() { s.expireRing(id) })

	s.mu.Lock()
	s.calls[id] = entry
	// fan-out happens under the lock: deliver is a non-blocking enqueue into
	// the subscriber pump, and enqueueing in mutation order is what keeps the
	// per-subscription snapshots ordered
	for _, w := range s.incoming[callee.ID] {
		w.deliver(entry.sess)
	}
	s.mu.Unlock()

	log.Info().Str("module", "memstore").Str("call", string(id)).Str("kind", string(kind)).Msg("call created")
	return id, nil
}

func (s *Store) expireRing(id domain.CallID) {
	s.mu.Lock()
	entry, ok := s.calls[id]
	if !ok || (entry.sess.Status != domain.CallDialing && entry.sess.Status != domain.CallRinging) {
		s.mu.Unlock()
		return
	}
	entry.sess.Status = domain.CallMissed
	now := time.Now()
	entry.sess.EndedAt = &now
	s.archiveLocked(&entry.sess)
	for _, sub := range entry.subs {
		sub.deliver(entry.sess)
	}
	s.mu.Unlock()

	log.Info().Str("module", "memstore").Str("call", string(id)).Msg("ring window expired, call missed")
}

func (s *Store) UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus) error {
	s.mu.Lock()
	entry, ok := s.calls[id]
	if !ok {
		s.mu.Unlock()
		return core.ErrSessionNotFound
	}
	// terminal always wins; duplicate terminal writes are no-ops
	if entry.sess.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	entry.sess.Status = status
	notifyIncoming := false
	switch {
	case status.Terminal():
		now := time.Now()
		entry.sess.EndedAt = &now
		entry.ringTimer.Stop()
		s.archiveLocked(&entry.sess)
	case status == domain.CallConnected:
		entry.ringTimer.Stop()
	case status == domain.CallRinging:
		notifyIncoming = true
	}
	for _, sub := range entry.subs {
		sub.deliver(entry.sess)
	}
	if notifyIncoming {
		for _, w := range s.incoming[entry.sess.Callee.ID] {
			w.deliver(entry.sess)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) UpdateCallDuration(ctx context.Context, id domain.CallID, seconds int) error {
	s.mu.Lock()
	entry, ok := s.calls[id]
	if !ok {
		s.mu.Unlock()
		return core.ErrSessionNotFound
	}
	if seconds <= entry.sess.Duration {
		s.mu.Unlock()
		return nil
	}
	entry.sess.Duration = seconds
	for _, sub := range entry.subs {
		sub.deliver(entry.sess)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) WatchCall(ctx context.Context, id domain.CallID, fn func(domain.CallSession)) (core.Unsubscribe, error) {
	s.mu.Lock()
	entry, ok := s.calls[id]
	if !ok {
		s.mu.Unlock()
		return nil, core.ErrSessionNotFound
	}
	sub := newSubscriber(fn)
	sid := s.nextSub
	s.nextSub++
	entry.subs[sid] = sub
	// initial snapshot is enqueued before the lock drops so no concurrent
	// mutation can slip its newer snapshot in ahead of it
	sub.deliver(entry.sess)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if e, ok := s.calls[id]; ok {
			delete(e.subs, sid)
		}
		s.mu.Unlock()
		sub.close()
	}, nil
}

func (s *Store) WatchIncomingCalls(ctx context.Context, uid domain.UserID, fn func(domain.CallSession)) (core.Unsubscribe, error) {
	sub := newSubscriber(fn)
	s.mu.Lock()
	sid := s.nextSub
	s.nextSub++
	if s.incoming[uid] == nil {
		s.incoming[uid] = make(map[int]*subscriber[domain.CallSession])
	}
	s.incoming[uid][sid] = sub
	for _, e := range s.calls {
		if e.sess.Callee.ID == uid && !e.sess.Status.Terminal() && e.sess.Status != domain.CallConnected {
			sub.deliver(e.sess)
		}
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if m, ok := s.incoming[uid]; ok {
			delete(m, sid)
		}
		s.mu.Unlock()
		sub.close()
	}, nil
}

func (s *Store) CallHistory(ctx context.Context, uid domain.UserID, limit int) ([]domain.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.history[uid]
	if limit <= 0 || limit > len(recs) {
		limit = len(recs)
	}
	out := make([]domain.CallRecord, 0, limit)
	// newest first
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, recs[i])
	}
	return out, nil
}

// archiveLocked writes a history record for both parties. Caller holds mu.
func (s *Store) archiveLocked(sess *domain.CallSession) {
	ended := time.Now()
	if sess.EndedAt != nil {
		ended = *sess.EndedAt
	}
	for _, uid := range []domain.UserID{sess.Caller.ID, sess.Callee.ID} {
		s.history[uid] = append(s.history[uid], domain.CallRecord{
			CallID:   sess.ID,
			ChatID:   sess.ChatID,
			Peer:     sess.Peer(uid),
			Kind:     sess.Kind,
			Status:   sess.Status,
			Duration: sess.Duration,
			EndedAt:  ended,
		})
	}
}
