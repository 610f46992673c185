package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

func (s *Store) CreateRoom(ctx context.Context, host domain.User, topic string, kind domain.RoomKind, privacy domain.RoomPrivacy, secret string) (domain.RoomID, error) {
	id := domain.RoomID(uuid.NewString())
	room, err := domain.NewRoomSession(id, host, topic, kind, privacy, secret)
	if err != nil {
		return "", core.Fail(core.FailSignaling, "create room", err)
	}
	s.mu.Lock()
	s.rooms[id] = &roomEntry{
		room: *room,
		subs: make(map[int]*subscriber[domain.RoomSession]),
	}
	s.mu.Unlock()
	log.Info().Str("module", "memstore").Str("room", string(id)).Str("topic", topic).Msg("room created")
	return id, nil
}

func (s *Store) GetRoom(ctx context.Context, id domain.RoomID) (domain.RoomSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.rooms[id]
	if !ok {
		return domain.RoomSession{}, core.ErrRoomNotFound
	}
	return copyRoom(&entry.room), nil
}

// ListRooms returns the open-room directory. Ended rooms are excluded.
func (s *Store) ListRooms(ctx context.Context) ([]domain.RoomSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RoomSession, 0, len(s.rooms))
	for _, entry := range s.rooms {
		if entry.room.Ended {
			continue
		}
		out = append(out, copyRoom(&entry.room))
	}
	return out, nil
}

func (s *Store) WatchRoom(ctx context.Context, id domain.RoomID, fn func(domain.RoomSession)) (core.Unsubscribe, error) {
	s.mu.Lock()
	entry, ok := s.rooms[id]
	if !ok {
		s.mu.Unlock()
		return nil, core.ErrRoomNotFound
	}
	sub := newSubscriber(fn)
	sid := s.nextSub
	s.nextSub++
	entry.subs[sid] = sub
	// initial snapshot is enqueued before the lock drops so no concurrent
	// mutation can slip its newer snapshot in ahead of it
	sub.deliver(copyRoom(&entry.room))
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if e, ok := s.rooms[id]; ok {
			delete(e.subs, sid)
		}
		s.mu.Unlock()
		sub.close()
	}, nil
}

func (s *Store) SetMember(ctx context.Context, id domain.RoomID, u domain.User, role domain.RoomRole) error {
	s.mu.Lock()
	entry, ok := s.rooms[id]
	if !ok || entry.room.Ended {
		s.mu.Unlock()
		return core.ErrRoomNotFound
	}
	room := &entry.room
	if u.ID == room.Host.U.ID {
		// the host record is fixed; a returning host just reclaims presence
		entry.hostGone = false
		entry.stopCloseTimer()
		s.notifyRoomLocked(entry)
		s.mu.Unlock()
		return nil
	}
	removeFromSets(room, u.ID)
	switch role {
	case domain.RoleSpeaker:
		room.Speakers = append(room.Speakers, domain.Speaker{U: u})
		// a member id occurs in at most one of speakers/listeners, and raised
		// hands reference listeners only
		removeRaisedHand(room, u.ID)
	case domain.RoleListener:
		room.Listeners = append(room.Listeners, domain.Listener{U: u})
	default:
		s.mu.Unlock()
		return core.Fail(core.FailInvalidState, "set member", core.ErrInvalidState)
	}
	entry.stopCloseTimer()
	s.notifyRoomLocked(entry)
	s.mu.Unlock()
	return nil
}

func (s *Store) UpdateMember(ctx context.Context, id domain.RoomID, uid domain.UserID, upd core.MemberUpdate) error {
	s.mu.Lock()
	entry, ok := s.rooms[id]
	if !ok || entry.room.Ended {
		s.mu.Unlock()
		return core.ErrRoomNotFound
	}
	room := &entry.room
	member, found := room.Member(uid)
	if !found {
		s.mu.Unlock()
		return core.ErrSessionNotFound
	}
	if upd.Role != nil && member.Role() != domain.RoleHost && *upd.Role != member.Role() {
		u := member.User()
		removeFromSets(room, uid)
		switch *upd.Role {
		case domain.RoleSpeaker:
			room.Speakers = append(room.Speakers, domain.Speaker{U: u})
			removeRaisedHand(room, uid)
		case domain.RoleListener:
			room.Listeners = append(room.Listeners, domain.Listener{U: u})
		}
	}
	applyFlags(room, uid, upd)
	s.notifyRoomLocked(entry)
	s.mu.Unlock()
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, id domain.RoomID, uid domain.UserID) error {
	s.mu.Lock()
	entry, ok := s.rooms[id]
	if !ok {
		s.mu.Unlock()
		return core.ErrRoomNotFound
	}
	room := &entry.room
	if uid == room.Host.U.ID {
		entry.hostGone = true
	} else {
		removeFromSets(room, uid)
		removeRaisedHand(room, uid)
	}
	s.maybeScheduleCloseLocked(entry)
	s.notifyRoomLocked(entry)
	s.mu.Unlock()
	return nil
}

func (s *Store) SetRaisedHand(ctx context.Context, id domain.RoomID, uid domain.UserID, raised bool) error {
	s.mu.Lock()
	entry, ok := s.rooms[id]
	if !ok || entry.room.Ended {
		s.mu.Unlock()
		return core.ErrRoomNotFound
	}
	room := &entry.room
	if raised {
		member, found := room.Member(uid)
		if !found || member.Role() != domain.RoleListener {
			s.mu.Unlock()
			return core.Fail(core.FailInvalidState, "raise hand", core.ErrInvalidState)
		}
		if !room.HandRaised(uid) {
			room.RaisedHands = append(room.RaisedHands, uid)
		}
	} else {
		removeRaisedHand(room, uid)
	}
	s.notifyRoomLocked(entry)
	s.mu.Unlock()
	return nil
}

func (s *Store) EndRoom(ctx context.Context, id domain.RoomID) error {
	s.mu.Lock()
	entry, ok := s.rooms[id]
	if !ok {
		s.mu.Unlock()
		return core.ErrRoomNotFound
	}
	if entry.room.Ended {
		s.mu.Unlock()
		return nil
	}
	entry.room.Ended = true
	entry.stopCloseTimer()
	s.notifyRoomLocked(entry)
	s.mu.Unlock()
	log.Info().Str("module", "memstore").Str("room", string(id)).Msg("room ended")
	return nil
}

// maybeScheduleCloseLocked arms the empty-room timer when the host is gone
// and nobody else remains. Caller holds mu.
func (s *Store) maybeScheduleCloseLocked(entry *roomEntry) {
	if s.cfg.EmptyRoomCloseAfter <= 0 || entry.room.Ended {
		return
	}
	if !entry.hostGone || len(entry.room.Speakers) > 0 || len(entry.room.Listeners) > 0 {
		entry.stopCloseTimer()
		return
	}
	if entry.closeTimer != nil {
		return
	}
	id := entry.room.ID
	entry.closeTimer = time.AfterFunc(s.cfg.EmptyRoomCloseAfter, func() {
		s.closeIfStillEmpty(id)
	})
}

func (s *Store) closeIfStillEmpty(id domain.RoomID) {
	s.mu.Lock()
	entry, ok := s.rooms[id]
	if !ok || entry.room.Ended || !entry.hostGone ||
		len(entry.room.Speakers) > 0 || len(entry.room.Listeners) > 0 {
		s.mu.Unlock()
		return
	}
	entry.room.Ended = true
	entry.closeTimer = nil
	s.notifyRoomLocked(entry)
	s.mu.Unlock()
	log.Info().Str("module", "memstore").Str("room", string(id)).Msg("empty room closed")
}

// notifyRoomLocked snapshots the room and fans out to subscribers. Caller
// holds mu; delivery is a non-blocking enqueue into each subscriber pump, so
// enqueueing under the lock is what keeps per-subscription snapshots in
// mutation order.
func (s *Store) notifyRoomLocked(entry *roomEntry) {
	snap := copyRoom(&entry.room)
	for _, sub := range entry.subs {
		sub.deliver(snap)
	}
}

func (e *roomEntry) stopCloseTimer() {
	if e.closeTimer != nil {
		e.closeTimer.Stop()
		e.closeTimer = nil
	}
}

func removeFromSets(room *domain.RoomSession, uid domain.UserID) {
	for i, sp := range room.Speakers {
		if sp.U.ID == uid {
			room.Speakers = append(room.Speakers[:i], room.Speakers[i+1:]...)
			break
		}
	}
	for i, l := range room.Listeners {
		if l.U.ID == uid {
			room.Listeners = append(room.Listeners[:i], room.Listeners[i+1:]...)
			break
		}
	}
}

func removeRaisedHand(room *domain.RoomSession, uid domain.UserID) {
	for i, id := range room.RaisedHands {
		if id == uid {
			room.RaisedHands = append(room.RaisedHands[:i], room.RaisedHands[i+1:]...)
			return
		}
	}
}

func applyFlags(room *domain.RoomSession, uid domain.UserID, upd core.MemberUpdate) {
	if room.Host.U.ID == uid {
		if upd.Muted != nil {
			room.Host.Muted = *upd.Muted
		}
		if upd.CameraOff != nil {
			room.Host.CameraOff = *upd.CameraOff
		}
		return
	}
	for i := range room.Speakers {
		if room.Speakers[i].U.ID == uid {
			if upd.Muted != nil {
				room.Speakers[i].Muted = *upd.Muted
			}
			if upd.CameraOff != nil {
				room.Speakers[i].CameraOff = *upd.CameraOff
			}
			return
		}
	}
}

func copyRoom(room *domain.RoomSession) domain.RoomSession {
	cp := *room
	cp.Speakers = append([]domain.Speaker(nil), room.Speakers...)
	cp.Listeners = append([]domain.Listener(nil), room.Listeners...)
	cp.RaisedHands = append([]domain.UserID(nil), room.RaisedHands...)
	return cp
}
