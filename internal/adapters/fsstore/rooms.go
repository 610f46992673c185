package fsstore

import (
	"context"
	"sort"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

type memberDoc struct {
	User      userDoc `firestore:"user"`
	Muted     bool    `firestore:"muted"`
	CameraOff bool    `firestore:"cameraOff"`
}

// roomDoc keys speakers and listeners by user id so a single member can be
// added, patched or removed with one field update, never a map rewrite.
type roomDoc struct {
	Topic       string               `firestore:"topic"`
	Kind        string               `firestore:"kind"`
	Privacy     string               `firestore:"privacy"`
	Secret      string               `firestore:"secret"`
	Host        memberDoc            `firestore:"host"`
	HostGone    bool                 `firestore:"hostGone"`
	Speakers    map[string]memberDoc `firestore:"speakers"`
	Listeners   map[string]memberDoc `firestore:"listeners"`
	RaisedHands []string             `firestore:"raisedHands"`
	Ended       bool                 `firestore:"ended"`
}

func (d roomDoc) session(id domain.RoomID) domain.RoomSession {
	room := domain.RoomSession{
		ID:      id,
		Topic:   d.Topic,
		Kind:    domain.RoomKind(d.Kind),
		Privacy: domain.RoomPrivacy(d.Privacy),
		Secret:  d.Secret,
		Host: domain.Host{
			U:         d.Host.User.user(),
			Muted:     d.Host.Muted,
			CameraOff: d.Host.CameraOff,
		},
		Ended: d.Ended,
	}
	for _, m := range sortedMembers(d.Speakers) {
		room.Speakers = append(room.Speakers, domain.Speaker{
			U:         m.User.user(),
			Muted:     m.Muted,
			CameraOff: m.CameraOff,
		})
	}
	for _, m := range sortedMembers(d.Listeners) {
		room.Listeners = append(room.Listeners, domain.Listener{U: m.User.user()})
	}
	for _, uid := range d.RaisedHands {
		room.RaisedHands = append(room.RaisedHands, domain.UserID(uid))
	}
	return room
}

// sortedMembers flattens a member map deterministically. Map fields carry no
// join order, so display order is by name with id as tiebreak.
func sortedMembers(m map[string]memberDoc) []memberDoc {
	out := make([]memberDoc, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].User.Name != out[j].User.Name {
			return out[i].User.Name < out[j].User.Name
		}
		return out[i].User.ID < out[j].User.ID
	})
	return out
}

func (s *Store) CreateRoom(ctx context.Context, host domain.User, topic string, kind domain.RoomKind, privacy domain.RoomPrivacy, secret string) (domain.RoomID, error) {
	id := domain.RoomID(uuid.NewString())
	if _, err := domain.NewRoomSession(id, host, topic, kind, privacy, secret); err != nil {
		return "", core.Fail(core.FailSignaling, "create room", err)
	}
	doc := roomDoc{
		Topic:     topic,
		Kind:      string(kind),
		Privacy:   string(privacy),
		Secret:    secret,
		Host:      memberDoc{User: toUserDoc(host)},
		Speakers:  map[string]memberDoc{},
		Listeners: map[string]memberDoc{},
	}
	if _, err := s.client.Collection(collRooms).Doc(string(id)).Set(ctx, doc); err != nil {
		return "", core.Fail(core.FailSignaling, "create room", err)
	}
	return id, nil
}

func (s *Store) GetRoom(ctx context.Context, id domain.RoomID) (domain.RoomSession, error) {
	snap, err := s.client.Collection(collRooms).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return domain.RoomSession{}, core.ErrRoomNotFound
		}
		return domain.RoomSession{}, core.Fail(core.FailSignaling, "get room", err)
	}
	var doc roomDoc
	if err := snap.DataTo(&doc); err != nil {
		return domain.RoomSession{}, core.Fail(core.FailSignaling, "get room", err)
	}
	return doc.session(id), nil
}

func (s *Store) ListRooms(ctx context.Context) ([]domain.RoomSession, error) {
	it := s.client.Collection(collRooms).Where("ended", "==", false).Documents(ctx)
	defer it.Stop()
	var out []domain.RoomSession
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, core.Fail(core.FailSignaling, "list rooms", err)
		}
		var doc roomDoc
		if err := snap.DataTo(&doc); err != nil {
			continue
		}
		out = append(out, doc.session(domain.RoomID(snap.Ref.ID)))
	}
	return out, nil
}

func (s *Store) WatchRoom(ctx context.Context, id domain.RoomID, fn func(domain.RoomSession)) (core.Unsubscribe, error) {
	ref := s.client.Collection(collRooms).Doc(string(id))
	wctx, cancel := context.WithCancel(context.Background())
	iter := ref.Snapshots(wctx)
	go func() {
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if wctx.Err() == nil {
					log.Warn().Str("module", "fsstore").Str("room", string(id)).Err(err).Msg("room watch terminated")
				}
				return
			}
			if !snap.Exists() {
				continue
			}
			var doc roomDoc
			if err := snap.DataTo(&doc); err != nil {
				log.Warn().Str("module", "fsstore").Str("room", string(id)).Err(err).Msg("malformed room document")
				continue
			}
			fn(doc.session(id))
		}
	}()
	return func() { cancel() }, nil
}

func (s *Store) SetMember(ctx context.Context, id domain.RoomID, u domain.User, role domain.RoomRole) error {
	ref := s.client.Collection(collRooms).Doc(string(id))
	uid := string(u.ID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc roomDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if doc.Ended {
			return core.ErrRoomNotFound
		}
		if uid == doc.Host.User.ID {
			return tx.Update(ref, []firestore.Update{{Path: "hostGone", Value: false}})
		}
		updates := []firestore.Update{
			{FieldPath: firestore.FieldPath{"speakers", uid}, Value: firestore.Delete},
			{FieldPath: firestore.FieldPath{"listeners", uid}, Value: firestore.Delete},
		}
		switch role {
		case domain.RoleSpeaker:
			updates[0] = firestore.Update{
				FieldPath: firestore.FieldPath{"speakers", uid},
				Value:     memberDoc{User: toUserDoc(u)},
			}
			updates = append(updates, firestore.Update{
				Path: "raisedHands", Value: firestore.ArrayRemove(uid),
			})
		case domain.RoleListener:
			updates[1] = firestore.Update{
				FieldPath: firestore.FieldPath{"listeners", uid},
				Value:     memberDoc{User: toUserDoc(u)},
			}
		default:
			return core.ErrInvalidState
		}
		return tx.Update(ref, updates)
	})
	return roomTxErr(err, "set member")
}

func (s *Store) UpdateMember(ctx context.Context, id domain.RoomID, uid domain.UserID, upd core.MemberUpdate) error {
	ref := s.client.Collection(collRooms).Doc(string(id))
	key := string(uid)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc roomDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if doc.Ended {
			return core.ErrRoomNotFound
		}
		var updates []firestore.Update
		switch {
		case key == doc.Host.User.ID:
			if upd.Muted != nil {
				updates = append(updates, firestore.Update{Path: "host.muted", Value: *upd.Muted})
			}
			if upd.CameraOff != nil {
				updates = append(updates, firestore.Update{Path: "host.cameraOff", Value: *upd.CameraOff})
			}
		default:
			set := "speakers"
			cur, ok := doc.Speakers[key]
			if !ok {
				cur, ok = doc.Listeners[key]
				set = "listeners"
			}
			if !ok {
				return core.ErrSessionNotFound
			}
			if upd.Role != nil && string(*upd.Role) != roleOfSet(set) {
				// role move re-homes the entry and clears a pending hand
				moved := cur
				if upd.Muted != nil {
					moved.Muted = *upd.Muted
				}
				if upd.CameraOff != nil {
					moved.CameraOff = *upd.CameraOff
				}
				target := "speakers"
				if *upd.Role == domain.RoleListener {
					target = "listeners"
					moved.Muted = false
					moved.CameraOff = false
				}
				return tx.Update(ref, []firestore.Update{
					{FieldPath: firestore.FieldPath{set, key}, Value: firestore.Delete},
					{FieldPath: firestore.FieldPath{target, key}, Value: moved},
					{Path: "raisedHands", Value: firestore.ArrayRemove(key)},
				})
			}
			if upd.Muted != nil {
				updates = append(updates, firestore.Update{
					FieldPath: firestore.FieldPath{set, key, "muted"}, Value: *upd.Muted,
				})
			}
			if upd.CameraOff != nil {
				updates = append(updates, firestore.Update{
					FieldPath: firestore.FieldPath{set, key, "cameraOff"}, Value: *upd.CameraOff,
				})
			}
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Update(ref, updates)
	})
	return roomTxErr(err, "update member")
}

func roleOfSet(set string) string {
	if set == "speakers" {
		return string(domain.RoleSpeaker)
	}
	return string(domain.RoleListener)
}

func (s *Store) RemoveMember(ctx context.Context, id domain.RoomID, uid domain.UserID) error {
	ref := s.client.Collection(collRooms).Doc(string(id))
	key := string(uid)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc roomDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if key == doc.Host.User.ID {
			// the host record stays; absence is flagged so a later return
			// can reclaim it
			return tx.Update(ref, []firestore.Update{{Path: "hostGone", Value: true}})
		}
		return tx.Update(ref, []firestore.Update{
			{FieldPath: firestore.FieldPath{"speakers", key}, Value: firestore.Delete},
			{FieldPath: firestore.FieldPath{"listeners", key}, Value: firestore.Delete},
			{Path: "raisedHands", Value: firestore.ArrayRemove(key)},
		})
	})
	return roomTxErr(err, "remove member")
}

func (s *Store) SetRaisedHand(ctx context.Context, id domain.RoomID, uid domain.UserID, raised bool) error {
	ref := s.client.Collection(collRooms).Doc(string(id))
	var op any = firestore.ArrayRemove(string(uid))
	if raised {
		op = firestore.ArrayUnion(string(uid))
	}
	_, err := ref.Update(ctx, []firestore.Update{{Path: "raisedHands", Value: op}})
	return roomTxErr(err, "set raised hand")
}

func (s *Store) EndRoom(ctx context.Context, id domain.RoomID) error {
	ref := s.client.Collection(collRooms).Doc(string(id))
	_, err := ref.Update(ctx, []firestore.Update{{Path: "ended", Value: true}})
	return roomTxErr(err, "end room")
}

func roomTxErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.NotFound {
		return core.ErrRoomNotFound
	}
	if kind := core.KindOf(err); kind != core.FailUnknown {
		return err
	}
	return core.Fail(core.FailSignaling, op, err)
}
