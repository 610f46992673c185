// Package fsstore backs the session store with Cloud Firestore. Documents
// are mutated with targeted field updates and watched through native
// snapshot listeners, so every party converges on the same record without
// overwriting each other.
package fsstore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

const (
	collCalls   = "calls"
	collRooms   = "rooms"
	collHistory = "callHistory"
)

type Config struct {
	ProjectID       string
	CredentialsFile string
	// RingTimeout bounds the callee response window; expiry persists missed.
	RingTimeout time.Duration
}

type Store struct {
	cfg    Config
	client *firestore.Client
}

var _ core.SessionStore = (*Store)(nil)

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.RingTimeout == 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, core.Fail(core.FailSignaling, "firestore connect", err)
	}
	return &Store{cfg: cfg, client: client}, nil
}

func (s *Store) Close() error { return s.client.Close() }

type userDoc struct {
	ID        string `firestore:"id"`
	Name      string `firestore:"name"`
	AvatarURL string `firestore:"avatarUrl"`
}

type callDoc struct {
	ChatID    string     `firestore:"chatId"`
	Caller    userDoc    `firestore:"caller"`
	Callee    userDoc    `firestore:"callee"`
	Kind      string     `firestore:"kind"`
	Status    string     `firestore:"status"`
	StartedAt time.Time  `firestore:"startedAt"`
	EndedAt   *time.Time `firestore:"endedAt"`
	Duration  int        `firestore:"duration"`
}

type historyDoc struct {
	Owner    string    `firestore:"owner"`
	CallID   string    `firestore:"callId"`
	ChatID   string    `firestore:"chatId"`
	Peer     userDoc   `firestore:"peer"`
	Kind     string    `firestore:"kind"`
	Status   string    `firestore:"status"`
	Duration int       `firestore:"duration"`
	EndedAt  time.Time `firestore:"endedAt"`
}

func toUserDoc(u domain.User) userDoc {
	return userDoc{ID: string(u.ID), Name: u.Name, AvatarURL: u.AvatarURL}
}

func (d userDoc) user() domain.User {
	return domain.User{ID: domain.UserID(d.ID), Name: d.Name, AvatarURL: d.AvatarURL}
}

func (d callDoc) session(id domain.CallID) domain.CallSession {
	return domain.CallSession{
		ID:        id,
		ChatID:    domain.ChatID(d.ChatID),
		Caller:    d.Caller.user(),
		Callee:    d.Callee.user(),
		Kind:      domain.CallKind(d.Kind),
		Status:    domain.CallStatus(d.Status),
		StartedAt: d.StartedAt,
		EndedAt:   d.EndedAt,
		Duration:  d.Duration,
	}
}

func (s *Store) CreateCall(ctx context.Context, caller, callee domain.User, chatID domain.ChatID, kind domain.CallKind) (domain.CallID, error) {
	id := domain.CallID(uuid.NewString())
	doc := callDoc{
		ChatID:    string(chatID),
		Caller:    toUserDoc(caller),
		Callee:    toUserDoc(callee),
		Kind:      string(kind),
		Status:    string(domain.CallDialing),
		StartedAt: time.Now(),
	}
	if _, err := s.client.Collection(collCalls).Doc(string(id)).Set(ctx, doc); err != nil {
		return "", core.Fail(core.FailSignaling, "create call", err)
	}
	// ring expiry runs client-side; the transactional terminal-wins write
	// keeps racing expirers harmless
	time.AfterFunc(s.cfg.RingTimeout, func() { s.expireRing(id) })
	return id, nil
}

func (s *Store) expireRing(id domain.CallID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.writeStatus(ctx, id, domain.CallMissed, func(cur domain.CallStatus) bool {
		return cur == domain.CallDialing || cur == domain.CallRinging
	})
	if err != nil {
		log.Warn().Str("module", "fsstore").Str("call", string(id)).Err(err).Msg("ring expiry write failed")
	}
}

func (s *Store) UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus) error {
	return s.writeStatus(ctx, id, status, func(domain.CallStatus) bool { return true })
}

// writeStatus transitions the call status transactionally. Terminal states
// always win: once set they are never overwritten, and terminal writes also
// archive a history record for both parties.
func (s *Store) writeStatus(ctx context.Context, id domain.CallID, to domain.CallStatus, allow func(domain.CallStatus) bool) error {
	ref := s.client.Collection(collCalls).Doc(string(id))
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc callDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		cur := domain.CallStatus(doc.Status)
		if cur.Terminal() || !allow(cur) {
			return nil
		}
		updates := []firestore.Update{{Path: "status", Value: string(to)}}
		if to.Terminal() {
			now := time.Now()
			updates = append(updates, firestore.Update{Path: "endedAt", Value: now})
			doc.Status = string(to)
			doc.EndedAt = &now
			if err := s.archiveTx(tx, id, doc); err != nil {
				return err
			}
		}
		return tx.Update(ref, updates)
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return core.ErrSessionNotFound
		}
		return core.Fail(core.FailSignaling, "update call status", err)
	}
	return nil
}

func (s *Store) archiveTx(tx *firestore.Transaction, id domain.CallID, doc callDoc) error {
	sess := doc.session(id)
	for _, uid := range []domain.UserID{sess.Caller.ID, sess.Callee.ID} {
		rec := historyDoc{
			Owner:    string(uid),
			CallID:   string(id),
			ChatID:   doc.ChatID,
			Peer:     toUserDoc(sess.Peer(uid)),
			Kind:     doc.Kind,
			Status:   doc.Status,
			Duration: doc.Duration,
			EndedAt:  *doc.EndedAt,
		}
		ref := s.client.Collection(collHistory).NewDoc()
		if err := tx.Set(ref, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpdateCallDuration(ctx context.Context, id domain.CallID, seconds int) error {
	ref := s.client.Collection(collCalls).Doc(string(id))
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		cur, err := snap.DataAt("duration")
		if err == nil {
			if prev, ok := cur.(int64); ok && int(prev) >= seconds {
				return nil
			}
		}
		return tx.Update(ref, []firestore.Update{{Path: "duration", Value: seconds}})
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return core.ErrSessionNotFound
		}
		return core.Fail(core.FailSignaling, "update call duration", err)
	}
	return nil
}

func (s *Store) WatchCall(ctx context.Context, id domain.CallID, fn func(domain.CallSession)) (core.Unsubscribe, error) {
	ref := s.client.Collection(collCalls).Doc(string(id))
	wctx, cancel := context.WithCancel(context.Background())
	iter := ref.Snapshots(wctx)
	go func() {
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if wctx.Err() == nil {
					log.Warn().Str("module", "fsstore").Str("call", string(id)).Err(err).Msg("call watch terminated")
				}
				return
			}
			if !snap.Exists() {
				continue
			}
			var doc callDoc
			if err := snap.DataTo(&doc); err != nil {
				log.Warn().Str("module", "fsstore").Str("call", string(id)).Err(err).Msg("malformed call document")
				continue
			}
			fn(doc.session(id))
		}
	}()
	return func() { cancel() }, nil
}

func (s *Store) WatchIncomingCalls(ctx context.Context, uid domain.UserID, fn func(domain.CallSession)) (core.Unsubscribe, error) {
	q := s.client.Collection(collCalls).
		Where("callee.id", "==", string(uid)).
		Where("status", "in", []string{string(domain.CallDialing), string(domain.CallRinging)})
	wctx, cancel := context.WithCancel(context.Background())
	iter := q.Snapshots(wctx)
	go func() {
		defer iter.Stop()
		for {
			qsnap, err := iter.Next()
			if err != nil {
				if wctx.Err() == nil {
					log.Warn().Str("module", "fsstore").Str("user", string(uid)).Err(err).Msg("incoming watch terminated")
				}
				return
			}
			for _, ch := range qsnap.Changes {
				if ch.Kind == firestore.DocumentRemoved {
					continue
				}
				var doc callDoc
				if err := ch.Doc.DataTo(&doc); err != nil {
					continue
				}
				fn(doc.session(domain.CallID(ch.Doc.Ref.ID)))
			}
		}
	}()
	return func() { cancel() }, nil
}

func (s *Store) CallHistory(ctx context.Context, uid domain.UserID, limit int) ([]domain.CallRecord, error) {
	q := s.client.Collection(collHistory).
		Where("owner", "==", string(uid)).
		OrderBy("endedAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	it := q.Documents(ctx)
	defer it.Stop()
	var out []domain.CallRecord
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, core.Fail(core.FailSignaling, "call history", err)
		}
		var doc historyDoc
		if err := snap.DataTo(&doc); err != nil {
			continue
		}
		out = append(out, domain.CallRecord{
			CallID:   domain.CallID(doc.CallID),
			ChatID:   domain.ChatID(doc.ChatID),
			Peer:     doc.Peer.user(),
			Kind:     domain.CallKind(doc.Kind),
			Status:   domain.CallStatus(doc.Status),
			Duration: doc.Duration,
			EndedAt:  doc.EndedAt,
		})
	}
	return out, nil
}
