package core

import (
	"context"

	"github.com/dkeye/Pulse/internal/domain"
)

// Unsubscribe detaches a watch. Safe to call more than once.
type Unsubscribe func()

// MemberUpdate is a targeted patch of one roster entry. Nil fields are left
// untouched so concurrent writers never clobber each other.
type MemberUpdate struct {
	Role      *domain.RoomRole
	Muted     *bool
	CameraOff *bool
}

// SessionStore is the persisted signaling channel shared by all parties.
// Every write is a targeted field update, never a whole-document overwrite.
// Watches deliver updates at-least-once, in order, per subscription.
type SessionStore interface {
	CreateCall(ctx context.Context, caller, callee domain.User, chatID domain.ChatID, kind domain.CallKind) (domain.CallID, error)
	UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus) error
	UpdateCallDuration(ctx context.Context, id domain.CallID, seconds int) error
	WatchCall(ctx context.Context, id domain.CallID, fn func(domain.CallSession)) (Unsubscribe, error)
	// WatchIncomingCalls delivers ringing sessions whose callee is uid.
	WatchIncomingCalls(ctx context.Context, uid domain.UserID, fn func(domain.CallSession)) (Unsubscribe, error)
	CallHistory(ctx context.Context, uid domain.UserID, limit int) ([]domain.CallRecord, error)

	CreateRoom(ctx context.Context, host domain.User, topic string, kind domain.RoomKind, privacy domain.RoomPrivacy, secret string) (domain.RoomID, error)
	GetRoom(ctx context.Context, id domain.RoomID) (domain.RoomSession, error)
	ListRooms(ctx context.Context) ([]domain.RoomSession, error)
	WatchRoom(ctx context.Context, id domain.RoomID, fn func(domain.RoomSession)) (Unsubscribe, error)
	// SetMember adds u to the set for role, removing it from any other set.
	SetMember(ctx context.Context, id domain.RoomID, u domain.User, role domain.RoomRole) error
	UpdateMember(ctx context.Context, id domain.RoomID, uid domain.UserID, upd MemberUpdate) error
	RemoveMember(ctx context.Context, id domain.RoomID, uid domain.UserID) error
	SetRaisedHand(ctx context.Context, id domain.RoomID, uid domain.UserID, raised bool) error
	EndRoom(ctx context.Context, id domain.RoomID) error
}
