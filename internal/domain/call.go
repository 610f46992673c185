package domain

import "time"

type (
	CallID string
	ChatID string
)

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// CallStatus is the persisted lifecycle state of a 1:1 call.
// Keep values stable, they are written to the session store as-is.
type CallStatus string

const (
	CallDialing   CallStatus = "dialing"
	CallRinging   CallStatus = "ringing"
	CallConnected CallStatus = "connected"
	CallEnded     CallStatus = "ended"
	CallDeclined  CallStatus = "declined"
	CallMissed    CallStatus = "missed"
)

// Terminal reports whether no further transition is permitted from s.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallDeclined || s == CallMissed
}

// CallSession is the shared signaling record of one 1:1 call.
// The store owns it; both parties mutate it via targeted status updates.
type CallSession struct {
	ID        CallID     `json:"id"`
	ChatID    ChatID     `json:"chat_id"`
	Caller    User       `json:"caller"`
	Callee    User       `json:"callee"`
	Kind      CallKind   `json:"kind"`
	Status    CallStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Duration  int        `json:"duration"` // seconds, accumulated while connected
}

// Peer returns the other party from the point of view of uid.
func (c *CallSession) Peer(uid UserID) User {
	if c.Caller.ID == uid {
		return c.Callee
	}
	return c.Caller
}

// CallRecord is the archived call-history entry written on terminal status.
type CallRecord struct {
	CallID   CallID     `json:"call_id"`
	ChatID   ChatID     `json:"chat_id"`
	Peer     User       `json:"peer"`
	Kind     CallKind   `json:"kind"`
	Status   CallStatus `json:"status"` // one of ended|declined|missed
	Duration int        `json:"duration"`
	EndedAt  time.Time  `json:"ended_at"`
}
