package domain

import "errors"

type RoomID string

type RoomKind string

const (
	RoomAudio RoomKind = "audio"
	RoomVideo RoomKind = "video"
)

type RoomPrivacy string

const (
	RoomPublic      RoomPrivacy = "public"
	RoomFriendsOnly RoomPrivacy = "friends"
	RoomPrivate     RoomPrivacy = "private"
)

type RoomRole string

const (
	RoleHost     RoomRole = "host"
	RoleSpeaker  RoomRole = "speaker"
	RoleListener RoomRole = "listener"
)

var (
	ErrTopicEmpty   = errors.New("room topic empty")
	ErrSecretNeeded = errors.New("private room needs a secret")
)

// RoomMember is a closed set of role variants. Each variant carries only
// the fields valid for that role: listeners have no publish flags.
type RoomMember interface {
	User() User
	Role() RoomRole
	roomMember()
}

type Host struct {
	U         User `json:"user"`
	Muted     bool `json:"muted"`
	CameraOff bool `json:"camera_off"`
}

type Speaker struct {
	U         User `json:"user"`
	Muted     bool `json:"muted"`
	CameraOff bool `json:"camera_off"`
}

type Listener struct {
	U User `json:"user"`
}

func (h Host) User() User     { return h.U }
func (h Host) Role() RoomRole { return RoleHost }
func (h Host) roomMember()    {}

func (s Speaker) User() User     { return s.U }
func (s Speaker) Role() RoomRole { return RoleSpeaker }
func (s Speaker) roomMember()    {}

func (l Listener) User() User     { return l.U }
func (l Listener) Role() RoomRole { return RoleListener }
func (l Listener) roomMember()    {}

// RoomSession is the shared signaling record of one live room.
// Invariants: the host is always publishing-eligible, a member id occurs in
// at most one of speakers/listeners, raised hands reference listeners only.
type RoomSession struct {
	ID          RoomID      `json:"id"`
	Topic       string      `json:"topic"`
	Kind        RoomKind    `json:"kind"`
	Privacy     RoomPrivacy `json:"privacy"`
	Secret      string      `json:"-"`
	Host        Host        `json:"host"`
	Speakers    []Speaker   `json:"speakers"`
	Listeners   []Listener  `json:"listeners"`
	RaisedHands []UserID    `json:"raised_hands"` // promotion queue, join order
	Ended       bool        `json:"ended"`
}

func NewRoomSession(id RoomID, host User, topic string, kind RoomKind, privacy RoomPrivacy, secret string) (*RoomSession, error) {
	if topic == "" {
		return nil, ErrTopicEmpty
	}
	if privacy == RoomPrivate && secret == "" {
		return nil, ErrSecretNeeded
	}
	return &RoomSession{
		ID:      id,
		Topic:   topic,
		Kind:    kind,
		Privacy: privacy,
		Secret:  secret,
		Host:    Host{U: host},
	}, nil
}

// Member looks up uid across the host, speaker and listener sets.
func (r *RoomSession) Member(uid UserID) (RoomMember, bool) {
	if r.Host.U.ID == uid {
		return r.Host, true
	}
	for _, s := range r.Speakers {
		if s.U.ID == uid {
			return s, true
		}
	}
	for _, l := range r.Listeners {
		if l.U.ID == uid {
			return l, true
		}
	}
	return nil, false
}

// Members returns host, speakers and listeners in display order.
func (r *RoomSession) Members() []RoomMember {
	out := make([]RoomMember, 0, 1+len(r.Speakers)+len(r.Listeners))
	out = append(out, r.Host)
	for _, s := range r.Speakers {
		out = append(out, s)
	}
	for _, l := range r.Listeners {
		out = append(out, l)
	}
	return out
}

func (r *RoomSession) MemberCount() int {
	return 1 + len(r.Speakers) + len(r.Listeners)
}

func (r *RoomSession) HandRaised(uid UserID) bool {
	for _, id := range r.RaisedHands {
		if id == uid {
			return true
		}
	}
	return false
}
