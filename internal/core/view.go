package core

import "github.com/dkeye/Pulse/internal/domain"

// CallView is the single coherent call state the UI renders.
// Persisted status drives progression; transport flags drive presentation.
type CallView struct {
	ID           domain.CallID     `json:"id"`
	Peer         domain.User       `json:"peer"`
	Kind         domain.CallKind   `json:"kind"`
	Status       domain.CallStatus `json:"status"`
	Duration     int               `json:"duration"`
	Muted        bool              `json:"muted"`
	CameraOff    bool              `json:"camera_off"`
	PeerAudio    bool              `json:"peer_audio"`
	PeerVideo    bool              `json:"peer_video"`
	Reconnecting bool              `json:"reconnecting"`
	Reason       string            `json:"reason,omitempty"` // failure kind on error teardown
}

// ParticipantView is one roster entry with derived presentation flags.
type ParticipantView struct {
	User       domain.User     `json:"user"`
	Role       domain.RoomRole `json:"role"`
	Muted      bool            `json:"muted"`
	CameraOff  bool            `json:"camera_off"`
	Speaking   bool            `json:"speaking"`
	HandRaised bool            `json:"hand_raised"`
}

// RoomView is the local viewer's coherent picture of a live room.
type RoomView struct {
	ID            domain.RoomID     `json:"id"`
	Topic         string            `json:"topic"`
	Kind          domain.RoomKind   `json:"kind"`
	Participants  []ParticipantView `json:"participants"`
	RaisedHands   []domain.UserID   `json:"raised_hands"`
	SelfRole      domain.RoomRole   `json:"self_role"`
	SelfMuted     bool              `json:"self_muted"`
	SelfCameraOff bool              `json:"self_camera_off"`
	ActiveSpeaker domain.UserID     `json:"active_speaker,omitempty"`
	Reconnecting  bool              `json:"reconnecting"`
	Ended         bool              `json:"ended"`
	Notice        string            `json:"notice,omitempty"` // informational, non-fatal
}
