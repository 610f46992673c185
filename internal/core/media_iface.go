package core

import (
	"context"

	"github.com/dkeye/Pulse/internal/domain"
)

type TrackKind uint8

const (
	TrackAudio TrackKind = iota
	TrackVideo
)

func (k TrackKind) String() string {
	if k == TrackVideo {
		return "video"
	}
	return "audio"
}

// ConnState mirrors the transport's channel-level connection state.
type ConnState uint8

const (
	ConnConnecting ConnState = iota
	ConnConnected
	ConnReconnecting
	ConnDisconnected
)

type MediaEventKind uint8

const (
	EvPeerPublished MediaEventKind = iota
	EvPeerUnpublished
	EvPeerLeft
	EvConnState
	EvVolumes
)

type VolumeLevel struct {
	Peer  domain.UserID
	Level int // 0..100
}

// MediaEvent is one transport lifecycle notification. Which fields are set
// depends on Kind. Events are ordered per remote peer, unordered across peers.
type MediaEvent struct {
	Kind    MediaEventKind
	Peer    domain.UserID
	Track   TrackKind
	State   ConnState
	Volumes []VolumeLevel
}

// LocalTrack is this device's microphone or camera handle.
// Owned by the session core; must be closed on every exit path.
type LocalTrack interface {
	Kind() TrackKind
	// SetMuted stops emitting frames without releasing the device.
	// For video tracks muted means camera-off.
	SetMuted(bool)
	Muted() bool
	Close() error
}

// MediaConn is one joined channel. The adapter owns its event channel and
// closes it after Leave.
type MediaConn interface {
	Publish(ctx context.Context, tracks ...LocalTrack) error
	Unpublish(ctx context.Context, tracks ...LocalTrack) error
	Events() <-chan MediaEvent
	Leave() error
}

// MediaTransport joins named channels on the realtime media layer.
type MediaTransport interface {
	Join(ctx context.Context, channel string, token string, identity domain.UserID) (MediaConn, error)
}

// MediaDevices acquires local capture handles.
type MediaDevices interface {
	AcquireAudio(ctx context.Context) (LocalTrack, error)
	AcquireVideo(ctx context.Context) (LocalTrack, error)
}

// TokenProvider fetches a short-lived media auth token before each join.
// Tokens are never cached beyond a single join attempt.
type TokenProvider interface {
	Token(ctx context.Context, channel string, identity domain.UserID) (string, error)
}
