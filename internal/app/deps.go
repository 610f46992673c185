package app

import (
	"time"

	"github.com/dkeye/Pulse/internal/core"
)

// Deps bundles the external collaborators a session machine needs.
type Deps struct {
	Store   core.SessionStore
	Media   core.MediaTransport
	Devices core.MediaDevices
	Tokens  core.TokenProvider
}

// Tunables are the knobs config exposes instead of hardcoded constants.
type Tunables struct {
	SignalRetry     RetryPolicy
	AcquireAttempts int           // bounded device-acquisition retries
	TickInterval    time.Duration // duration accumulation granularity
	RoomCapacity    int           // 0 = unlimited
	VolumeFloor     int           // minimum level to count as speaking
}

func (t Tunables) withDefaults() Tunables {
	if t.SignalRetry.Attempts == 0 {
		t.SignalRetry = RetryPolicy{Attempts: 3, Backoff: 250 * time.Millisecond}
	}
	if t.AcquireAttempts == 0 {
		t.AcquireAttempts = 1
	}
	if t.TickInterval == 0 {
		t.TickInterval = time.Second
	}
	if t.VolumeFloor == 0 {
		t.VolumeFloor = 5
	}
	return t
}

func closeTracks(tracks []core.LocalTrack) {
	for _, tr := range tracks {
		_ = tr.Close()
	}
}
