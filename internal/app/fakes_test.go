package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Pulse/internal/adapters/memstore"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

// fakeTrack counts against its devices' open-handle gauge until closed.
type fakeTrack struct {
	kind   core.TrackKind
	muted  atomic.Bool
	closed atomic.Bool
	dev    *fakeDevices
}

func (t *fakeTrack) Kind() core.TrackKind { return t.kind }
func (t *fakeTrack) SetMuted(m bool)      { t.muted.Store(m) }
func (t *fakeTrack) Muted() bool          { return t.muted.Load() }

func (t *fakeTrack) Close() error {
	if !t.closed.Swap(true) {
		t.dev.open.Add(-1)
	}
	return nil
}

// fakeDevices hands out tracks and tracks leaks. A non-nil gate blocks
// acquisition until released, to freeze a machine mid-transition.
type fakeDevices struct {
	mu       sync.Mutex
	audioErr error
	videoErr error
	gate     chan struct{}

	open      atomic.Int32
	acquiring atomic.Int32
}

func (d *fakeDevices) setAudioErr(err error) {
	d.mu.Lock()
	d.audioErr = err
	d.mu.Unlock()
}

func (d *fakeDevices) setVideoErr(err error) {
	d.mu.Lock()
	d.videoErr = err
	d.mu.Unlock()
}

func (d *fakeDevices) block() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
	return d.gate
}

func (d *fakeDevices) acquire(ctx context.Context, kind core.TrackKind, errOf func() error) (core.LocalTrack, error) {
	d.acquiring.Add(1)
	defer d.acquiring.Add(-1)
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := errOf(); err != nil {
		return nil, err
	}
	d.open.Add(1)
	return &fakeTrack{kind: kind, dev: d}, nil
}

func (d *fakeDevices) AcquireAudio(ctx context.Context) (core.LocalTrack, error) {
	return d.acquire(ctx, core.TrackAudio, func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.audioErr
	})
}

func (d *fakeDevices) AcquireVideo(ctx context.Context) (core.LocalTrack, error) {
	return d.acquire(ctx, core.TrackVideo, func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.videoErr
	})
}

type fakeConn struct {
	transport *fakeTransport
	events    chan core.MediaEvent
	left      atomic.Bool

	mu        sync.Mutex
	published []core.LocalTrack
}

func (c *fakeConn) Publish(ctx context.Context, tracks ...core.LocalTrack) error {
	c.transport.mu.Lock()
	err := c.transport.publishErr
	c.transport.mu.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.published = append(c.published, tracks...)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Unpublish(ctx context.Context, tracks ...core.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tr := range tracks {
		for i, p := range c.published {
			if p == tr {
				c.published = append(c.published[:i], c.published[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (c *fakeConn) Events() <-chan core.MediaEvent { return c.events }

func (c *fakeConn) Leave() error {
	if !c.left.Swap(true) {
		close(c.events)
		c.transport.openConns.Add(-1)
	}
	return nil
}

func (c *fakeConn) emit(ev core.MediaEvent) {
	if !c.left.Load() {
		c.events <- ev
	}
}

func (c *fakeConn) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

// fakeTransport records joins and can fail the next N of them.
type fakeTransport struct {
	mu         sync.Mutex
	joinErrs   []error
	publishErr error
	conns      []*fakeConn

	joins     atomic.Int32
	openConns atomic.Int32
}

func (t *fakeTransport) failNextJoins(errs ...error) {
	t.mu.Lock()
	t.joinErrs = append(t.joinErrs, errs...)
	t.mu.Unlock()
}

func (t *fakeTransport) Join(ctx context.Context, channel string, token string, identity domain.UserID) (core.MediaConn, error) {
	t.joins.Add(1)
	if token == "" {
		return nil, errors.New("missing token")
	}
	t.mu.Lock()
	if len(t.joinErrs) > 0 {
		err := t.joinErrs[0]
		t.joinErrs = t.joinErrs[1:]
		t.mu.Unlock()
		return nil, err
	}
	c := &fakeConn{transport: t, events: make(chan core.MediaEvent, 16)}
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	t.openConns.Add(1)
	return c, nil
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type fakeTokens struct {
	calls atomic.Int32
	err   error
}

func (f *fakeTokens) Token(ctx context.Context, channel string, identity domain.UserID) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "tok", nil
}

// party is one simulated client: its own transport and devices, a shared
// store.
type party struct {
	user      domain.User
	deps      Deps
	transport *fakeTransport
	devices   *fakeDevices
	tokens    *fakeTokens
}

func newParty(store core.SessionStore, name string) *party {
	tr := &fakeTransport{}
	dev := &fakeDevices{}
	tok := &fakeTokens{}
	u := domain.User{ID: domain.UserID("uid-" + name), Name: name}
	return &party{
		user:      u,
		transport: tr,
		devices:   dev,
		tokens:    tok,
		deps:      Deps{Store: store, Media: tr, Devices: dev, Tokens: tok},
	}
}

func newStore(t *testing.T) *memstore.Store {
	t.Helper()
	return memstore.New(memstore.Config{RingTimeout: 5 * time.Second})
}

func fastTunables() Tunables {
	return Tunables{
		SignalRetry:  RetryPolicy{Attempts: 3, Backoff: time.Millisecond},
		TickInterval: 10 * time.Millisecond,
	}
}

// waitFor polls until pred holds or the deadline passes.
func waitFor(t *testing.T, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitCallView(t *testing.T, m *CallMachine, what string, pred func(core.CallView) bool) core.CallView {
	t.Helper()
	var last core.CallView
	waitFor(t, what, func() bool {
		last = m.View()
		return pred(last)
	})
	return last
}

func waitRoomView(t *testing.T, r *Roster, what string, pred func(core.RoomView) bool) core.RoomView {
	t.Helper()
	var last core.RoomView
	waitFor(t, what, func() bool {
		last = r.View()
		return pred(last)
	})
	return last
}
