package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Pulse/internal/adapters/memstore"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

// callPair spins up the caller and callee machines around one session
// record, with the callee already ringing.
type callPair struct {
	store  *memstore.Store
	caller *party
	callee *party
	id     domain.CallID
	mc     *CallMachine // caller side
	me     *CallMachine // callee side
}

func newCallPair(t *testing.T, ctx context.Context, kind domain.CallKind) *callPair {
	t.Helper()
	store := newStore(t)
	caller := newParty(store, "alice")
	callee := newParty(store, "bob")

	id, err := store.CreateCall(ctx, caller.user, callee.user, "chat-1", kind)
	require.NoError(t, err)
	require.NoError(t, store.UpdateCallStatus(ctx, id, domain.CallRinging))

	sess := domain.CallSession{
		ID: id, ChatID: "chat-1",
		Caller: caller.user, Callee: callee.user,
		Kind: kind, Status: domain.CallDialing,
	}
	mc := NewCallMachine(caller.deps, fastTunables(), caller.user, SideCaller, sess)
	require.NoError(t, mc.Start(ctx))
	me := NewCallMachine(callee.deps, fastTunables(), callee.user, SideCallee, sess)
	require.NoError(t, me.Start(ctx))

	waitCallView(t, mc, "caller sees ringing", func(v core.CallView) bool { return v.Status == domain.CallRinging })
	waitCallView(t, me, "callee sees ringing", func(v core.CallView) bool { return v.Status == domain.CallRinging })
	return &callPair{store: store, caller: caller, callee: callee, id: id, mc: mc, me: me}
}

func (p *callPair) connect(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, p.me.Accept(ctx))
	waitCallView(t, p.me, "callee connected", func(v core.CallView) bool { return v.Status == domain.CallConnected })
	waitCallView(t, p.mc, "caller connected", func(v core.CallView) bool { return v.Status == domain.CallConnected })
}

func TestCallAcceptConnectsBothSides(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)
	p.connect(t, ctx)

	assert.EqualValues(t, 1, p.caller.transport.joins.Load())
	assert.EqualValues(t, 1, p.callee.transport.joins.Load())
	assert.EqualValues(t, 1, p.caller.devices.open.Load())
	assert.EqualValues(t, 1, p.callee.devices.open.Load())

	// each side fetched a fresh token for its own join
	assert.EqualValues(t, 1, p.caller.tokens.calls.Load())
	assert.EqualValues(t, 1, p.callee.tokens.calls.Load())
}

func TestCallHangUpReleasesEverything(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)
	p.connect(t, ctx)

	require.NoError(t, p.mc.HangUp(ctx))
	<-p.mc.Done()
	<-p.me.Done()

	assert.EqualValues(t, 0, p.caller.devices.open.Load())
	assert.EqualValues(t, 0, p.callee.devices.open.Load())
	assert.EqualValues(t, 0, p.caller.transport.openConns.Load())
	assert.EqualValues(t, 0, p.callee.transport.openConns.Load())

	// both parties got a history record
	for _, uid := range []domain.UserID{p.caller.user.ID, p.callee.user.ID} {
		recs, err := p.store.CallHistory(ctx, uid, 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, domain.CallEnded, recs[0].Status)
	}
}

func TestCallRejectDeclinesForBoth(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)

	require.NoError(t, p.me.Reject(ctx))
	<-p.me.Done()
	<-p.mc.Done()

	assert.Equal(t, domain.CallDeclined, p.mc.View().Status)
	assert.Equal(t, domain.CallDeclined, p.me.View().Status)
	assert.EqualValues(t, 0, p.callee.devices.open.Load())
	assert.EqualValues(t, 0, p.callee.transport.joins.Load())
}

func TestCallAcceptByCallerDenied(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)

	err := p.mc.Accept(ctx)
	assert.Equal(t, core.FailAuthorizationDenied, core.KindOf(err))
}

func TestCallAcceptWhileBusyRejected(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)

	gate := p.callee.devices.block()
	acceptErr := make(chan error, 1)
	go func() { acceptErr <- p.me.Accept(ctx) }()
	waitFor(t, "acquisition in flight", func() bool { return p.callee.devices.acquiring.Load() > 0 })

	err := p.me.Accept(ctx)
	assert.Equal(t, core.FailTransitionInProgress, core.KindOf(err))

	close(gate)
	require.NoError(t, <-acceptErr)
}

func TestCallHangUpCancelsInFlightJoin(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)

	gate := p.callee.devices.block()
	defer close(gate)
	acceptErr := make(chan error, 1)
	go func() { acceptErr <- p.me.Accept(ctx) }()
	waitFor(t, "acquisition in flight", func() bool { return p.callee.devices.acquiring.Load() > 0 })

	require.NoError(t, p.me.HangUp(ctx))
	err := <-acceptErr
	assert.Equal(t, core.FailCanceled, core.KindOf(err))

	<-p.me.Done()
	assert.EqualValues(t, 0, p.callee.devices.open.Load())
	assert.EqualValues(t, 0, p.callee.transport.openConns.Load())
	assert.Equal(t, domain.CallEnded, p.me.View().Status)
}

func TestCallJoinRetriesOnceWithFreshToken(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)

	p.callee.transport.failNextJoins(errors.New("token expired"))
	require.NoError(t, p.me.Accept(ctx))

	assert.EqualValues(t, 2, p.callee.transport.joins.Load())
	assert.EqualValues(t, 2, p.callee.tokens.calls.Load())
	assert.Equal(t, domain.CallConnected, p.me.View().Status)
}

func TestCallJoinFailureEndsWithReason(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)

	p.callee.transport.failNextJoins(errors.New("boom"), errors.New("boom"))
	err := p.me.Accept(ctx)
	assert.Equal(t, core.FailTransportJoin, core.KindOf(err))

	<-p.me.Done()
	v := p.me.View()
	assert.Equal(t, domain.CallEnded, v.Status)
	assert.Equal(t, "transport_join_failure", v.Reason)
	assert.EqualValues(t, 0, p.callee.devices.open.Load())
}

func TestCallAcquisitionFailureEndsWithReason(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)

	p.callee.devices.setAudioErr(errors.New("mic busy"))
	err := p.me.Accept(ctx)
	assert.Equal(t, core.FailMediaAcquisition, core.KindOf(err))

	<-p.me.Done()
	assert.Equal(t, "media_acquisition_failure", p.me.View().Reason)
	assert.EqualValues(t, 0, p.callee.devices.open.Load())
	assert.EqualValues(t, 0, p.callee.transport.joins.Load())
}

func TestCallVideoAcquiresCameraToo(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallVideo)
	p.connect(t, ctx)

	assert.EqualValues(t, 2, p.callee.devices.open.Load())

	require.NoError(t, p.me.ToggleCamera(ctx))
	v := p.me.View()
	assert.True(t, v.CameraOff)

	require.NoError(t, p.me.HangUp(ctx))
	<-p.me.Done()
	assert.EqualValues(t, 0, p.callee.devices.open.Load())
}

func TestCallCameraToggleOnAudioCallRejected(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)

	err := p.me.ToggleCamera(ctx)
	assert.Equal(t, core.FailInvalidState, core.KindOf(err))
}

func TestCallMuteAppliesToTrack(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)
	p.connect(t, ctx)

	require.NoError(t, p.me.ToggleMute(ctx))
	assert.True(t, p.me.View().Muted)

	conn := p.callee.transport.lastConn()
	require.NotNil(t, conn)
	waitFor(t, "track muted", func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.published) == 1 && conn.published[0].Muted()
	})

	require.NoError(t, p.me.ToggleMute(ctx))
	assert.False(t, p.me.View().Muted)
}

func TestCallDurationPausesWhileReconnecting(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)
	p.connect(t, ctx)

	waitCallView(t, p.me, "duration ticking", func(v core.CallView) bool { return v.Duration >= 2 })

	conn := p.callee.transport.lastConn()
	conn.emit(core.MediaEvent{Kind: core.EvConnState, State: core.ConnReconnecting})
	waitCallView(t, p.me, "reconnecting", func(v core.CallView) bool { return v.Reconnecting })

	frozen := p.me.View().Duration
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, frozen, p.me.View().Duration)

	conn.emit(core.MediaEvent{Kind: core.EvConnState, State: core.ConnConnected})
	waitCallView(t, p.me, "duration resumed", func(v core.CallView) bool {
		return !v.Reconnecting && v.Duration > frozen
	})
}

func TestCallRemoteTerminalWins(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)
	p.connect(t, ctx)

	// remote side persisted the terminal status first
	require.NoError(t, p.store.UpdateCallStatus(ctx, p.id, domain.CallEnded))
	<-p.mc.Done()
	<-p.me.Done()

	// a late local hang-up converges on the same state
	require.NoError(t, p.mc.HangUp(ctx))
	assert.Equal(t, domain.CallEnded, p.mc.View().Status)

	sessStatus := domain.CallEnded
	recs, err := p.store.CallHistory(ctx, p.caller.user.ID, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, sessStatus, recs[0].Status)
}

func TestCallPeerLeftEndsConnectedCall(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)
	p.connect(t, ctx)

	// let the callee drain its own connected snapshot before the peer leaves
	time.Sleep(50 * time.Millisecond)
	conn := p.callee.transport.lastConn()
	conn.emit(core.MediaEvent{Kind: core.EvPeerLeft, Peer: p.caller.user.ID})
	<-p.me.Done()

	assert.Equal(t, domain.CallEnded, p.me.View().Status)
	assert.EqualValues(t, 0, p.callee.devices.open.Load())
}

func TestCallPeerTrackFlagsFollowEvents(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallVideo)
	p.connect(t, ctx)

	conn := p.callee.transport.lastConn()
	conn.emit(core.MediaEvent{Kind: core.EvPeerPublished, Peer: p.caller.user.ID, Track: core.TrackVideo})
	waitCallView(t, p.me, "peer video on", func(v core.CallView) bool { return v.PeerVideo })

	conn.emit(core.MediaEvent{Kind: core.EvPeerUnpublished, Peer: p.caller.user.ID, Track: core.TrackVideo})
	waitCallView(t, p.me, "peer video off", func(v core.CallView) bool { return !v.PeerVideo })
}

func TestCallRingTimeoutMisses(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(memstore.Config{RingTimeout: 30 * time.Millisecond})
	caller := newParty(store, "alice")
	callee := newParty(store, "bob")

	id, err := store.CreateCall(ctx, caller.user, callee.user, "chat-1", domain.CallAudio)
	require.NoError(t, err)
	sess := domain.CallSession{
		ID: id, ChatID: "chat-1",
		Caller: caller.user, Callee: callee.user,
		Kind: domain.CallAudio, Status: domain.CallDialing,
	}
	mc := NewCallMachine(caller.deps, fastTunables(), caller.user, SideCaller, sess)
	require.NoError(t, mc.Start(ctx))

	<-mc.Done()
	assert.Equal(t, domain.CallMissed, mc.View().Status)

	recs, err := store.CallHistory(ctx, callee.user.ID, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.CallMissed, recs[0].Status)
}

func TestCallAcceptSurvivesSnapshotChurn(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)

	gate := p.callee.devices.block()
	acceptErr := make(chan error, 1)
	go func() { acceptErr <- p.me.Accept(ctx) }()
	waitFor(t, "acquisition in flight", func() bool { return p.callee.devices.acquiring.Load() > 0 })

	// snapshots keep landing while the join op is still running
	for i := 1; i <= 5; i++ {
		require.NoError(t, p.store.UpdateCallDuration(ctx, p.id, i))
	}

	close(gate)
	require.NoError(t, <-acceptErr)
	waitCallView(t, p.me, "callee connected", func(v core.CallView) bool { return v.Status == domain.CallConnected })
	waitCallView(t, p.mc, "caller connected", func(v core.CallView) bool { return v.Status == domain.CallConnected })
	assert.EqualValues(t, 1, p.callee.devices.open.Load())
}

func TestCallHistoryCarriesFinalDuration(t *testing.T) {
	ctx := context.Background()
	p := newCallPair(t, ctx, domain.CallAudio)
	p.connect(t, ctx)

	waitCallView(t, p.me, "duration ticking", func(v core.CallView) bool { return v.Duration >= 2 })
	want := p.me.View().Duration

	require.NoError(t, p.me.HangUp(ctx))
	<-p.me.Done()
	<-p.mc.Done()

	// the archived record must reflect the duration counted at hang-up, not
	// the last periodic persist
	for _, uid := range []domain.UserID{p.caller.user.ID, p.callee.user.ID} {
		recs, err := p.store.CallHistory(ctx, uid, 1)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.GreaterOrEqual(t, recs[0].Duration, want)
	}
}

func TestCallTeardownOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newCallPair(t, ctx, domain.CallAudio)
	p.connect(t, ctx)

	cancel()
	<-p.mc.Done()
	<-p.me.Done()

	assert.EqualValues(t, 0, p.caller.devices.open.Load())
	assert.EqualValues(t, 0, p.callee.devices.open.Load())
	assert.EqualValues(t, 0, p.caller.transport.openConns.Load())
	assert.EqualValues(t, 0, p.callee.transport.openConns.Load())
}
