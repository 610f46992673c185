package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

// CallSide tells the machine which party this client is. The caller starts
// in Dialing, the callee attaches to an already-ringing session.
type CallSide uint8

const (
	SideCaller CallSide = iota
	SideCallee
)

type callCmdKind uint8

const (
	cmdAccept callCmdKind = iota
	cmdReject
	cmdHangUp
	cmdToggleMute
	cmdToggleCamera
)

type callCmd struct {
	kind  callCmdKind
	reply chan error
}

type callOp uint8

const (
	opJoin callOp = iota
	opWrite
)

// callResult is posted back into the loop when an async transition finishes.
type callResult struct {
	op     callOp
	status domain.CallStatus
	conn   core.MediaConn
	tracks []core.LocalTrack
	err    error
}

// CallMachine owns the lifecycle of a single 1:1 call. It merges session
// store updates with media transport events into one authoritative view.
// The persisted status is authoritative for call progression; transport
// events only drive presentation and the reconnecting sub-state.
//
// All state is owned by the run loop. Commands, store updates, transport
// events and ticks are serialized through its select; async side effects
// run in short-lived goroutines that report back via the results channel,
// so the loop never blocks command intake on I/O.
type CallMachine struct {
	deps Deps
	tun  Tunables
	self domain.User
	side CallSide

	cmds    chan callCmd
	storeCh chan domain.CallSession
	results chan callResult
	feed    *Feed[core.CallView]
	done    chan struct{}

	// loop-owned, never touched outside run
	sess     domain.CallSession
	view     core.CallView
	unsub    core.Unsubscribe
	conn     core.MediaConn
	mediaEv  <-chan core.MediaEvent
	tracks   []core.LocalTrack
	busy     bool
	opCancel context.CancelFunc
	replyTo  chan error
	finished bool
}

func NewCallMachine(deps Deps, tun Tunables, self domain.User, side CallSide, sess domain.CallSession) *CallMachine {
	m := &CallMachine{
		deps:    deps,
		tun:     tun.withDefaults(),
		self:    self,
		side:    side,
		sess:    sess,
		cmds:    make(chan callCmd),
		storeCh: make(chan domain.CallSession, 8),
		results: make(chan callResult, 1),
		feed:    NewFeed[core.CallView](),
		done:    make(chan struct{}),
	}
	m.view = core.CallView{
		ID:     sess.ID,
		Peer:   sess.Peer(self.ID),
		Kind:   sess.Kind,
		Status: sess.Status,
	}
	return m
}

// Start subscribes to the session record and launches the event loop.
func (m *CallMachine) Start(ctx context.Context) error {
	unsub, err := m.deps.Store.WatchCall(ctx, m.sess.ID, func(cs domain.CallSession) {
		select {
		case m.storeCh <- cs:
		case <-m.done:
		}
	})
	if err != nil {
		return core.Fail(core.FailSignaling, "watch call", err)
	}
	m.unsub = unsub
	m.publish()
	go m.run(ctx)
	return nil
}

func (m *CallMachine) View() core.CallView                 { return m.feed.Current() }
func (m *CallMachine) Watch() (<-chan core.CallView, func()) { return m.feed.Subscribe() }
func (m *CallMachine) Done() <-chan struct{}               { return m.done }

func (m *CallMachine) Accept(ctx context.Context) error  { return m.do(ctx, cmdAccept) }
func (m *CallMachine) Reject(ctx context.Context) error  { return m.do(ctx, cmdReject) }
func (m *CallMachine) HangUp(ctx context.Context) error  { return m.do(ctx, cmdHangUp) }
func (m *CallMachine) ToggleMute(ctx context.Context) error { return m.do(ctx, cmdToggleMute) }
func (m *CallMachine) ToggleCamera(ctx context.Context) error { return m.do(ctx, cmdToggleCamera) }

func (m *CallMachine) do(ctx context.Context, kind callCmdKind) error {
	cmd := callCmd{kind: kind, reply: make(chan error, 1)}
	select {
	case m.cmds <- cmd:
	case <-m.done:
		// hanging up an already-terminal call converges to the same state
		if kind == cmdHangUp {
			return nil
		}
		return core.ErrSessionNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *CallMachine) run(ctx context.Context) {
	ticker := time.NewTicker(m.tun.TickInterval)
	defer ticker.Stop()
	defer m.teardown()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.cmds:
			m.handleCmd(ctx, cmd)
		case cs := <-m.storeCh:
			m.handleStore(ctx, cs)
		case res := <-m.results:
			m.handleResult(res)
		case ev, ok := <-m.mediaEv:
			if !ok {
				m.mediaEv = nil
				continue
			}
			m.handleMedia(ev)
		case <-ticker.C:
			m.handleTick()
		}
		if m.finished {
			return
		}
	}
}

func (m *CallMachine) handleCmd(ctx context.Context, cmd callCmd) {
	switch cmd.kind {
	case cmdToggleMute:
		// applies to the local track immediately, no round trip
		m.view.Muted = !m.view.Muted
		m.applyTrackFlags()
		m.publish()
		cmd.reply <- nil

	case cmdToggleCamera:
		if m.sess.Kind != domain.CallVideo {
			cmd.reply <- core.ErrInvalidState
			return
		}
		m.view.CameraOff = !m.view.CameraOff
		m.applyTrackFlags()
		m.publish()
		cmd.reply <- nil

	case cmdAccept:
		if m.side != SideCallee {
			cmd.reply <- core.ErrAuthorizationDenied
			return
		}
		if m.busy {
			cmd.reply <- core.ErrTransitionInProgress
			return
		}
		if m.view.Status != domain.CallRinging {
			cmd.reply <- core.ErrInvalidState
			return
		}
		id := m.sess.ID
		join := m.joinMediaOp()
		m.startOp(ctx, cmd.reply, func(opCtx context.Context) callResult {
			if err := m.tun.SignalRetry.Do(opCtx, "persist connected", func(c context.Context) error {
				return m.deps.Store.UpdateCallStatus(c, id, domain.CallConnected)
			}); err != nil {
				return callResult{op: opJoin, err: core.Fail(core.FailSignaling, "accept", err)}
			}
			return join(opCtx)
		})

	case cmdReject:
		if m.side != SideCallee {
			cmd.reply <- core.ErrAuthorizationDenied
			return
		}
		if m.busy {
			cmd.reply <- core.ErrTransitionInProgress
			return
		}
		if m.view.Status != domain.CallRinging {
			cmd.reply <- core.ErrInvalidState
			return
		}
		m.writeTerminal(ctx, cmd.reply, domain.CallDeclined)

	case cmdHangUp:
		if m.view.Status.Terminal() {
			cmd.reply <- nil
			return
		}
		if m.busy {
			// hanging up cancels the in-flight join; partially acquired
			// device handles are still released via the reported result
			m.opCancel()
			res := <-m.results
			m.releaseResult(res)
			m.busy = false
			m.opCancel = nil
			if m.replyTo != nil {
				m.replyTo <- core.Fail(core.FailCanceled, "accept", context.Canceled)
				m.replyTo = nil
			}
		}
		m.writeTerminal(ctx, cmd.reply, domain.CallEnded)
	}
}

// writeTerminal persists a terminal status with bounded retry, then finishes
// locally even if the retry budget is spent (the view must never get stuck).
func (m *CallMachine) writeTerminal(ctx context.Context, reply chan error, status domain.CallStatus) {
	id, duration := m.sess.ID, m.view.Duration
	m.startOp(ctx, reply, func(opCtx context.Context) callResult {
		// the store archives the history record on the terminal write, so the
		// last counted duration has to land before it
		if duration > 0 {
			if err := m.deps.Store.UpdateCallDuration(opCtx, id, duration); err != nil {
				log.Debug().Str("module", "app.call").Str("call", string(id)).Err(err).Msg("final duration write failed")
			}
		}
		err := m.tun.SignalRetry.Do(opCtx, "persist "+string(status), func(c context.Context) error {
			return m.deps.Store.UpdateCallStatus(c, id, status)
		})
		if err != nil {
			err = core.Fail(core.FailSignaling, "persist "+string(status), err)
		}
		return callResult{op: opWrite, status: status, err: err}
	})
}

func (m *CallMachine) handleStore(ctx context.Context, cs domain.CallSession) {
	m.sess = cs
	if cs.Status.Terminal() {
		// a terminal persisted status always wins, duplicates are no-ops
		m.finish(cs.Status, "")
		return
	}
	switch cs.Status {
	case domain.CallRinging:
		if m.view.Status == domain.CallDialing {
			m.view.Status = domain.CallRinging
			m.publish()
		}
	case domain.CallConnected:
		// the view moves to Connected only once our own media join succeeds
		if m.side == SideCaller && m.conn == nil && !m.busy {
			m.startOp(ctx, nil, m.joinMediaOp())
		}
	}
}

func (m *CallMachine) handleResult(res callResult) {
	m.busy = false
	m.opCancel = nil
	reply := m.replyTo
	m.replyTo = nil

	switch res.op {
	case opWrite:
		if res.err != nil {
			log.Warn().Str("module", "app.call").Str("call", string(m.sess.ID)).Err(res.err).Msg("terminal write failed, finishing locally")
			m.finish(res.status, core.KindOf(res.err).String())
		} else {
			m.finish(res.status, "")
		}
		if reply != nil {
			reply <- nil
		}

	case opJoin:
		if res.err != nil {
			if reply != nil {
				reply <- res.err
			}
			if errors.Is(res.err, context.Canceled) {
				return
			}
			log.Error().Str("module", "app.call").Str("call", string(m.sess.ID)).Err(res.err).Msg("media join failed, ending call")
			m.finish(domain.CallEnded, core.KindOf(res.err).String())
			return
		}
		m.conn = res.conn
		m.tracks = res.tracks
		m.mediaEv = res.conn.Events()
		m.applyTrackFlags()
		m.view.Status = domain.CallConnected
		m.publish()
		if reply != nil {
			reply <- nil
		}
	}
}

func (m *CallMachine) handleMedia(ev core.MediaEvent) {
	switch ev.Kind {
	case core.EvConnState:
		rec := ev.State == core.ConnReconnecting
		if rec != m.view.Reconnecting {
			m.view.Reconnecting = rec
			m.publish()
		}
	case core.EvPeerLeft:
		if ev.Peer == m.self.ID {
			return
		}
		// remote left the channel while signaling still says connected:
		// implicit hang-up
		if m.sess.Status == domain.CallConnected {
			m.finish(domain.CallEnded, "")
		}
	case core.EvPeerPublished:
		if ev.Track == core.TrackAudio {
			m.view.PeerAudio = true
		} else {
			m.view.PeerVideo = true
		}
		m.publish()
	case core.EvPeerUnpublished:
		if ev.Track == core.TrackAudio {
			m.view.PeerAudio = false
		} else {
			m.view.PeerVideo = false
		}
		m.publish()
	}
}

func (m *CallMachine) handleTick() {
	// duration accumulates only while connected and not reconnecting, so
	// elapsed time is never double counted across reconnects
	if m.view.Status != domain.CallConnected || m.view.Reconnecting {
		return
	}
	m.view.Duration++
	m.publish()
	if m.view.Duration%5 == 0 {
		id, secs := m.sess.ID, m.view.Duration
		go func() {
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := m.deps.Store.UpdateCallDuration(wctx, id, secs); err != nil {
				log.Debug().Str("module", "app.call").Str("call", string(id)).Err(err).Msg("duration write failed")
			}
		}()
	}
}

func (m *CallMachine) startOp(ctx context.Context, reply chan error, fn func(context.Context) callResult) {
	opCtx, cancel := context.WithCancel(ctx)
	m.busy = true
	m.opCancel = cancel
	m.replyTo = reply
	go func() {
		m.results <- fn(opCtx)
	}()
}

// joinMediaOp acquires local devices, fetches a token and joins the channel.
// On any failure everything acquired so far is released before reporting.
// Session fields are snapshotted here because the op goroutine runs while
// the loop keeps absorbing store updates.
func (m *CallMachine) joinMediaOp() func(context.Context) callResult {
	kind, chatID := m.sess.Kind, m.sess.ChatID
	return func(opCtx context.Context) callResult {
		var tracks []core.LocalTrack
		audio, err := m.acquire(opCtx, m.deps.Devices.AcquireAudio)
		if err != nil {
			return callResult{op: opJoin, err: core.Fail(core.FailMediaAcquisition, "acquire microphone", err)}
		}
		tracks = append(tracks, audio)
		if kind == domain.CallVideo {
			video, err := m.acquire(opCtx, m.deps.Devices.AcquireVideo)
			if err != nil {
				closeTracks(tracks)
				return callResult{op: opJoin, err: core.Fail(core.FailMediaAcquisition, "acquire camera", err)}
			}
			tracks = append(tracks, video)
		}

		conn, err := joinChannel(opCtx, m.deps, string(chatID), m.self.ID)
		if err != nil {
			closeTracks(tracks)
			return callResult{op: opJoin, err: err}
		}
		if err := conn.Publish(opCtx, tracks...); err != nil {
			_ = conn.Leave()
			closeTracks(tracks)
			return callResult{op: opJoin, err: core.Fail(core.FailTransportJoin, "publish", err)}
		}
		return callResult{op: opJoin, conn: conn, tracks: tracks}
	}
}

func (m *CallMachine) acquire(ctx context.Context, fn func(context.Context) (core.LocalTrack, error)) (core.LocalTrack, error) {
	var last error
	for i := 0; i < m.tun.AcquireAttempts; i++ {
		t, err := fn(ctx)
		if err == nil {
			return t, nil
		}
		last = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, last
}

// joinChannel fetches a fresh token and joins; a failed join is retried
// exactly once with a newly acquired token.
func joinChannel(ctx context.Context, deps Deps, channel string, identity domain.UserID) (core.MediaConn, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, err := deps.Tokens.Token(ctx, channel, identity)
		if err != nil {
			lastErr = err
		} else {
			conn, err := deps.Media.Join(ctx, channel, token, identity)
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	if ctx.Err() != nil {
		return nil, core.Fail(core.FailCanceled, "join media", context.Canceled)
	}
	return nil, core.Fail(core.FailTransportJoin, "join media", lastErr)
}

func (m *CallMachine) applyTrackFlags() {
	for _, tr := range m.tracks {
		switch tr.Kind() {
		case core.TrackAudio:
			tr.SetMuted(m.view.Muted)
		case core.TrackVideo:
			tr.SetMuted(m.view.CameraOff)
		}
	}
}

// finish moves the view to a terminal status exactly once and converges the
// persisted record if it is not terminal yet. Safe under duplicate delivery.
func (m *CallMachine) finish(status domain.CallStatus, reason string) {
	if m.finished {
		return
	}
	m.finished = true
	m.view.Status = status
	m.view.Reconnecting = false
	if reason != "" {
		m.view.Reason = reason
	}
	if !m.sess.Status.Terminal() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		// duration first: the terminal write archives the history record
		if m.view.Duration > 0 {
			_ = m.deps.Store.UpdateCallDuration(wctx, m.sess.ID, m.view.Duration)
		}
		if err := m.deps.Store.UpdateCallStatus(wctx, m.sess.ID, status); err != nil {
			log.Warn().Str("module", "app.call").Str("call", string(m.sess.ID)).Err(err).Msg("status convergence write failed")
		}
	}
	m.publish()
	log.Info().Str("module", "app.call").Str("call", string(m.sess.ID)).Str("status", string(status)).Str("reason", reason).Msg("call finished")
}

// teardown runs on every loop exit: normal finish, remote termination,
// error and component cancellation. Local media is always released here.
func (m *CallMachine) teardown() {
	if m.busy {
		m.opCancel()
		m.releaseResult(<-m.results)
		m.busy = false
		if m.replyTo != nil {
			m.replyTo <- core.Fail(core.FailCanceled, "command", context.Canceled)
			m.replyTo = nil
		}
	}
	if m.unsub != nil {
		m.unsub()
	}
	closeTracks(m.tracks)
	m.tracks = nil
	if m.conn != nil {
		_ = m.conn.Leave()
		m.conn = nil
	}
	close(m.done)
}

func (m *CallMachine) releaseResult(res callResult) {
	closeTracks(res.tracks)
	if res.conn != nil {
		_ = res.conn.Leave()
	}
}

func (m *CallMachine) publish() {
	m.feed.Publish(m.view)
}
