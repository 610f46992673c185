package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

type rosterCmdKind uint8

const (
	rcLeave rosterCmdKind = iota
	rcRaiseHand
	rcLowerHand
	rcToggleMute
	rcToggleCamera
	rcPromote
	rcDemote
	rcMuteMember
	rcEndRoom
)

type rosterCmd struct {
	kind   rosterCmdKind
	target domain.UserID
	reply  chan error
}

type rosterOp uint8

const (
	rJoin rosterOp = iota
	rPublish
	rUnpublish
	rWrite
)

type rosterResult struct {
	op       rosterOp
	conn     core.MediaConn
	tracks   []core.LocalTrack
	degraded bool
	err      error
}

// Roster maintains the local viewer's authoritative picture of one live
// room. Canonical membership lives in the session store; the roster only
// coordinates the subset that affects local media. Role changes for other
// members are persisted roster edits observed asynchronously by each
// affected client, which then publishes or unpublishes its own tracks —
// nobody drives someone else's media directly.
type Roster struct {
	deps Deps
	tun  Tunables
	self domain.User

	cmds    chan rosterCmd
	roomCh  chan domain.RoomSession
	results chan rosterResult
	feed    *Feed[core.RoomView]
	done    chan struct{}

	// loop-owned
	room     domain.RoomSession
	view     core.RoomView
	unsub    core.Unsubscribe
	conn     core.MediaConn
	mediaEv  <-chan core.MediaEvent
	tracks   []core.LocalTrack
	busy     bool
	opCancel context.CancelFunc
	replyTo  chan error
	pending  []rosterCmd
	degraded bool
	finished bool
}

// JoinRoom registers the viewer in the room and starts its event loop.
// Privacy rules are checked before any membership is persisted: a private
// room rejects a wrong secret with AuthorizationDenied and leaves no trace.
func JoinRoom(ctx context.Context, deps Deps, tun Tunables, self domain.User, roomID domain.RoomID, secret string) (*Roster, error) {
	tun = tun.withDefaults()
	room, err := deps.Store.GetRoom(ctx, roomID)
	if err != nil {
		if core.KindOf(err) == core.FailRoomNotFound {
			return nil, err
		}
		return nil, core.Fail(core.FailSignaling, "get room", err)
	}
	if room.Ended {
		return nil, core.ErrRoomNotFound
	}

	isHost := room.Host.U.ID == self.ID
	role := domain.RoleListener
	if isHost {
		role = domain.RoleHost
	} else {
		if room.Privacy == domain.RoomPrivate && room.Secret != secret {
			return nil, core.ErrAuthorizationDenied
		}
		if tun.RoomCapacity > 0 && room.MemberCount() >= tun.RoomCapacity {
			return nil, core.ErrRoomFull
		}
		// video rooms have no listener tier, every participant may publish
		if room.Kind == domain.RoomVideo {
			role = domain.RoleSpeaker
		}
		if err := deps.Store.SetMember(ctx, roomID, self, role); err != nil {
			if core.KindOf(err) == core.FailRoomNotFound {
				return nil, err
			}
			return nil, core.Fail(core.FailSignaling, "persist membership", err)
		}
	}

	r := &Roster{
		deps:    deps,
		tun:     tun,
		self:    self,
		cmds:    make(chan rosterCmd),
		roomCh:  make(chan domain.RoomSession, 8),
		results: make(chan rosterResult, 1),
		feed:    NewFeed[core.RoomView](),
		done:    make(chan struct{}),
		room:    room,
	}
	r.view = core.RoomView{
		ID:       room.ID,
		Topic:    room.Topic,
		Kind:     room.Kind,
		SelfRole: role,
	}
	r.rebuildView()
	r.publish()

	unsub, err := deps.Store.WatchRoom(ctx, roomID, func(rs domain.RoomSession) {
		select {
		case r.roomCh <- rs:
		case <-r.done:
		}
	})
	if err != nil {
		r.bestEffortRemove()
		return nil, core.Fail(core.FailSignaling, "watch room", err)
	}
	r.unsub = unsub

	go r.run(ctx)
	return r, nil
}

func (r *Roster) View() core.RoomView                   { return r.feed.Current() }
func (r *Roster) Watch() (<-chan core.RoomView, func()) { return r.feed.Subscribe() }
func (r *Roster) Done() <-chan struct{}                 { return r.done }
func (r *Roster) RoomID() domain.RoomID                 { return r.feed.Current().ID }

func (r *Roster) Leave(ctx context.Context) error      { return r.do(ctx, rcLeave, "") }
func (r *Roster) RaiseHand(ctx context.Context) error  { return r.do(ctx, rcRaiseHand, "") }
func (r *Roster) LowerHand(ctx context.Context) error  { return r.do(ctx, rcLowerHand, "") }
func (r *Roster) ToggleSelfMute(ctx context.Context) error { return r.do(ctx, rcToggleMute, "") }
func (r *Roster) ToggleCamera(ctx context.Context) error   { return r.do(ctx, rcToggleCamera, "") }
func (r *Roster) EndRoom(ctx context.Context) error    { return r.do(ctx, rcEndRoom, "") }

func (r *Roster) Promote(ctx context.Context, member domain.UserID) error {
	return r.do(ctx, rcPromote, member)
}

func (r *Roster) Demote(ctx context.Context, member domain.UserID) error {
	return r.do(ctx, rcDemote, member)
}

// MuteMember force-mutes a publishing member. Only the persisted flag is
// written; the member's own client observes it and silences its track.
func (r *Roster) MuteMember(ctx context.Context, member domain.UserID) error {
	return r.do(ctx, rcMuteMember, member)
}

func (r *Roster) do(ctx context.Context, kind rosterCmdKind, target domain.UserID) error {
	cmd := rosterCmd{kind: kind, target: target, reply: make(chan error, 1)}
	select {
	case r.cmds <- cmd:
	case <-r.done:
		if kind == rcLeave {
			return nil
		}
		return core.ErrRoomNotFound
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

func (r *Roster) run(ctx context.Context) {
	defer r.teardown()

	// join the media channel right away: listeners subscribe only,
	// publishers additionally acquire devices via syncRole below
	channel := string(r.room.ID)
	r.startOp(ctx, nil, func(opCtx context.Context) rosterResult {
		conn, err := joinChannel(opCtx, r.deps, channel, r.self.ID)
		if err != nil {
			return rosterResult{op: rJoin, err: err}
		}
		return rosterResult{op: rJoin, conn: conn}
	})

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.cmds:
			r.handleCmd(ctx, cmd)
		case rs := <-r.roomCh:
			r.handleRoom(ctx, rs)
		case res := <-r.results:
			r.handleResult(ctx, res)
		case ev, ok := <-r.mediaEv:
			if !ok {
				r.mediaEv = nil
				continue
			}
			r.handleMedia(ev)
		}
		if r.finished {
			return
		}
	}
}

func (r *Roster) handleCmd(ctx context.Context, cmd rosterCmd) {
	switch cmd.kind {
	case rcLeave:
		r.leaveRoom(cmd)

	case rcToggleMute:
		if !r.publisher() {
			cmd.reply <- core.ErrInvalidState
			return
		}
		// local track first, no round trip; the roster flag follows
		r.view.SelfMuted = !r.view.SelfMuted
		r.applyTrackFlags()
		r.rebuildView()
		r.publish()
		cmd.reply <- nil
		r.persistSelfFlags(ctx)

	case rcToggleCamera:
		if !r.publisher() || r.room.Kind != domain.RoomVideo {
			cmd.reply <- core.ErrInvalidState
			return
		}
		r.view.SelfCameraOff = !r.view.SelfCameraOff
		r.applyTrackFlags()
		r.rebuildView()
		r.publish()
		cmd.reply <- nil
		r.persistSelfFlags(ctx)

	case rcRaiseHand, rcLowerHand:
		if r.view.SelfRole != domain.RoleListener {
			cmd.reply <- core.ErrInvalidState
			return
		}
		if r.deferOrReject(cmd) {
			return
		}
		raised := cmd.kind == rcRaiseHand
		roomID := r.room.ID
		r.startOp(ctx, cmd.reply, func(opCtx context.Context) rosterResult {
			err := r.tun.SignalRetry.Do(opCtx, "raised hand", func(c context.Context) error {
				return r.deps.Store.SetRaisedHand(c, roomID, r.self.ID, raised)
			})
			if err != nil {
				err = core.Fail(core.FailSignaling, "raised hand", err)
			}
			return rosterResult{op: rWrite, err: err}
		})

	case rcPromote:
		r.moveMember(ctx, cmd, domain.RoleListener, domain.RoleSpeaker)

	case rcDemote:
		r.moveMember(ctx, cmd, domain.RoleSpeaker, domain.RoleListener)

	case rcMuteMember:
		if err := r.hostOnly(); err != nil {
			cmd.reply <- err
			return
		}
		if r.deferOrReject(cmd) {
			return
		}
		mem, ok := r.room.Member(cmd.target)
		if !ok || mem.Role() == domain.RoleListener {
			cmd.reply <- core.ErrInvalidState
			return
		}
		target := cmd.target
		roomID := r.room.ID
		r.startOp(ctx, cmd.reply, func(opCtx context.Context) rosterResult {
			muted := true
			err := r.tun.SignalRetry.Do(opCtx, "mute member", func(c context.Context) error {
				return r.deps.Store.UpdateMember(c, roomID, target, core.MemberUpdate{Muted: &muted})
			})
			if err != nil {
				err = core.Fail(core.FailSignaling, "mute member", err)
			}
			return rosterResult{op: rWrite, err: err}
		})

	case rcEndRoom:
		if err := r.hostOnly(); err != nil {
			cmd.reply <- err
			return
		}
		if r.deferOrReject(cmd) {
			return
		}
		roomID := r.room.ID
		r.startOp(ctx, cmd.reply, func(opCtx context.Context) rosterResult {
			err := r.tun.SignalRetry.Do(opCtx, "end room", func(c context.Context) error {
				return r.deps.Store.EndRoom(c, roomID)
			})
			if err != nil {
				err = core.Fail(core.FailSignaling, "end room", err)
			}
			return rosterResult{op: rWrite, err: err}
		})
	}
}

// moveMember edits the persisted roster only. The affected member's own
// client reacts to the change; the host never touches their transport.
func (r *Roster) moveMember(ctx context.Context, cmd rosterCmd, from, to domain.RoomRole) {
	if err := r.hostOnly(); err != nil {
		cmd.reply <- err
		return
	}
	if r.deferOrReject(cmd) {
		return
	}
	mem, ok := r.room.Member(cmd.target)
	if !ok || mem.Role() != from {
		cmd.reply <- core.ErrInvalidState
		return
	}
	user := mem.User()
	promote := to == domain.RoleSpeaker
	roomID := r.room.ID
	r.startOp(ctx, cmd.reply, func(opCtx context.Context) rosterResult {
		err := r.tun.SignalRetry.Do(opCtx, "move member", func(c context.Context) error {
			return r.deps.Store.SetMember(c, roomID, user, to)
		})
		if err != nil {
			return rosterResult{op: rWrite, err: core.Fail(core.FailSignaling, "move member", err)}
		}
		if promote {
			// promotion consumes the raised hand
			if err := r.deps.Store.SetRaisedHand(opCtx, roomID, user.ID, false); err != nil {
				log.Warn().Str("module", "app.roster").Str("room", string(roomID)).Err(err).Msg("clear raised hand failed")
			}
		}
		return rosterResult{op: rWrite}
	})
}

// deferOrReject handles a busy loop: a command colliding with an internal
// reconciliation op (media join, role sync) waits its turn, while a command
// colliding with another user command is rejected outright.
func (r *Roster) deferOrReject(cmd rosterCmd) bool {
	if !r.busy {
		return false
	}
	if r.replyTo == nil {
		r.pending = append(r.pending, cmd)
	} else {
		cmd.reply <- core.ErrTransitionInProgress
	}
	return true
}

func (r *Roster) persistSelfFlags(ctx context.Context) {
	if r.busy {
		// the next snapshot of our own write would be stale anyway; local
		// truth was already applied, so dropping the persist here is safe
		// only for display, not correctness: retry via a fresh toggle
		log.Debug().Str("module", "app.roster").Msg("self flag persist skipped, transition in flight")
		return
	}
	muted, cameraOff := r.view.SelfMuted, r.view.SelfCameraOff
	roomID := r.room.ID
	r.startOp(ctx, nil, func(opCtx context.Context) rosterResult {
		err := r.tun.SignalRetry.Do(opCtx, "self flags", func(c context.Context) error {
			return r.deps.Store.UpdateMember(c, roomID, r.self.ID, core.MemberUpdate{
				Muted:     &muted,
				CameraOff: &cameraOff,
			})
		})
		if err != nil {
			err = core.Fail(core.FailSignaling, "self flags", err)
		}
		return rosterResult{op: rWrite, err: err}
	})
}

func (r *Roster) handleRoom(ctx context.Context, rs domain.RoomSession) {
	if !validRoom(&rs) {
		// malformed roster update: keep the last known good view
		log.Error().Str("module", "app.roster").Str("room", string(rs.ID)).Msg("malformed roster update dropped")
		return
	}
	r.room = rs

	if rs.Ended {
		r.finishView("room ended by host")
		return
	}
	mem, ok := rs.Member(r.self.ID)
	if !ok {
		r.finishView("removed from room")
		return
	}
	r.view.SelfRole = mem.Role()

	// host force-mute: persisted flag wins, apply it to the real track too
	switch v := mem.(type) {
	case domain.Host:
		if v.Muted && !r.view.SelfMuted {
			r.view.SelfMuted = true
			r.applyTrackFlags()
		}
	case domain.Speaker:
		if v.Muted && !r.view.SelfMuted {
			r.view.SelfMuted = true
			r.applyTrackFlags()
		}
	}

	r.rebuildView()
	r.publish()
	r.syncRole(ctx)
}

func (r *Roster) handleResult(ctx context.Context, res rosterResult) {
	r.busy = false
	r.opCancel = nil
	reply := r.replyTo
	r.replyTo = nil

	switch res.op {
	case rJoin:
		if res.err != nil {
			log.Error().Str("module", "app.roster").Str("room", string(r.room.ID)).Err(res.err).Msg("media join failed, leaving room")
			r.bestEffortRemove()
			r.finishView(core.KindOf(res.err).String())
			return
		}
		r.conn = res.conn
		r.mediaEv = res.conn.Events()

	case rPublish:
		if res.err != nil {
			// degraded to view-only rather than failing the join
			r.degraded = true
			r.view.Notice = core.KindOf(res.err).String()
			log.Warn().Str("module", "app.roster").Str("room", string(r.room.ID)).Err(res.err).Msg("publish failed, degraded to listener")
			r.publish()
		} else {
			r.tracks = res.tracks
			r.applyTrackFlags()
			r.rebuildView()
			r.publish()
		}

	case rUnpublish, rWrite:
		if res.err != nil {
			log.Warn().Str("module", "app.roster").Str("room", string(r.room.ID)).Err(res.err).Msg("roster write failed")
		}
	}

	if reply != nil {
		reply <- res.err
	}
	// commands that waited out an internal op run now, in arrival order
	for len(r.pending) > 0 && !r.busy && !r.finished {
		next := r.pending[0]
		r.pending = r.pending[1:]
		r.handleCmd(ctx, next)
	}
	r.syncRole(ctx)
}

func (r *Roster) handleMedia(ev core.MediaEvent) {
	switch ev.Kind {
	case core.EvConnState:
		rec := ev.State == core.ConnReconnecting
		if rec != r.view.Reconnecting {
			r.view.Reconnecting = rec
			r.publish()
		}
	case core.EvVolumes:
		r.view.ActiveSpeaker = r.loudestSpeaker(ev.Volumes)
		r.rebuildView()
		r.publish()
	}
}

// loudestSpeaker picks the loudest currently publishing member above the
// floor. Listeners are never active speakers no matter what the transport
// reports, since they cannot publish audio.
func (r *Roster) loudestSpeaker(volumes []core.VolumeLevel) domain.UserID {
	best := domain.UserID("")
	bestLevel := r.tun.VolumeFloor - 1
	for _, v := range volumes {
		if v.Level <= bestLevel {
			continue
		}
		mem, ok := r.room.Member(v.Peer)
		if !ok || mem.Role() == domain.RoleListener {
			continue
		}
		best = v.Peer
		bestLevel = v.Level
	}
	return best
}

// syncRole reconciles the persisted role with local publish state. Runs
// after every roster snapshot and op completion; no-op while busy.
func (r *Roster) syncRole(ctx context.Context) {
	if r.busy || r.finished || r.conn == nil {
		return
	}
	mem, ok := r.room.Member(r.self.ID)
	if !ok {
		return
	}
	shouldPublish := mem.Role() != domain.RoleListener
	publishing := len(r.tracks) > 0

	switch {
	case shouldPublish && !publishing && !r.degraded:
		r.startOp(ctx, nil, r.publishMediaOp())
	case !shouldPublish && publishing:
		tracks := r.tracks
		r.tracks = nil
		conn := r.conn
		r.startOp(ctx, nil, func(opCtx context.Context) rosterResult {
			err := conn.Unpublish(opCtx, tracks...)
			closeTracks(tracks)
			if err != nil {
				err = core.Fail(core.FailTransportJoin, "unpublish", err)
			}
			return rosterResult{op: rUnpublish, err: err}
		})
		// a fresh promotion may retry acquisition
		r.degraded = false
	}
}

// publishMediaOp acquires devices and publishes. Acquisition failure demotes
// the member back to listener (hosts keep their seat, publish-less). Room
// fields and the connection are snapshotted because the op goroutine runs
// while the loop keeps absorbing roster updates.
func (r *Roster) publishMediaOp() func(context.Context) rosterResult {
	roomID := r.room.ID
	kind := r.room.Kind
	isHost := r.room.Host.U.ID == r.self.ID
	conn := r.conn
	return func(opCtx context.Context) rosterResult {
		var tracks []core.LocalTrack
		audio, err := r.acquire(opCtx, r.deps.Devices.AcquireAudio)
		if err != nil {
			r.demoteSelfOnFailure(opCtx, roomID, isHost)
			return rosterResult{op: rPublish, degraded: true, err: core.Fail(core.FailMediaAcquisition, "acquire microphone", err)}
		}
		tracks = append(tracks, audio)
		if kind == domain.RoomVideo {
			video, err := r.acquire(opCtx, r.deps.Devices.AcquireVideo)
			if err != nil {
				closeTracks(tracks)
				r.demoteSelfOnFailure(opCtx, roomID, isHost)
				return rosterResult{op: rPublish, degraded: true, err: core.Fail(core.FailMediaAcquisition, "acquire camera", err)}
			}
			tracks = append(tracks, video)
		}
		if err := conn.Publish(opCtx, tracks...); err != nil {
			closeTracks(tracks)
			return rosterResult{op: rPublish, degraded: true, err: core.Fail(core.FailTransportJoin, "publish", err)}
		}
		return rosterResult{op: rPublish, tracks: tracks}
	}
}

func (r *Roster) demoteSelfOnFailure(ctx context.Context, roomID domain.RoomID, isHost bool) {
	if isHost {
		return
	}
	if err := r.deps.Store.SetMember(ctx, roomID, r.self, domain.RoleListener); err != nil {
		log.Warn().Str("module", "app.roster").Str("room", string(roomID)).Err(err).Msg("self demote failed")
	}
}

func (r *Roster) acquire(ctx context.Context, fn func(context.Context) (core.LocalTrack, error)) (core.LocalTrack, error) {
	var last error
	for i := 0; i < r.tun.AcquireAttempts; i++ {
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

// leaveRoom tears down in strict order: unpublish and close local tracks
// first, then remove membership, so device handles never leak past the
// roster record.
func (r *Roster) leaveRoom(cmd rosterCmd) {
	if r.busy {
		r.opCancel()
		res := <-r.results
		r.releaseResult(res)
		r.busy = false
		r.opCancel = nil
		if r.replyTo != nil {
			r.replyTo <- core.Fail(core.FailCanceled, "command", context.Canceled)
			r.replyTo = nil
		}
	}
	if len(r.tracks) > 0 && r.conn != nil {
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.conn.Unpublish(wctx, r.tracks...)
		cancel()
	}
	closeTracks(r.tracks)
	r.tracks = nil
	r.bestEffortRemove()
	r.finishView("")
	cmd.reply <- nil
}

func (r *Roster) bestEffortRemove() {
	wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.deps.Store.RemoveMember(wctx, r.room.ID, r.self.ID); err != nil {
		log.Warn().Str("module", "app.roster").Str("room", string(r.room.ID)).Err(err).Msg("membership removal failed")
	}
}

func (r *Roster) hostOnly() error {
	if r.room.Host.U.ID != r.self.ID {
		return core.ErrAuthorizationDenied
	}
	return nil
}

func (r *Roster) publisher() bool {
	return r.view.SelfRole != domain.RoleListener
}

func (r *Roster) applyTrackFlags() {
	for _, tr := range r.tracks {
		switch tr.Kind() {
		case core.TrackAudio:
			tr.SetMuted(r.view.SelfMuted)
		case core.TrackVideo:
			tr.SetMuted(r.view.SelfCameraOff)
		}
	}
}

func (r *Roster) rebuildView() {
	parts := make([]core.ParticipantView, 0, r.room.MemberCount())
	for _, mem := range r.room.Members() {
		pv := core.ParticipantView{
			User:       mem.User(),
			Role:       mem.Role(),
			HandRaised: r.room.HandRaised(mem.User().ID),
		}
		switch v := mem.(type) {
		case domain.Host:
			pv.Muted, pv.CameraOff = v.Muted, v.CameraOff
		case domain.Speaker:
			pv.Muted, pv.CameraOff = v.Muted, v.CameraOff
		}
		if mem.User().ID == r.self.ID {
			// own flags were applied locally before the store write landed
			pv.Muted, pv.CameraOff = r.view.SelfMuted, r.view.SelfCameraOff
		}
		pv.Speaking = pv.User.ID == r.view.ActiveSpeaker && mem.Role() != domain.RoleListener
		parts = append(parts, pv)
	}
	r.view.Participants = parts
	r.view.RaisedHands = append([]domain.UserID(nil), r.room.RaisedHands...)
}

// validRoom rejects roster snapshots that violate the membership
// invariants instead of corrupting the view with partial data.
func validRoom(rs *domain.RoomSession) bool {
	seen := make(map[domain.UserID]bool, rs.MemberCount())
	seen[rs.Host.U.ID] = true
	for _, s := range rs.Speakers {
		if seen[s.U.ID] {
			return false
		}
		seen[s.U.ID] = true
	}
	listeners := make(map[domain.UserID]bool, len(rs.Listeners))
	for _, l := range rs.Listeners {
		if seen[l.U.ID] {
			return false
		}
		seen[l.U.ID] = true
		listeners[l.U.ID] = true
	}
	for _, id := range rs.RaisedHands {
		if !listeners[id] {
			return false
		}
	}
	return true
}

func (r *Roster) startOp(ctx context.Context, reply chan error, fn func(context.Context) rosterResult) {
	opCtx, cancel := context.WithCancel(ctx)
	r.busy = true
	r.opCancel = cancel
	r.replyTo = reply
	go func() {
		r.results <- fn(opCtx)
	}()
}

func (r *Roster) finishView(notice string) {
	if r.finished {
		return
	}
	r.finished = true
	r.view.Ended = true
	if notice != "" {
		r.view.Notice = notice
	}
	r.publish()
	log.Info().Str("module", "app.roster").Str("room", string(r.room.ID)).Str("notice", notice).Msg("left room")
}

func (r *Roster) teardown() {
	if r.busy {
		r.opCancel()
		r.releaseResult(<-r.results)
		r.busy = false
		if r.replyTo != nil {
			r.replyTo <- core.Fail(core.FailCanceled, "command", context.Canceled)
			r.replyTo = nil
		}
	}
	for _, cmd := range r.pending {
		cmd.reply <- core.Fail(core.FailCanceled, "command", context.Canceled)
	}
	r.pending = nil
	if r.unsub != nil {
		r.unsub()
	}
	closeTracks(r.tracks)
	r.tracks = nil
	if r.conn != nil {
		_ = r.conn.Leave()
		r.conn = nil
	}
	if !r.finished {
		// component teardown without an explicit leave still drops our seat
		if !r.room.Ended {
			r.bestEffortRemove()
		}
		r.finishView("")
	}
	close(r.done)
}

func (r *Roster) releaseResult(res rosterResult) {
	closeTracks(res.tracks)
	if res.conn != nil {
		_ = res.conn.Leave()
	}
}

func (r *Roster) publish() {
	r.feed.Publish(r.view)
}
