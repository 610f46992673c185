package httpctl

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/core"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// viewEnvelope is one snapshot frame on the view stream. Absent sections
// mean no such session is active. An incoming call shows up as a call in
// status ringing.
type viewEnvelope struct {
	Call *core.CallView `json:"call,omitempty"`
	Room *core.RoomView `json:"room,omitempty"`
}

type viewConn struct {
	conn *websocket.Conn
	send chan []byte
}

// TrySend queues a frame without blocking; stale view frames are droppable
// because every frame is a full snapshot.
func (c *viewConn) TrySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		log.Warn().Str("module", "httpctl").Msg("view stream backpressure, frame dropped")
		return false
	}
}

func (ctl *controller) handleViewStream(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "httpctl").Msg("ws upgrade failed")
		return
	}
	vc := &viewConn{conn: ws, send: make(chan []byte, 16)}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go ctl.writePump(ctx, vc)
	go ctl.forwardViews(ctx, vc)
	ctl.readPump(ctx, cancel, vc)
}

func (ctl *controller) writePump(ctx context.Context, c *viewConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "httpctl").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "httpctl").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump only watches for the client hanging up.
func (ctl *controller) readPump(ctx context.Context, cancel context.CancelFunc, c *viewConn) {
	defer func() {
		cancel()
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// forwardViews pushes a fresh envelope whenever any session view changes.
// Session machines come and go, so their channels are re-resolved after
// every wakeup; the poll tick picks up sessions created via REST between
// wakeups.
func (ctl *controller) forwardViews(ctx context.Context, c *viewConn) {
	incomingCh, cancelIncoming := ctl.coord.Incoming()
	defer cancelIncoming()

	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	var (
		callCh     <-chan core.CallView
		cancelCall func()
		roomCh     <-chan core.RoomView
		cancelRoom func()
	)
	defer func() {
		if cancelCall != nil {
			cancelCall()
		}
		if cancelRoom != nil {
			cancelRoom()
		}
	}()

	resub := func() {
		m, ok := ctl.coord.ActiveCall()
		if ok && callCh == nil {
			callCh, cancelCall = m.Watch()
		} else if !ok && callCh != nil {
			cancelCall()
			callCh, cancelCall = nil, nil
		}
		r, ok := ctl.coord.ActiveRoom()
		if ok && roomCh == nil {
			roomCh, cancelRoom = r.Watch()
		} else if !ok && roomCh != nil {
			cancelRoom()
			roomCh, cancelRoom = nil, nil
		}
	}

	push := func() {
		var env viewEnvelope
		if m, ok := ctl.coord.ActiveCall(); ok {
			v := m.View()
			env.Call = &v
		}
		if r, ok := ctl.coord.ActiveRoom(); ok {
			v := r.View()
			env.Room = &v
		}
		data, err := json.Marshal(env)
		if err != nil {
			log.Error().Err(err).Str("module", "httpctl").Msg("view marshal")
			return
		}
		c.TrySend(data)
	}

	resub()
	push()
	for {
		select {
		case <-ctx.Done():
			return
		case <-incomingCh:
			resub()
			push()
		case _, ok := <-callCh:
			if !ok {
				cancelCall()
				callCh, cancelCall = nil, nil
			}
			resub()
			push()
		case _, ok := <-roomCh:
			if !ok {
				cancelRoom()
				roomCh, cancelRoom = nil, nil
			}
			resub()
			push()
		case <-poll.C:
			resub()
			push()
		}
	}
}
