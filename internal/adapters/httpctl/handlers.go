package httpctl

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

type controller struct {
	coord *app.Coordinator
	store core.SessionStore
	// lifetime outlives any single request: machines started from a handler
	// must not die with the request context
	lifetime context.Context
}

func uidOf(s string) domain.UserID { return domain.UserID(s) }

// statusOf maps failure kinds to HTTP statuses.
func statusOf(err error) int {
	switch core.KindOf(err) {
	case core.FailAuthorizationDenied:
		return http.StatusForbidden
	case core.FailRoomNotFound, core.FailSessionNotFound:
		return http.StatusNotFound
	case core.FailRoomFull, core.FailTransitionInProgress, core.FailInvalidState, core.FailCanceled:
		return http.StatusConflict
	case core.FailSignaling, core.FailMediaAcquisition, core.FailTransportJoin:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{
		"error":  err.Error(),
		"reason": core.KindOf(err).String(),
	})
}

type placeCallRequest struct {
	Callee struct {
		ID        string `json:"id" binding:"required"`
		Name      string `json:"name" binding:"required"`
		AvatarURL string `json:"avatar_url"`
	} `json:"callee" binding:"required"`
	ChatID string `json:"chat_id" binding:"required"`
	Kind   string `json:"kind" binding:"required,oneof=audio video"`
}

func (ctl *controller) placeCall(c *gin.Context) {
	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	callee := domain.User{
		ID:        domain.UserID(req.Callee.ID),
		Name:      req.Callee.Name,
		AvatarURL: req.Callee.AvatarURL,
	}
	m, err := ctl.coord.PlaceCall(ctl.lifetime, callee, domain.ChatID(req.ChatID), domain.CallKind(req.Kind))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m.View())
}

func (ctl *controller) activeCall(c *gin.Context) {
	m, ok := ctl.coord.ActiveCall()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active call"})
		return
	}
	c.JSON(http.StatusOK, m.View())
}

func (ctl *controller) callHistory(c *gin.Context) {
	limit := 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	recs, err := ctl.coord.History(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs})
}

func (ctl *controller) callCmd(fn func(context.Context, *app.CallMachine) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := ctl.coord.ActiveCall()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active call"})
			return
		}
		if err := fn(c.Request.Context(), m); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, m.View())
	}
}

type createRoomRequest struct {
	Topic   string `json:"topic" binding:"required"`
	Kind    string `json:"kind" binding:"required,oneof=audio video"`
	Privacy string `json:"privacy" binding:"required,oneof=public friends private"`
	Secret  string `json:"secret"`
}

func (ctl *controller) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := ctl.coord.CreateRoom(ctl.lifetime, req.Topic,
		domain.RoomKind(req.Kind), domain.RoomPrivacy(req.Privacy), req.Secret)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r.View())
}

type joinRoomRequest struct {
	Secret string `json:"secret"`
}

func (ctl *controller) joinRoom(c *gin.Context) {
	var req joinRoomRequest
	_ = c.ShouldBindJSON(&req) // secret is optional, body may be empty
	r, err := ctl.coord.JoinRoom(ctl.lifetime, domain.RoomID(c.Param("id")), req.Secret)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r.View())
}

func (ctl *controller) listRooms(c *gin.Context) {
	rooms, err := ctl.store.ListRooms(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (ctl *controller) activeRoom(c *gin.Context) {
	r, ok := ctl.coord.ActiveRoom()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active room"})
		return
	}
	c.JSON(http.StatusOK, r.View())
}

func (ctl *controller) roomCmd(fn func(context.Context, *app.Roster) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, ok := ctl.coord.ActiveRoom()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active room"})
			return
		}
		if err := fn(c.Request.Context(), r); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, r.View())
	}
}

type memberRequest struct {
	Member string `json:"member" binding:"required"`
}

func (ctl *controller) memberCmd(fn func(context.Context, *app.Roster, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req memberRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		r, ok := ctl.coord.ActiveRoom()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active room"})
			return
		}
		if err := fn(c.Request.Context(), r, req.Member); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, r.View())
	}
}
