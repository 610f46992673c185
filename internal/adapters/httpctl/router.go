// Package httpctl exposes the session core over HTTP: REST commands plus a
// websocket stream of view snapshots.
package httpctl

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/core"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, coord *app.Coordinator, store core.SessionStore) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookieStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PulseSessions", cookieStore))
	r.Use(ClientTokenMiddleware())

	ctl := &controller{coord: coord, store: store, lifetime: ctx}

	log.Info().Str("module", "httpctl").Msg("router setup")

	api := r.Group("/api")

	calls := api.Group("/calls")
	calls.POST("", ctl.placeCall)
	calls.GET("/active", ctl.activeCall)
	calls.GET("/history", ctl.callHistory)
	calls.POST("/accept", ctl.callCmd(func(ctx context.Context, m *app.CallMachine) error { return m.Accept(ctx) }))
	calls.POST("/reject", ctl.callCmd(func(ctx context.Context, m *app.CallMachine) error { return m.Reject(ctx) }))
	calls.POST("/hangup", ctl.callCmd(func(ctx context.Context, m *app.CallMachine) error { return m.HangUp(ctx) }))
	calls.POST("/mute", ctl.callCmd(func(ctx context.Context, m *app.CallMachine) error { return m.ToggleMute(ctx) }))
	calls.POST("/camera", ctl.callCmd(func(ctx context.Context, m *app.CallMachine) error { return m.ToggleCamera(ctx) }))

	rooms := api.Group("/rooms")
	rooms.GET("", ctl.listRooms)
	rooms.POST("", ctl.createRoom)
	rooms.POST("/:id/join", ctl.joinRoom)
	rooms.GET("/active", ctl.activeRoom)
	rooms.POST("/leave", ctl.roomCmd(func(ctx context.Context, r *app.Roster) error { return r.Leave(ctx) }))
	rooms.POST("/hand/raise", ctl.roomCmd(func(ctx context.Context, r *app.Roster) error { return r.RaiseHand(ctx) }))
	rooms.POST("/hand/lower", ctl.roomCmd(func(ctx context.Context, r *app.Roster) error { return r.LowerHand(ctx) }))
	rooms.POST("/mute", ctl.roomCmd(func(ctx context.Context, r *app.Roster) error { return r.ToggleSelfMute(ctx) }))
	rooms.POST("/camera", ctl.roomCmd(func(ctx context.Context, r *app.Roster) error { return r.ToggleCamera(ctx) }))
	rooms.POST("/end", ctl.roomCmd(func(ctx context.Context, r *app.Roster) error { return r.EndRoom(ctx) }))
	rooms.POST("/promote", ctl.memberCmd(func(ctx context.Context, r *app.Roster, uid string) error {
		return r.Promote(ctx, uidOf(uid))
	}))
	rooms.POST("/demote", ctl.memberCmd(func(ctx context.Context, r *app.Roster, uid string) error {
		return r.Demote(ctx, uidOf(uid))
	}))
	rooms.POST("/mute-member", ctl.memberCmd(func(ctx context.Context, r *app.Roster, uid string) error {
		return r.MuteMember(ctx, uidOf(uid))
	}))

	api.GET("/ws/view", func(c *gin.Context) {
		log.Info().Str("module", "httpctl").Str("sid", c.GetString("client_token")).Msg("view stream endpoint hit")
		ctl.handleViewStream(ctx, c)
	})

	return r
}
