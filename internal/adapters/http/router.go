// Package http exposes the meeting, chat and peer stores as a REST API next to
// the signaling websocket.
package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app/store"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const sessionName = "MeetSessions"

type Deps struct {
	Meetings *store.Meetings
	Chat     *store.Chat
	Peers    *store.Peers
	Broker   *signal.Broker
	Metrics  *metrics.Metrics
}

// ClientIdentityMiddleware gives every browser or client a stable identity kept
// in the signed session cookie. Meeting ownership is bound to it.
func ClientIdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		id, _ := session.Get("uid").(string)
		if id == "" {
			id = uuid.NewString()
			session.Set("uid", id)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(signal.ClientIDKey, id)
		c.Next()
	}
}

func clientID(c *gin.Context) domain.UserID {
	return domain.UserID(c.GetString(signal.ClientIDKey))
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware())
	}

	sessionStore := cookie.NewStore([]byte(cfg.Secret))
	sessionStore.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, sessionStore))
	r.Use(ClientIdentityMiddleware())

	h := &handlers{Deps: d}
	if d.Broker != nil {
		d.Broker.OnClose(func(addr domain.PeerAddress) {
			if mid, pid, ok := d.Peers.Lookup(addr); ok {
				d.Peers.Deregister(mid, pid)
			}
		})
	}

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler(func() {
			d.Metrics.SetActiveMeetings(d.Meetings.ActiveCount())
			d.Metrics.SetRegisteredPeers(d.Peers.Count())
		})))
	}

	api := r.Group("/api")

	api.POST("/meetings", h.createMeeting)
	api.POST("/meetings/join", h.joinMeeting)
	api.POST("/meetings/:id/leave", h.leaveMeeting)
	api.POST("/meetings/:id/end", h.endMeeting)
	api.GET("/meetings/:id/link", h.meetingLink)
	api.GET("/meetings/:id/participants", h.participants)

	api.GET("/meetings/:id/chat", h.chatHistory)
	api.POST("/meetings/:id/chat", h.sendChat)

	api.GET("/meetings/:id/peers", h.listPeers)
	api.POST("/meetings/:id/peers", h.registerPeer)
	api.POST("/meetings/:id/peers/:pid/heartbeat", h.heartbeat)
	api.DELETE("/meetings/:id/peers/:pid", h.deregisterPeer)

	api.GET("/ws/signal", func(c *gin.Context) {
		d.Broker.HandleWS(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("public_url", cfg.PublicURL).Msg("router setup")
	return r
}
