package http

import (
	"context"
	"net/http"

	"github.com/dkeye/meshroom/internal/adapters/ws"
	"github.com/dkeye/meshroom/internal/bus"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser or CLI a stable token kept in the session.
// Join rate limiting is keyed on it.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

type signalQuery struct {
	// Room is optional; when set it is only echoed in logs.
	Room string `form:"room" binding:"omitempty,max=64"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, hub *bus.Hub, signal *ws.Server) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeshroomSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		var q signalQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sid := c.GetString(clientTokenKey)
		log.Info().Str("module", "adapters.http").Str("sid", sid).Str("room", q.Room).Msg("ws signal endpoint hit")
		signal.Handle(ctx, c.Writer, c.Request, sid)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": hub.Rooms()})
	})

	api.GET("/rooms/:room", func(c *gin.Context) {
		var p struct {
			Room string `uri:"room" binding:"required,max=64"`
		}
		if err := c.ShouldBindUri(&p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		members := hub.Members(domain.RoomID(p.Room))
		if members == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such room"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"name": p.Room, "members": members})
	})

	return r
}
