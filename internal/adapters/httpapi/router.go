package httpapi

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	wssignal "github.com/avolkov/meshcall/internal/adapters/signal"
	"github.com/avolkov/meshcall/internal/config"
	"github.com/avolkov/meshcall/internal/registry"
)

// ClientTokenMiddleware hands every browser a stable token usable as a
// default session id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, reg *registry.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeshcallSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "httpapi").Str("static", cfg.StaticPath).Msg("router setup")

	rooms := &RoomHandlers{Registry: reg}
	if cfg.RateLimit > 0 && cfg.RateInterval > 0 {
		rooms.Limiter = wssignal.NewRateLimiter(cfg.RateLimit, cfg.RateInterval)
	}
	ctl := wssignal.NewWSController(reg, cfg)

	api := r.Group("/api")
	api.POST("/rooms", rooms.Create)
	api.GET("/rooms", rooms.List)
	api.GET("/rooms/:roomId", rooms.Get)

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "httpapi").Str("ct", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	return r
}
