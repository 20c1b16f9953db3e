package gateway

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Party/internal/config"
)

// ClientTokenMiddleware pins a stable token to each device; the hub
// keys subscriptions by it across reconnects.
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

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PartySync", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "gateway.http").Msg("router setup")

	api := r.Group("/api")

	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctl.Hub.List())
	})

	api.GET("/ws/sync", func(c *gin.Context) {
		log.Info().Str("module", "gateway.http").Str("client", c.GetString("client_token")).Msg("ws sync endpoint hit")
		ctl.HandleSync(ctx, c)
	})

	return r
}
