package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lalith-99/partyhub/internal/auth"
	"github.com/lalith-99/partyhub/internal/middleware"
	"github.com/lalith-99/partyhub/internal/models"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Auth     *AuthHandler
	Entities *EntityHandler
	Messages *MessageHandler
	Users    *UserHandler
	Stream   *StreamHandler

	// Health reports whether backing services answer. Nil means always ok.
	Health func(c *gin.Context) error
}

// NewRouter builds the HTTP surface. Reads are open to anonymous callers;
// every write requires a session.
func NewRouter(h Handlers, jwtSecret string, idle *auth.IdleTracker, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logger))

	// Load balancers poll this without a token.
	r.GET("/v1/health", func(c *gin.Context) {
		if h.Health != nil {
			if err := h.Health(c); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.POST("/auth/signup", h.Auth.Signup)
	v1.POST("/auth/login", h.Auth.Login)

	v1.Use(middleware.AuthMiddleware(jwtSecret, idle))
	v1.GET("/stream", h.Stream.Serve)

	for _, kind := range []models.EntityKind{models.KindEvent, models.KindCommunity} {
		g := v1.Group("/" + collectionPath(kind))
		g.GET("", h.Entities.List(kind))
		g.GET("/:id", h.Entities.Get(kind))

		w := g.Group("", middleware.RequireSession())
		w.POST("", h.Entities.Create(kind))
		w.POST("/:id/join", h.Entities.Join(kind))
		w.POST("/:id/leave", h.Entities.Leave(kind))
		w.POST("/:id/cancel", h.Entities.Cancel(kind))
		w.POST("/:id/requests/:user_id/approve", h.Entities.Approve(kind))
		w.POST("/:id/requests/:user_id/reject", h.Entities.Reject(kind))
	}

	v1.PATCH("/communities/:id", middleware.RequireSession(), h.Entities.Update(models.KindCommunity))
	v1.GET("/communities/:id/messages", h.Messages.List)

	signedIn := v1.Group("", middleware.RequireSession())
	signedIn.POST("/auth/logout", h.Auth.Logout)
	signedIn.POST("/communities/:id/messages", h.Messages.Create)
	signedIn.GET("/users/me", h.Users.GetMe)
	signedIn.PATCH("/users/me", h.Users.UpdateMe)
	signedIn.PUT("/users/me/avatar", h.Users.UploadAvatar)

	return r
}

func collectionPath(kind models.EntityKind) string {
	if kind == models.KindCommunity {
		return "communities"
	}
	return "events"
}
