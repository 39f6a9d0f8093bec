package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suPer8Hu/acontext-api/internal/common"
	"github.com/suPer8Hu/acontext-api/internal/httpapi/handlers"
	"github.com/suPer8Hu/acontext-api/internal/httpapi/middleware"
	"github.com/suPer8Hu/acontext-api/internal/metrics"
)

type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(h *handlers.Handler, authn middleware.Authenticator, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(opts.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.TraceContext())
	r.Use(middleware.AccessLog(opts.Logger))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")

	// signed URLs carry their own credential
	v1.GET("/assets/*key", h.GetAsset)

	authGroup := v1.Group("/")
	authGroup.Use(middleware.ProjectAuth(authn))
	authGroup.Use(middleware.RateLimit(opts.RateLimitRPS, opts.RateLimitBurst, opts.Metrics))

	authGroup.POST("/session", h.CreateSession)
	sess := authGroup.Group("/session/:session_id")
	sess.GET("", h.GetSession)
	sess.DELETE("", h.DeleteSession)
	sess.PUT("/configs", h.UpdateSessionConfigs)
	sess.POST("/connect_to_space", h.ConnectToSpace)
	sess.POST("/messages", h.StoreMessage)
	sess.GET("/messages", h.GetMessages)
	sess.PATCH("/messages/:message_id/meta", h.UpdateMessageMeta)
	sess.GET("/token_counts", h.TokenCounts)
	sess.GET("/tasks", h.ListTasks)
	sess.POST("/flush", h.Flush)
	return r
}
