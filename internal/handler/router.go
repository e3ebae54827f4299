package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/campuswatch/internal/middleware"
)

// Routes groups the handlers mounted on the operator API.
type Routes struct {
	Auth    *AuthHandler
	Watcher *WatcherHandler
	Metrics *MetricsHandler
	Tokens  middleware.TokenValidator
	Logger  *zap.Logger
}

// Register mounts probes at the root and the operator API under prefix.
func Register(r *gin.Engine, prefix string, routes Routes) {
	r.GET("/health", routes.Metrics.Health)
	r.GET("/ready", routes.Metrics.Ready)
	r.GET("/metrics", routes.Metrics.Prometheus)

	api := r.Group(prefix)
	api.POST("/auth/login", routes.Auth.Login)

	protected := api.Group("")
	protected.Use(middleware.JWT(routes.Tokens))
	protected.POST("/watchers/:domain/run", middleware.Audit(routes.Logger, "run_cycle"), routes.Watcher.RunCycle)
	protected.GET("/users/:userId/snapshots/:domain", routes.Watcher.GetSnapshot)
	protected.GET("/users/:userId/history", routes.Watcher.ListHistory)
}
