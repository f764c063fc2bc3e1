package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/swarmhub/internal/handlers"
	"github.com/huangang/swarmhub/internal/middleware"
	"github.com/huangang/swarmhub/internal/services"
	"github.com/huangang/swarmhub/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine. The
// returned limiter must be closed on shutdown.
func registerRoutes(r *gin.Engine, svc *appServices) *middleware.RateLimiter {
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	_, async := svc.notifier.(*services.AsyncNotifier)
	r.GET("/health", handlers.NewHealthHandler(svc.db, svc.store, async).CheckHealth)
	r.GET("/metrics", gin.WrapH(svc.metricsHandler))

	auth := middleware.TokenAuth(svc.tokens)

	api := r.Group("/api", middleware.CORS(), auth, middleware.AuditLog())
	{
		jobHandler := handlers.NewJobHandler(svc.store, svc.blobs)
		api.POST("/jobs", jobHandler.Submit)
		api.GET("/jobs", jobHandler.List)
		api.GET("/jobs/:id", jobHandler.Get)
		api.POST("/jobs/:id/expire", jobHandler.Expire)
		api.GET("/recent/:name", jobHandler.Recent)

		alterationHandler := handlers.NewAlterationHandler(svc.alterations)
		api.POST("/alterations", alterationHandler.Create)
		api.GET("/alterations", alterationHandler.Pending)

		lockHandler := handlers.NewLockHandler(svc.locks)
		api.GET("/locks/:name", lockHandler.Status)
		api.POST("/locks/:name", lockHandler.Lock)
		api.DELETE("/locks/:name", lockHandler.Unlock)

		systemLogHandler := handlers.NewSystemLogHandler(svc.systemLogs)
		api.GET("/logs", systemLogHandler.List)

		api.GET("/events", handlers.NewEventHandler(svc.events).Stream)
	}

	limiter := middleware.NewRateLimiter(svc.cfg.Server.SwarmRPS, svc.cfg.Server.SwarmBurst)
	swarm := r.Group("/swarm", auth, limiter.Middleware())
	{
		swarmHandler := handlers.NewSwarmHandler(svc.queue)
		swarm.POST("/pop", swarmHandler.Pop)
		swarm.PUT("/finish/:id", swarmHandler.Finish)
	}

	return limiter
}
