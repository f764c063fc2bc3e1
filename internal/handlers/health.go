package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/swarmhub/internal/services"
	"gorm.io/gorm"
)

// HealthHandler reports whether the database answers and how busy the
// queue is.
type HealthHandler struct {
	db    *gorm.DB
	store *services.JobStore
	async bool
}

func NewHealthHandler(db *gorm.DB, store *services.JobStore, async bool) *HealthHandler {
	return &HealthHandler{db: db, store: store, async: async}
}

// GET /health
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	status := http.StatusOK

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		dbStatus = "error: " + err.Error()
	}
	if dbStatus != "ok" {
		overall = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	components := gin.H{"database": dbStatus}
	if h.async {
		components["notifications"] = "async (Redis)"
	} else {
		components["notifications"] = "sync"
	}
	if overall == "healthy" {
		if stats, err := h.store.Stats(c.Request.Context()); err == nil {
			components["pending_jobs"] = stats.Pending
			components["taken_jobs"] = stats.Taken
		}
	}

	c.JSON(status, gin.H{
		"status":     overall,
		"service":    "swarmhub",
		"components": components,
	})
}
