package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/swarmhub/internal/middleware"
	"github.com/huangang/swarmhub/internal/services"
	"github.com/huangang/swarmhub/pkg/response"
)

type LockHandler struct {
	locks *services.NameLock
}

func NewLockHandler(locks *services.NameLock) *LockHandler {
	return &LockHandler{locks: locks}
}

// POST /api/locks/:name?owner=
func (h *LockHandler) Lock(c *gin.Context) {
	name, owner := c.Param("name"), c.Query("owner")
	if err := h.locks.Acquire(c.Request.Context(), middleware.GetHumanID(c), name, owner); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"name": name, "owner": owner, "locked": true})
}

// DELETE /api/locks/:name?owner=
func (h *LockHandler) Unlock(c *gin.Context) {
	name, owner := c.Param("name"), c.Query("owner")
	if err := h.locks.Release(c.Request.Context(), middleware.GetHumanID(c), name, owner); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"name": name, "owner": owner, "locked": false})
}

// GET /api/locks/:name
func (h *LockHandler) Status(c *gin.Context) {
	held, err := h.locks.Holder(c.Request.Context(), middleware.GetHumanID(c), c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if held == nil {
		response.Success(c, gin.H{"name": c.Param("name"), "locked": false})
		return
	}
	response.Success(c, gin.H{"name": held.Name, "owner": held.Owner, "locked": true, "since": held.CreatedAt})
}
