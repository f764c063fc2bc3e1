package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/swarmhub/internal/middleware"
	"github.com/huangang/swarmhub/internal/services"
	"github.com/huangang/swarmhub/pkg/response"
)

type AlterationHandler struct {
	alterations *services.AlterationService
}

func NewAlterationHandler(alterations *services.AlterationService) *AlterationHandler {
	return &AlterationHandler{alterations: alterations}
}

// Create schedules a script for the next job with the name
// POST /api/alterations
func (h *AlterationHandler) Create(c *gin.Context) {
	var req services.CreateAlterationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	alteration, err := h.alterations.Create(c.Request.Context(), middleware.GetHumanID(c), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, alteration)
}

// Pending lists the alterations waiting for the next job with the name
// GET /api/alterations?name=
func (h *AlterationHandler) Pending(c *gin.Context) {
	pending, err := h.alterations.PendingFor(c.Request.Context(), middleware.GetHumanID(c), c.Query("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, pending)
}
