package handlers

import (
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/huangang/swarmhub/internal/apperrors"
	"github.com/huangang/swarmhub/internal/middleware"
	"github.com/huangang/swarmhub/internal/models"
	"github.com/huangang/swarmhub/internal/services"
	"github.com/huangang/swarmhub/pkg/logger"
	"github.com/huangang/swarmhub/pkg/response"
)

type JobHandler struct {
	store *services.JobStore
	blobs services.BlobStore
}

func NewJobHandler(store *services.JobStore, blobs services.BlobStore) *JobHandler {
	return &JobHandler{store: store, blobs: blobs}
}

// Submit uploads a factbase and creates a pending job
// POST /api/jobs (multipart: name, factbase, meta...)
func (h *JobHandler) Submit(c *gin.Context) {
	token := middleware.GetToken(c)

	file, err := c.FormFile("factbase")
	if err != nil {
		response.Error(c, apperrors.Validation("factbase", "factbase file is required"))
		return
	}

	tmp, err := os.MkdirTemp("", "swarmhub-upload-*")
	if err != nil {
		response.Error(c, err)
		return
	}
	defer os.RemoveAll(tmp)

	path := filepath.Join(tmp, "upload.fb")
	if err := c.SaveUploadedFile(file, path); err != nil {
		response.Error(c, err)
		return
	}

	ctx := c.Request.Context()
	handle, err := h.blobs.Save(ctx, path)
	if err != nil {
		response.Error(c, err)
		return
	}

	job, err := h.store.Submit(ctx, token, c.PostForm("name"), handle, c.PostFormArray("meta"))
	if err != nil {
		if derr := h.blobs.Delete(ctx, handle); derr != nil {
			logger.Warnf("[JobHandler] Failed to delete rejected upload %s: %v", handle, derr)
		}
		response.Error(c, err)
		return
	}

	response.Created(c, job)
}

// List returns the caller's jobs, newest first
// GET /api/jobs
func (h *JobHandler) List(c *gin.Context) {
	var req services.JobListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.store.List(c.Request.Context(), middleware.GetHumanID(c), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, resp)
}

// GET /api/jobs/:id
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.ownJob(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, job)
}

// Recent returns the latest finished job with the name
// GET /api/recent/:name
func (h *JobHandler) Recent(c *gin.Context) {
	job, err := h.store.Recent(c.Request.Context(), middleware.GetHumanID(c), c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, job)
}

// Expire deletes the job's artifacts
// POST /api/jobs/:id/expire
func (h *JobHandler) Expire(c *gin.Context) {
	job, err := h.ownJob(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	token := middleware.GetToken(c)
	if err := h.store.Expire(c.Request.Context(), job.ID, "expired by "+token.Name); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"id": job.ID, "expired": true})
}

// ownJob loads the :id job. Jobs of other humans are reported as missing.
func (h *JobHandler) ownJob(c *gin.Context) (*models.Job, error) {
	id, err := paramID(c, "id")
	if err != nil {
		return nil, err
	}
	job, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	if job.HumanID != middleware.GetHumanID(c) {
		return nil, apperrors.NotFound("job", c.Param("id"))
	}
	return job, nil
}
