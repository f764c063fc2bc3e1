package handlers

import (
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/swarmhub/internal/services"
	"github.com/huangang/swarmhub/pkg/logger"
	"github.com/huangang/swarmhub/pkg/response"
)

// maxBundleSize caps completion bundles uploaded by workers.
const maxBundleSize = 512 << 20

// SwarmHandler is the transfer surface of remote workers.
type SwarmHandler struct {
	queue *services.JobQueue
}

func NewSwarmHandler(queue *services.JobQueue) *SwarmHandler {
	return &SwarmHandler{queue: queue}
}

// Pop claims the next job and streams its bundle, or 204 when the queue is
// empty. The claimed job id is in the X-Job-Id header.
// POST /swarm/pop?owner=
func (h *SwarmHandler) Pop(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := h.queue.Pop(ctx, c.Query("owner"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if job == nil {
		c.Status(http.StatusNoContent)
		return
	}

	// A failed pack leaves the claim to the stuck sweep.
	f, err := os.CreateTemp("", "swarmhub-pop-*.tar.gz")
	if err != nil {
		response.Error(c, err)
		return
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := h.queue.Pack(ctx, job, f); err != nil {
		logger.Error().Err(err).Uint("job_id", job.ID).Msg("[SwarmHandler] Failed to pack claimed job")
		response.Error(c, err)
		return
	}
	info, err := f.Stat()
	if err != nil {
		response.Error(c, err)
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		response.Error(c, err)
		return
	}

	c.DataFromReader(http.StatusOK, info.Size(), "application/gzip", f, map[string]string{
		"X-Job-Id":            strconv.FormatUint(uint64(job.ID), 10),
		"X-Job-Name":          job.Name,
		"Content-Disposition": `attachment; filename="` + strconv.FormatUint(uint64(job.ID), 10) + `.tar.gz"`,
	})
}

// Finish accepts the completion bundle of a claimed job
// PUT /swarm/finish/:id
func (h *SwarmHandler) Finish(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		response.Error(c, err)
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxBundleSize)
	result, err := h.queue.Finish(c.Request.Context(), id, body)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}
