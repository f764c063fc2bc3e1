package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/swarmhub/internal/apperrors"
)

func paramID(c *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		return 0, apperrors.Validation(name, "invalid "+name+": "+c.Param(name))
	}
	return uint(id), nil
}
