package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/huangang/swarmhub/internal/apperrors"
	"github.com/huangang/swarmhub/internal/models"
	"gorm.io/gorm"
)

// AlterationSource yields the scripts to apply to the data of the next job
// with a given name.
type AlterationSource interface {
	PendingFor(ctx context.Context, humanID uint, name string) ([]models.Alteration, error)
	MarkComplete(ctx context.Context, alterationID, jobID uint) error
}

type AlterationService struct {
	db *gorm.DB
}

func NewAlterationService(db *gorm.DB) *AlterationService {
	return &AlterationService{db: db}
}

type CreateAlterationRequest struct {
	Name   string `json:"name" binding:"required"`
	Script string `json:"script" binding:"required"`
}

func (s *AlterationService) Create(ctx context.Context, humanID uint, req *CreateAlterationRequest) (*models.Alteration, error) {
	if !jobNamePattern.MatchString(req.Name) {
		return nil, apperrors.Validation("name", fmt.Sprintf("invalid job name %q", req.Name))
	}
	if strings.TrimSpace(req.Script) == "" {
		return nil, apperrors.Validation("script", "script is required")
	}
	alteration := &models.Alteration{
		HumanID: humanID,
		Name:    req.Name,
		Script:  req.Script,
	}
	if err := s.db.WithContext(ctx).Create(alteration).Error; err != nil {
		return nil, err
	}
	return alteration, nil
}

// PendingFor lists the alterations not applied yet, oldest first.
func (s *AlterationService) PendingFor(ctx context.Context, humanID uint, name string) ([]models.Alteration, error) {
	var alterations []models.Alteration
	err := s.db.WithContext(ctx).
		Where("human_id = ? AND name = ? AND job_id IS NULL", humanID, name).
		Order("id").
		Find(&alterations).Error
	return alterations, err
}

// MarkComplete records that the alteration ran as part of the job. An
// alteration completes only once; later calls are no-ops.
func (s *AlterationService) MarkComplete(ctx context.Context, alterationID, jobID uint) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Alteration{}).
		Where("id = ? AND job_id IS NULL", alterationID).
		Updates(map[string]interface{}{"job_id": jobID, "completed_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Alteration{}).Where("id = ?", alterationID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return apperrors.NotFound("alteration", itoa(alterationID))
		}
	}
	return nil
}
