package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/huangang/swarmhub/internal/models"
	"github.com/huangang/swarmhub/pkg/logger"
	"gorm.io/gorm"
)

var globalDB *gorm.DB

// InitSystemLogger sets the database the audit helpers write to.
func InitSystemLogger(db *gorm.DB) {
	globalDB = db
}

// AuditEntry is one audit record in the making.
type AuditEntry struct {
	Module  string
	Action  string
	Message string
	HumanID *uint
	JobID   *uint
	IP      string
	Extra   interface{}
}

func LogInfo(e AuditEntry) {
	writeLog("info", e)
}

func LogWarning(e AuditEntry) {
	writeLog("warning", e)
}

func LogError(e AuditEntry) {
	writeLog("error", e)
}

func writeLog(level string, e AuditEntry) {
	if globalDB == nil {
		return
	}

	var extraStr string
	if e.Extra != nil {
		if b, err := json.Marshal(e.Extra); err == nil {
			extraStr = string(b)
		}
	}

	entry := &models.SystemLog{
		Level:     level,
		Module:    e.Module,
		Action:    e.Action,
		Message:   e.Message,
		HumanID:   e.HumanID,
		JobID:     e.JobID,
		IP:        e.IP,
		Extra:     extraStr,
		CreatedAt: time.Now(),
	}
	if err := globalDB.Create(entry).Error; err != nil {
		logger.Warnf("[SystemLog] Failed to write audit log: %v", err)
	}
}

type SystemLogService struct {
	db *gorm.DB
}

func NewSystemLogService(db *gorm.DB) *SystemLogService {
	return &SystemLogService{db: db}
}

type SystemLogListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
	Level    string `form:"level"`
	Module   string `form:"module"`
	JobID    uint   `form:"job_id"`
}

type SystemLogListResponse struct {
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Items    []models.SystemLog `json:"items"`
}

// List returns the audit logs of one human, newest first.
func (s *SystemLogService) List(ctx context.Context, humanID uint, req *SystemLogListRequest) (*SystemLogListResponse, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 || req.PageSize > 100 {
		req.PageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.SystemLog{}).Where("human_id = ?", humanID)
	if req.Level != "" {
		query = query.Where("level = ?", req.Level)
	}
	if req.Module != "" {
		query = query.Where("module = ?", req.Module)
	}
	if req.JobID != 0 {
		query = query.Where("job_id = ?", req.JobID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var logs []models.SystemLog
	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("id DESC").Find(&logs).Error; err != nil {
		return nil, err
	}

	return &SystemLogListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    logs,
	}, nil
}

// CleanupOlderThan deletes logs created before cutoff and returns how many.
func (s *SystemLogService) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.SystemLog{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
