package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/huangang/swarmhub/internal/apperrors"
	"github.com/huangang/swarmhub/internal/models"
	"github.com/huangang/swarmhub/internal/observability"
	"github.com/huangang/swarmhub/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	jobNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,31}$`)
	metaPattern    = regexp.MustCompile(`^[a-z0-9_-]+:.+$`)
)

// JobStore owns the lifecycle of jobs: pending, taken, finished, expired.
type JobStore struct {
	db       *gorm.DB
	blobs    BlobStore
	notifier Notifier
	billing  *BillingService
	locks    *NameLock
	metrics  *observability.Metrics
	events   *EventHub
}

func NewJobStore(db *gorm.DB, blobs BlobStore, notifier Notifier, billing *BillingService, locks *NameLock, metrics *observability.Metrics) *JobStore {
	return &JobStore{
		db:       db,
		blobs:    blobs,
		notifier: notifier,
		billing:  billing,
		locks:    locks,
		metrics:  metrics,
	}
}

// SetEvents makes the store publish lifecycle events to hub.
func (s *JobStore) SetEvents(hub *EventHub) {
	s.events = hub
}

// Submit creates a pending job for the token's human.
func (s *JobStore) Submit(ctx context.Context, token *models.Token, name, uri1 string, metas []string) (*models.Job, error) {
	if !jobNamePattern.MatchString(name) {
		return nil, apperrors.Validation("name", fmt.Sprintf("invalid job name %q", name))
	}
	if uri1 == "" {
		return nil, apperrors.Validation("uri1", "input artifact is required")
	}
	for _, m := range metas {
		if !metaPattern.MatchString(m) {
			return nil, apperrors.Validation("meta", fmt.Sprintf("invalid meta %q, expected key:value", m))
		}
	}

	job := &models.Job{
		HumanID: token.HumanID,
		TokenID: token.ID,
		Name:    name,
		URI1:    uri1,
		Metas:   strings.Join(metas, "\n"),
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.metrics.RecordSubmitted(ctx)
	s.events.Publish(JobEvent{JobID: job.ID, HumanID: job.HumanID, Name: name, Status: EventSubmitted})
	logger.Info().Uint("job_id", job.ID).Str("name", name).Uint("human_id", job.HumanID).Msg("[JobStore] Submitted")
	return job, nil
}

// Get returns the job with its result.
func (s *JobStore) Get(ctx context.Context, id uint) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).Preload("Result").First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("job", itoa(id))
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// FinishParams is the outcome of one processing of a job.
type FinishParams struct {
	URI2   *string
	Stdout string
	Exit   int
	Msec   int64
	Size   *int64
	Errors *int
}

func (p *FinishParams) validate() error {
	if p.Msec < 0 {
		return apperrors.Validation("msec", "msec must not be negative")
	}
	if p.Exit == 0 && p.Size == nil {
		return apperrors.Validation("size", "size is required when exit is zero")
	}
	if p.Exit == 0 && p.Errors == nil {
		return apperrors.Validation("errors", "errors is required when exit is zero")
	}
	if p.Errors != nil && *p.Errors < 0 {
		return apperrors.Validation("errors", "errors must not be negative")
	}
	return nil
}

// Finish records the terminal result of the job and clears its claim.
// Billing and notifications follow the commit and never undo it.
func (s *JobStore) Finish(ctx context.Context, jobID uint, p FinishParams) (*models.Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	var job models.Job
	result := &models.Result{
		JobID:  jobID,
		URI2:   p.URI2,
		Stdout: p.Stdout,
		Exit:   p.Exit,
		Msec:   p.Msec,
		Size:   p.Size,
		Errors: p.Errors,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Preload("Result").First(&job, jobID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFound("job", itoa(jobID))
		}
		if err != nil {
			return err
		}
		if job.Expired {
			return apperrors.State("job", fmt.Sprintf("job #%d is expired", jobID))
		}
		if job.Finished() {
			return apperrors.State("job", fmt.Sprintf("job #%d is already finished", jobID))
		}

		if err := tx.Create(result).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperrors.State("job", fmt.Sprintf("job #%d is already finished", jobID))
			}
			return fmt.Errorf("failed to create result: %w", err)
		}
		return tx.Model(&models.Job{}).Where("id = ?", jobID).
			Updates(map[string]interface{}{"taken": nil, "taken_at": nil}).Error
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordFinished(ctx, p.Exit)
	exit := p.Exit
	s.events.Publish(JobEvent{JobID: jobID, HumanID: job.HumanID, Name: job.Name, Status: EventFinished, Exit: &exit})
	logger.Info().Uint("job_id", jobID).Str("name", job.Name).Int("exit", p.Exit).Int64("msec", p.Msec).Msg("[JobStore] Finished")

	s.afterFinish(ctx, &job, result)
	return result, nil
}

func (s *JobStore) afterFinish(ctx context.Context, job *models.Job, result *models.Result) {
	if s.billing != nil {
		if _, err := s.billing.Debit(job.HumanID, job.ID, result.Msec); err != nil {
			logger.Warnf("[JobStore] Failed to debit human %d for job #%d: %v", job.HumanID, job.ID, err)
		}
	}
	if s.notifier == nil {
		return
	}

	if result.Exit != 0 || (result.Errors != nil && *result.Errors > 0) {
		errs := 0
		if result.Errors != nil {
			errs = *result.Errors
		}
		s.notifier.Notify(ctx, job.HumanID,
			fmt.Sprintf("Job #%d (%q) finished with exit code %d and %d error(s).", job.ID, job.Name, result.Exit, errs))
	}

	if s.billing != nil {
		balance, err := s.billing.Balance(job.HumanID)
		if err != nil {
			logger.Warnf("[JobStore] Failed to read balance of human %d: %v", job.HumanID, err)
			return
		}
		if balance < 0 {
			s.notifier.Notify(ctx, job.HumanID,
				fmt.Sprintf("The balance of your account is negative: %d zents.", balance))
		}
	}
}

// Expire deletes the artifacts of the job and marks it expired. A job
// without a result gets a failed one carrying the reason. The name lock held
// by its claim, if any, is released.
func (s *JobStore) Expire(ctx context.Context, jobID uint, reason string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Expired {
		return apperrors.State("job", fmt.Sprintf("job #%d is already expired", jobID))
	}

	handles := []string{job.URI1}
	if job.Result != nil && job.Result.URI2 != nil {
		handles = append(handles, *job.Result.URI2)
	}
	for _, h := range handles {
		if h == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, h); err != nil && !errors.Is(err, ErrBlobNotFound) {
			return fmt.Errorf("failed to delete artifact %s of job #%d: %w", h, jobID, err)
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if job.Result == nil {
			synthetic := &models.Result{JobID: jobID, Exit: 1, Stdout: reason}
			// A concurrent finish may have stored a result meanwhile.
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "job_id"}},
				DoNothing: true,
			}).Create(synthetic).Error
			if err != nil {
				return fmt.Errorf("failed to create result: %w", err)
			}
		}
		res := tx.Model(&models.Job{}).
			Where("id = ? AND expired = ?", jobID, false).
			Updates(map[string]interface{}{"expired": true, "taken": nil, "taken_at": nil})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.State("job", fmt.Sprintf("job #%d is already expired", jobID))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if job.Taken != nil && s.locks != nil {
		if err := s.locks.Release(ctx, job.HumanID, job.Name, *job.Taken); err != nil {
			logger.Debug().Err(err).Uint("job_id", jobID).Msg("[JobStore] Lock of expired job was not held")
		}
	}

	s.metrics.RecordExpired(ctx, reason)
	s.events.Publish(JobEvent{JobID: jobID, HumanID: job.HumanID, Name: job.Name, Status: EventExpired, Reason: reason})
	logger.Info().Uint("job_id", jobID).Str("name", job.Name).Str("reason", reason).Msg("[JobStore] Expired")
	return nil
}

// JobSummary is the read model of a job in listings.
type JobSummary struct {
	ID       uint      `json:"id"`
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	Taken    *string   `json:"taken,omitempty"`
	Expired  bool      `json:"expired"`
	Finished bool      `json:"finished"`
	Exit     *int      `json:"exit,omitempty"`
	Msec     *int64    `json:"msec,omitempty"`
	Size     *int64    `json:"size,omitempty"`
	Errors   *int      `json:"errors,omitempty"`
}

func summarize(job *models.Job) JobSummary {
	s := JobSummary{
		ID:      job.ID,
		Name:    job.Name,
		Created: job.CreatedAt,
		Taken:   job.Taken,
		Expired: job.Expired,
	}
	if r := job.Result; r != nil {
		exit, msec := r.Exit, r.Msec
		s.Finished = true
		s.Exit = &exit
		s.Msec = &msec
		s.Size = r.Size
		s.Errors = r.Errors
	}
	return s
}

type JobListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
	Name     string `form:"name"`
}

type JobListResponse struct {
	Total    int64        `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	Items    []JobSummary `json:"items"`
}

// List returns the human's jobs, newest first.
func (s *JobStore) List(ctx context.Context, humanID uint, req *JobListRequest) (*JobListResponse, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 || req.PageSize > 100 {
		req.PageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.Job{}).Where("human_id = ?", humanID)
	if req.Name != "" {
		query = query.Where("name = ?", req.Name)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var jobs []models.Job
	offset := (req.Page - 1) * req.PageSize
	if err := query.Preload("Result").Order("id DESC").Offset(offset).Limit(req.PageSize).Find(&jobs).Error; err != nil {
		return nil, err
	}

	items := make([]JobSummary, 0, len(jobs))
	for i := range jobs {
		items = append(items, summarize(&jobs[i]))
	}
	return &JobListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    items,
	}, nil
}

// Recent returns the latest finished, not expired job with the name.
func (s *JobStore) Recent(ctx context.Context, humanID uint, name string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).Preload("Result").
		Where("human_id = ? AND name = ? AND expired = ?", humanID, name, false).
		Where("EXISTS (SELECT 1 FROM results WHERE results.job_id = jobs.id)").
		Order("id DESC").
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("job", name)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// QueueStats counts jobs waiting for a worker and jobs being processed.
type QueueStats struct {
	Pending int64 `json:"pending"`
	Taken   int64 `json:"taken"`
}

func (s *JobStore) Stats(ctx context.Context) (*QueueStats, error) {
	var stats QueueStats
	unfinished := "NOT EXISTS (SELECT 1 FROM results WHERE results.job_id = jobs.id)"
	if err := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("expired = ? AND taken IS NULL", false).Where(unfinished).
		Count(&stats.Pending).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("expired = ? AND taken IS NOT NULL", false).Where(unfinished).
		Count(&stats.Taken).Error; err != nil {
		return nil, err
	}
	return &stats, nil
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
