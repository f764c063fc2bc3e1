package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/huangang/swarmhub/internal/apperrors"
	"github.com/huangang/swarmhub/internal/models"
	"github.com/huangang/swarmhub/internal/observability"
	"github.com/huangang/swarmhub/pkg/logger"
	"gorm.io/gorm"
)

// errLostRace means another caller claimed the candidate first.
var errLostRace = errors.New("claim lost to a concurrent pop")

// JobQueue hands jobs to workers and takes their results back.
type JobQueue struct {
	db          *gorm.DB
	store       *JobStore
	locks       *NameLock
	alterations AlterationSource
	blobs       BlobStore
	secrets     *SecretService
	metrics     *observability.Metrics
	attempts    int
}

func NewJobQueue(db *gorm.DB, store *JobStore, locks *NameLock, alterations AlterationSource, blobs BlobStore, secrets *SecretService, metrics *observability.Metrics, attempts int) *JobQueue {
	if attempts <= 0 {
		attempts = 8
	}
	return &JobQueue{
		db:          db,
		store:       store,
		locks:       locks,
		alterations: alterations,
		blobs:       blobs,
		secrets:     secrets,
		metrics:     metrics,
		attempts:    attempts,
	}
}

// Pop claims the oldest job that has no result, no claim and whose name is
// neither locked by someone else nor claimed by another running job. It returns nil when nothing is available.
// The claim and the name lock are taken in one transaction.
func (q *JobQueue) Pop(ctx context.Context, owner string) (*models.Job, error) {
	if owner == "" {
		return nil, apperrors.Validation("owner", "owner is required")
	}

	for attempt := 1; attempt <= q.attempts; attempt++ {
		job, err := q.claim(ctx, owner)
		switch {
		case err == nil:
			if job != nil {
				q.metrics.RecordPopped(ctx)
				q.store.events.Publish(JobEvent{JobID: job.ID, HumanID: job.HumanID, Name: job.Name, Status: EventTaken, Owner: owner})
				logger.Info().Uint("job_id", job.ID).Str("name", job.Name).Str("owner", owner).Msg("[JobQueue] Popped")
			}
			return job, nil
		case errors.Is(err, errLostRace):
			logger.Debug().Int("attempt", attempt).Str("owner", owner).Msg("[JobQueue] Lost claim race, retrying")
		case errors.Is(err, apperrors.ErrBusy):
			q.metrics.RecordLockConflict(ctx)
			logger.Debug().Int("attempt", attempt).Str("owner", owner).Msg("[JobQueue] Name locked, retrying")
		default:
			return nil, err
		}
	}

	logger.Warn().Str("owner", owner).Int("attempts", q.attempts).Msg("[JobQueue] Gave up claiming under contention")
	return nil, nil
}

func (q *JobQueue) claim(ctx context.Context, owner string) (*models.Job, error) {
	var claimed *models.Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		err := tx.Where("expired = ? AND taken IS NULL", false).
			Where("NOT EXISTS (SELECT 1 FROM results WHERE results.job_id = jobs.id)").
			Where("NOT EXISTS (SELECT 1 FROM locks WHERE locks.human_id = jobs.human_id AND locks.name = jobs.name AND locks.owner <> ?)", owner).
			// One claim per name, even for the owner already holding its lock.
			Where("NOT EXISTS (SELECT 1 FROM jobs AS running WHERE running.human_id = jobs.human_id AND running.name = jobs.name AND running.taken IS NOT NULL)").
			Order("id").
			Take(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select job: %w", err)
		}

		now := time.Now()
		res := tx.Model(&models.Job{}).
			Where("id = ? AND taken IS NULL", job.ID).
			Updates(map[string]interface{}{"taken": owner, "taken_at": now})
		if res.Error != nil {
			return fmt.Errorf("failed to claim job: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errLostRace
		}

		if err := acquireLock(tx, job.HumanID, job.Name, owner); err != nil {
			return err
		}

		job.Taken = &owner
		job.TakenAt = &now
		claimed = &job
		return nil
	})
	return claimed, err
}

// Pack writes the bundle a worker needs to process the job: its input
// artifact, job.json and the pending alterations of its name.
func (q *JobQueue) Pack(ctx context.Context, job *models.Job, w io.Writer) error {
	dir, err := os.MkdirTemp("", "swarmhub-pack-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	if err := q.blobs.Load(ctx, job.URI1, filepath.Join(dir, ArtifactName(job.ID))); err != nil {
		return fmt.Errorf("failed to load input of job #%d: %w", job.ID, err)
	}

	meta, err := json.Marshal(&PopMeta{ID: job.ID, Name: job.Name, Human: job.HumanID})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, BundleMetaFile), meta, 0o644); err != nil {
		return err
	}

	pending, err := q.alterations.PendingFor(ctx, job.HumanID, job.Name)
	if err != nil {
		return fmt.Errorf("failed to list alterations: %w", err)
	}
	for _, a := range pending {
		if err := os.WriteFile(filepath.Join(dir, AlterationFileName(a.ID)), []byte(a.Script), 0o644); err != nil {
			return err
		}
	}

	return WriteBundle(w, dir)
}

// Finish accepts the completion bundle of a worker, stores its output
// artifact and records the result. The name lock of the claim is released
// and the alterations the worker applied are marked complete.
func (q *JobQueue) Finish(ctx context.Context, jobID uint, bundle io.Reader) (*models.Result, error) {
	dir, err := os.MkdirTemp("", "swarmhub-finish-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	if err := ReadBundle(bundle, dir); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, BundleMetaFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.Validation(BundleMetaFile, BundleMetaFile+" is missing in the bundle")
	}
	if err != nil {
		return nil, err
	}
	meta, err := ParseCompletionMeta(data)
	if err != nil {
		return nil, err
	}
	if meta.ID == 0 {
		return nil, apperrors.Validation("id", "id is required in "+BundleMetaFile)
	}
	if meta.ID != jobID {
		return nil, apperrors.Validation("id", fmt.Sprintf("bundle is for job #%d, not #%d", meta.ID, jobID))
	}

	job, err := q.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch {
	case job.Expired:
		return nil, apperrors.State("job", fmt.Sprintf("job #%d is expired", jobID))
	case job.Finished():
		return nil, apperrors.State("job", fmt.Sprintf("job #%d is already finished", jobID))
	case job.Taken == nil:
		return nil, apperrors.State("job", fmt.Sprintf("job #%d was never popped", jobID))
	}

	stdout, err := readOptional(filepath.Join(dir, BundleStdoutFile))
	if err != nil {
		return nil, err
	}
	if q.secrets != nil {
		if stdout, err = q.secrets.Redact(job.HumanID, stdout); err != nil {
			return nil, err
		}
	}

	params := FinishParams{
		Stdout: stdout,
		Exit:   meta.Exit,
		Msec:   meta.Msec,
		Errors: meta.Errors,
	}

	artifact := filepath.Join(dir, ArtifactName(jobID))
	if info, err := os.Stat(artifact); err == nil {
		handle, err := q.blobs.Save(ctx, artifact)
		if err != nil {
			return nil, fmt.Errorf("failed to save output of job #%d: %w", jobID, err)
		}
		size := info.Size()
		params.URI2 = &handle
		params.Size = &size
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	result, err := q.store.Finish(ctx, jobID, params)
	if err != nil {
		if params.URI2 != nil {
			if derr := q.blobs.Delete(ctx, *params.URI2); derr != nil {
				logger.Warnf("[JobQueue] Failed to delete orphan output %s: %v", *params.URI2, derr)
			}
		}
		return nil, err
	}

	if err := q.locks.Release(ctx, job.HumanID, job.Name, *job.Taken); err != nil {
		logger.Warn().Err(err).Uint("job_id", jobID).Msg("[JobQueue] Failed to release lock")
	}
	for _, id := range meta.Alterations {
		if err := q.alterations.MarkComplete(ctx, id, jobID); err != nil {
			logger.Warn().Err(err).Uint("alteration_id", id).Uint("job_id", jobID).Msg("[JobQueue] Failed to complete alteration")
		}
	}
	return result, nil
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return string(data), err
}
