package services

import (
	"context"
	"fmt"
	"time"

	"github.com/huangang/swarmhub/internal/config"
	"github.com/huangang/swarmhub/internal/models"
	"github.com/huangang/swarmhub/pkg/logger"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// sweepBatch bounds how many items one sweep handles; the rest waits for
// the next run.
const sweepBatch = 500

// Reclaimer runs the background sweeps that repair what crashed workers and
// abandoned callers leave behind. Every sweep is idempotent and isolates
// per-item failures.
type Reclaimer struct {
	db            *gorm.DB
	store         *JobStore
	locks         *NameLock
	valve         *Valve
	notifier      Notifier
	logs          *SystemLogService
	cfg           *config.ReclaimerConfig
	now           func() time.Time
	cronScheduler *cron.Cron
}

func NewReclaimer(db *gorm.DB, store *JobStore, locks *NameLock, valve *Valve, notifier Notifier, cfg *config.ReclaimerConfig) *Reclaimer {
	return &Reclaimer{
		db:       db,
		store:    store,
		locks:    locks,
		valve:    valve,
		notifier: notifier,
		logs:     NewSystemLogService(db),
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock replaces the clock the sweeps measure ages with.
func (r *Reclaimer) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Reclaimer) StartScheduler() error {
	r.cronScheduler = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := r.cronScheduler.AddFunc(r.cfg.Schedule, func() {
		r.SweepAll(context.Background())
	}); err != nil {
		return fmt.Errorf("invalid reclaimer schedule %q: %w", r.cfg.Schedule, err)
	}

	r.cronScheduler.Start()
	logger.Infof("[Reclaimer] Scheduler started (cron: %s)", r.cfg.Schedule)
	return nil
}

// StopScheduler waits for a running sweep to end.
func (r *Reclaimer) StopScheduler() {
	if r.cronScheduler != nil {
		<-r.cronScheduler.Stop().Done()
	}
}

// SweepReport counts what one SweepAll run reclaimed.
type SweepReport struct {
	Stale     int `json:"stale"`
	Stuck     int `json:"stuck"`
	Test      int `json:"test"`
	Locks     int `json:"locks"`
	Valves    int `json:"valves"`
	AuditLogs int `json:"audit_logs"`
}

func (r *Reclaimer) SweepAll(ctx context.Context) SweepReport {
	var report SweepReport
	var err error

	if report.Stale, err = r.SweepStale(ctx); err != nil {
		logger.Errorf("[Reclaimer] Stale sweep failed: %v", err)
	}
	if report.Stuck, err = r.SweepStuck(ctx); err != nil {
		logger.Errorf("[Reclaimer] Stuck sweep failed: %v", err)
	}
	if report.Test, err = r.SweepTest(ctx); err != nil {
		logger.Errorf("[Reclaimer] Test sweep failed: %v", err)
	}
	if report.Locks, err = r.SweepAbandonedLocks(ctx); err != nil {
		logger.Errorf("[Reclaimer] Lock sweep failed: %v", err)
	}
	if report.Valves, err = r.SweepAbandonedValves(ctx); err != nil {
		logger.Errorf("[Reclaimer] Valve sweep failed: %v", err)
	}
	if report.AuditLogs, err = r.SweepAuditLogs(ctx); err != nil {
		logger.Errorf("[Reclaimer] Audit log sweep failed: %v", err)
	}

	if report != (SweepReport{}) {
		logger.Info().Interface("report", report).Msg("[Reclaimer] Sweep done")
	}
	return report
}

// SweepStale expires finished jobs older than the retention window that are
// superseded by a newer finished job with the same name. Jobs that never
// ran are kept, and an expired newer job supersedes nothing.
func (r *Reclaimer) SweepStale(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.StaleRetention.D())
	var jobs []models.Job
	err := r.db.WithContext(ctx).
		Where("expired = ? AND taken IS NULL AND created_at < ?", false, cutoff).
		Where("EXISTS (SELECT 1 FROM results WHERE results.job_id = jobs.id)").
		Where(`EXISTS (SELECT 1 FROM jobs AS newer JOIN results AS nr ON nr.job_id = newer.id
			WHERE newer.human_id = jobs.human_id AND newer.name = jobs.name AND newer.id > jobs.id AND newer.expired = ?)`, false).
		Order("id").Limit(sweepBatch).
		Find(&jobs).Error
	if err != nil {
		return 0, err
	}
	return r.expireAll(ctx, jobs, "stale"), nil
}

// SweepStuck expires jobs claimed longer than the stuck threshold without a
// result. Expiry releases their name locks.
func (r *Reclaimer) SweepStuck(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.StuckThreshold.D())
	var jobs []models.Job
	err := r.db.WithContext(ctx).
		Where("expired = ? AND taken IS NOT NULL AND taken_at < ?", false, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM results WHERE results.job_id = jobs.id)").
		Order("id").Limit(sweepBatch).
		Find(&jobs).Error
	if err != nil {
		return 0, err
	}
	return r.expireAll(ctx, jobs, "stuck"), nil
}

// SweepTest expires jobs submitted with the test token once they are older
// than the test threshold.
func (r *Reclaimer) SweepTest(ctx context.Context) (int, error) {
	if r.cfg.TestToken == "" {
		return 0, nil
	}
	cutoff := r.now().Add(-r.cfg.TestThreshold.D())
	var jobs []models.Job
	err := r.db.WithContext(ctx).
		Where("expired = ? AND created_at < ?", false, cutoff).
		Where("token_id IN (SELECT id FROM tokens WHERE name = ?)", r.cfg.TestToken).
		Order("id").Limit(sweepBatch).
		Find(&jobs).Error
	if err != nil {
		return 0, err
	}
	return r.expireAll(ctx, jobs, "test"), nil
}

func (r *Reclaimer) expireAll(ctx context.Context, jobs []models.Job, reason string) int {
	expired := 0
	for _, job := range jobs {
		if err := r.store.Expire(ctx, job.ID, reason); err != nil {
			logger.Warn().Err(err).Uint("job_id", job.ID).Str("reason", reason).Msg("[Reclaimer] Failed to expire job")
			continue
		}
		expired++
	}
	return expired
}

// SweepAbandonedLocks tells operators about locks older than the lock age.
// Locks are never released here: the holder may still be working. Each lock
// row is reported once.
func (r *Reclaimer) SweepAbandonedLocks(ctx context.Context) (int, error) {
	locks, err := r.locks.OlderThan(ctx, r.now().Add(-r.cfg.LockAge.D()))
	if err != nil {
		return 0, err
	}

	flagged := 0
	for _, lock := range locks {
		key := ValveKey{
			HumanID: lock.HumanID,
			Name:    lock.Name,
			Badge:   fmt.Sprintf("lock-%d-abandoned", lock.ID),
		}
		age := r.now().Sub(lock.CreatedAt).Round(time.Minute)
		_, err := r.valve.Enter(ctx, key, "abandoned lock", nil, func(ctx context.Context) (interface{}, error) {
			return r.notifier.Notify(ctx, lock.HumanID,
				fmt.Sprintf("The lock %q is held by %s for %v; it may be abandoned and needs a manual unlock.",
					lock.Name, lock.Owner, age)), nil
		})
		if err != nil {
			logger.Warn().Err(err).Uint("lock_id", lock.ID).Msg("[Reclaimer] Failed to report abandoned lock")
			continue
		}
		flagged++
	}
	return flagged, nil
}

// SweepAbandonedValves deletes valves racing for longer than the valve age,
// whose winner is presumed dead, so the key can be entered again.
func (r *Reclaimer) SweepAbandonedValves(ctx context.Context) (int, error) {
	rows, err := r.valve.Racing(ctx, r.now().Add(-r.cfg.ValveAge.D()))
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, row := range rows {
		key := ValveKey{HumanID: row.HumanID, Name: row.Name, Badge: row.Badge}
		ok, err := r.valve.Reset(ctx, key)
		if err != nil {
			logger.Warn().Err(err).Str("valve", key.String()).Msg("[Reclaimer] Failed to delete abandoned valve")
			continue
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

func (r *Reclaimer) SweepAuditLogs(ctx context.Context) (int, error) {
	if r.cfg.AuditRetention <= 0 {
		return 0, nil
	}
	n, err := r.logs.CleanupOlderThan(ctx, r.now().Add(-r.cfg.AuditRetention.D()))
	return int(n), err
}
