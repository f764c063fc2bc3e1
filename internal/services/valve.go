package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/huangang/swarmhub/internal/apperrors"
	"github.com/huangang/swarmhub/internal/config"
	"github.com/huangang/swarmhub/internal/models"
	"github.com/huangang/swarmhub/internal/observability"
	"github.com/huangang/swarmhub/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ValveKey identifies one compute-once action.
type ValveKey struct {
	HumanID uint
	Name    string
	Badge   string
}

func (k ValveKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.HumanID, k.Name, k.Badge)
}

// ComputeFunc produces the value a valve memoizes. It must be JSON
// serializable.
type ComputeFunc func(ctx context.Context) (interface{}, error)

// Valve runs a computation at most once per key, no matter how many callers
// enter concurrently or later. Losers of the race wait for the winner's
// result. A failed computation deletes the row, so the key can be retried.
type Valve struct {
	db           *gorm.DB
	notifier     Notifier
	metrics      *observability.Metrics
	pollInterval time.Duration
	deadline     time.Duration
}

func NewValve(db *gorm.DB, notifier Notifier, cfg *config.ValveConfig, metrics *observability.Metrics) *Valve {
	return &Valve{
		db:           db,
		notifier:     notifier,
		metrics:      metrics,
		pollInterval: cfg.PollInterval.D(),
		deadline:     cfg.Deadline.D(),
	}
}

type raceOutcome int

const (
	raceRetry raceOutcome = iota
	raceResolved
	raceWon
)

// errRollback aborts a transaction without reporting a failure.
var errRollback = errors.New("rollback")

func (v *Valve) Enter(ctx context.Context, key ValveKey, why string, jobID *uint, compute ComputeFunc) (json.RawMessage, error) {
	if key.Name == "" {
		return nil, apperrors.Validation("name", "valve name is required")
	}
	if key.Badge == "" {
		return nil, apperrors.Validation("badge", "valve badge is required")
	}

	deadline := time.Now().Add(v.deadline)
	for {
		outcome, cached, err := v.race(ctx, key, why, jobID)
		if err != nil {
			return nil, err
		}

		switch outcome {
		case raceResolved:
			v.metrics.RecordValve(ctx, "hit")
			return cached, nil
		case raceWon:
			v.metrics.RecordValve(ctx, "won")
			return v.run(ctx, key, why, compute)
		}

		result, gone, err := v.wait(ctx, key, deadline)
		if err != nil {
			if errors.Is(err, apperrors.ErrTimeout) {
				v.metrics.RecordValve(ctx, "timeout")
			}
			return nil, err
		}
		if !gone {
			v.metrics.RecordValve(ctx, "lost")
			return result, nil
		}
		logger.Debug().Str("valve", key.String()).Msg("[Valve] Winner gave up, re-entering")
	}
}

// race upserts the row and reports whether the caller found a result, won
// the race, or has to wait. Only a win commits.
func (v *Valve) race(ctx context.Context, key ValveKey, why string, jobID *uint) (raceOutcome, json.RawMessage, error) {
	outcome := raceRetry
	var cached json.RawMessage

	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := &models.Valve{
			HumanID: key.HumanID,
			Name:    key.Name,
			Badge:   key.Badge,
			Owner:   1,
			Why:     why,
			JobID:   jobID,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "human_id"}, {Name: "name"}, {Name: "badge"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"owner": gorm.Expr("valves.owner + 1")}),
		}).Create(row).Error
		if err != nil {
			return fmt.Errorf("failed to upsert valve: %w", err)
		}

		current, err := findValve(tx, key)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("valve %s vanished inside its transaction", key)
		}

		switch {
		case current.Resolved():
			outcome = raceResolved
			cached = json.RawMessage(*current.Result)
			return errRollback
		case current.Owner != 1:
			return errRollback
		default:
			outcome = raceWon
			return nil
		}
	})
	if err != nil && !errors.Is(err, errRollback) {
		return raceRetry, nil, err
	}
	return outcome, cached, nil
}

func (v *Valve) run(ctx context.Context, key ValveKey, why string, compute ComputeFunc) (result json.RawMessage, err error) {
	if v.notifier != nil {
		v.notifier.Notify(ctx, key.HumanID, fmt.Sprintf("Valve %q of %q entered: %s", key.Badge, key.Name, why))
	}

	defer func() {
		if r := recover(); r != nil {
			v.abandon(ctx, key)
			panic(r)
		}
	}()

	value, err := compute(ctx)
	if err != nil {
		v.abandon(ctx, key)
		v.metrics.RecordValve(ctx, "failed")
		return nil, err
	}

	data, err := json.Marshal(value)
	if err != nil {
		v.abandon(ctx, key)
		v.metrics.RecordValve(ctx, "failed")
		return nil, fmt.Errorf("valve %s result is not serializable: %w", key, err)
	}

	stored := string(data)
	res := v.db.WithContext(context.WithoutCancel(ctx)).Model(&models.Valve{}).
		Where("human_id = ? AND name = ? AND badge = ? AND result IS NULL", key.HumanID, key.Name, key.Badge).
		Update("result", &stored)
	if res.Error != nil {
		v.abandon(ctx, key)
		v.metrics.RecordValve(ctx, "failed")
		return nil, fmt.Errorf("failed to store valve result: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		logger.Warn().Str("valve", key.String()).Msg("[Valve] Row was reclaimed before the result was stored")
	}
	return data, nil
}

// abandon deletes a racing row so the key can be entered again.
func (v *Valve) abandon(ctx context.Context, key ValveKey) {
	if _, err := v.deleteRacing(context.WithoutCancel(ctx), key); err != nil {
		logger.Error().Err(err).Str("valve", key.String()).Msg("[Valve] Failed to delete racing row")
	}
}

func (v *Valve) deleteRacing(ctx context.Context, key ValveKey) (bool, error) {
	res := v.db.WithContext(ctx).
		Where("human_id = ? AND name = ? AND badge = ? AND result IS NULL", key.HumanID, key.Name, key.Badge).
		Delete(&models.Valve{})
	return res.RowsAffected > 0, res.Error
}

// wait polls the row until it is resolved or deleted, or the deadline
// passes.
func (v *Valve) wait(ctx context.Context, key ValveKey, deadline time.Time) (json.RawMessage, bool, error) {
	for {
		current, err := findValve(v.db.WithContext(ctx), key)
		if err != nil {
			return nil, false, err
		}
		if current == nil {
			return nil, true, nil
		}
		if current.Resolved() {
			return json.RawMessage(*current.Result), false, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, apperrors.Timeout("valve.enter", fmt.Sprintf("valve %s is still racing", key))
		}
		pause := v.pollInterval
		if pause > remaining {
			pause = remaining
		}
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		case <-timer.C:
		}
	}
}

func findValve(tx *gorm.DB, key ValveKey) (*models.Valve, error) {
	var row models.Valve
	err := tx.Where("human_id = ? AND name = ? AND badge = ?", key.HumanID, key.Name, key.Badge).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read valve: %w", err)
	}
	return &row, nil
}

// Racing lists unresolved rows created before cutoff.
func (v *Valve) Racing(ctx context.Context, cutoff time.Time) ([]models.Valve, error) {
	var rows []models.Valve
	err := v.db.WithContext(ctx).
		Where("result IS NULL AND created_at < ?", cutoff).
		Order("created_at").
		Find(&rows).Error
	return rows, err
}

// Reset deletes the row of key if it is still racing.
func (v *Valve) Reset(ctx context.Context, key ValveKey) (bool, error) {
	return v.deleteRacing(ctx, key)
}

// EnterAs is Enter with the memoized value decoded into T.
func EnterAs[T any](ctx context.Context, v *Valve, key ValveKey, why string, jobID *uint, compute func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := v.Enter(ctx, key, why, jobID, func(ctx context.Context) (interface{}, error) {
		return compute(ctx)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode valve %s result: %w", key, err)
	}
	return out, nil
}

// JobValve is a Valve bound to the job being processed.
type JobValve struct {
	valve *Valve
	job   *models.Job
}

func NewJobValve(valve *Valve, job *models.Job) *JobValve {
	return &JobValve{valve: valve, job: job}
}

// Enter runs compute at most once per badge within the job's human and name.
func (j *JobValve) Enter(ctx context.Context, badge, why string, compute ComputeFunc) (json.RawMessage, error) {
	key := ValveKey{HumanID: j.job.HumanID, Name: j.job.Name, Badge: badge}
	return j.valve.Enter(ctx, key, why, &j.job.ID, compute)
}
