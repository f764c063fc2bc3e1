package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/swarmhub/internal/apperrors"
	"github.com/huangang/swarmhub/internal/config"
	"github.com/huangang/swarmhub/internal/models"
	"github.com/huangang/swarmhub/internal/observability"
	"github.com/huangang/swarmhub/pkg/logger"
)

// DefaultOwner builds a claim owner tag unique to this process.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "swarmhub"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Pipeline processes claimed jobs in this process: pop, apply alterations,
// run the judges, finish. A claimed job always ends with a result.
type Pipeline struct {
	queue       *JobQueue
	store       *JobStore
	locks       *NameLock
	valve       *Valve
	alterations AlterationSource
	blobs       BlobStore
	executor    Executor
	secrets     *SecretService
	notifier    Notifier
	metrics     *observability.Metrics
	cfg         *config.PipelineConfig
	owner       string
}

type PipelineDeps struct {
	Queue       *JobQueue
	Store       *JobStore
	Locks       *NameLock
	Valve       *Valve
	Alterations AlterationSource
	Blobs       BlobStore
	Executor    Executor
	Secrets     *SecretService
	Notifier    Notifier
	Metrics     *observability.Metrics
}

func NewPipeline(deps PipelineDeps, cfg *config.PipelineConfig, owner string) *Pipeline {
	if owner == "" {
		owner = DefaultOwner()
	}
	return &Pipeline{
		queue:       deps.Queue,
		store:       deps.Store,
		locks:       deps.Locks,
		valve:       deps.Valve,
		alterations: deps.Alterations,
		blobs:       deps.Blobs,
		executor:    deps.Executor,
		secrets:     deps.Secrets,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		cfg:         cfg,
		owner:       owner,
	}
}

func (p *Pipeline) Owner() string {
	return p.owner
}

// Run processes jobs until ctx is done, polling the queue every interval
// while it is empty.
func (p *Pipeline) Run(ctx context.Context) {
	interval := p.cfg.Interval.D()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger.Infof("[Pipeline] Started as %s, polling every %v", p.owner, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.drain(ctx)
		select {
		case <-ctx.Done():
			logger.Infof("[Pipeline] Stopped")
			return
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) drain(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := p.ProcessOne(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("[Pipeline] Processing failed")
		}
		if !processed {
			return
		}
	}
}

// ProcessOne claims and processes one job. It returns false when no job was
// available. A processing failure is stored as the job's failed result and
// then returned as an internal error.
func (p *Pipeline) ProcessOne(ctx context.Context) (bool, error) {
	job, err := p.queue.Pop(ctx, p.owner)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	defer p.release(ctx, job)

	start := time.Now()
	params, stdout, err := p.execute(ctx, job, start)
	if err == nil {
		params.Stdout = p.redact(job, params.Stdout)
		_, err = p.store.Finish(ctx, job.ID, *params)
		if err == nil {
			p.metrics.RecordPipeline(ctx, true, time.Since(start).Seconds())
			return true, nil
		}
		if params.URI2 != nil {
			if derr := p.blobs.Delete(context.WithoutCancel(ctx), *params.URI2); derr != nil {
				logger.Warnf("[Pipeline] Failed to delete orphan output %s: %v", *params.URI2, derr)
			}
		}
		stdout = params.Stdout
	}

	p.metrics.RecordPipeline(ctx, false, time.Since(start).Seconds())
	return true, p.fail(ctx, job, start, stdout, err)
}

func (p *Pipeline) execute(ctx context.Context, job *models.Job, start time.Time) (*FinishParams, string, error) {
	if p.cfg.WorkDir != "" {
		if err := os.MkdirAll(p.cfg.WorkDir, 0o755); err != nil {
			return nil, "", err
		}
	}
	workDir, err := os.MkdirTemp(p.cfg.WorkDir, fmt.Sprintf("job-%d-*", job.ID))
	if err != nil {
		return nil, "", err
	}
	defer os.RemoveAll(workDir)

	trailsName := p.cfg.TrailsName
	if trailsName == "" {
		trailsName = "trails"
	}
	req := &ExecRequest{
		Job:       job,
		Valve:     NewJobValve(p.valve, job),
		Artifact:  filepath.Join(workDir, ArtifactName(job.ID)),
		WorkDir:   workDir,
		TrailsDir: filepath.Join(workDir, trailsName),
	}
	if err := os.MkdirAll(req.TrailsDir, 0o755); err != nil {
		return nil, "", err
	}
	if err := p.blobs.Load(ctx, job.URI1, req.Artifact); err != nil {
		return nil, "", fmt.Errorf("failed to load input of job #%d: %w", job.ID, err)
	}

	var out strings.Builder
	if err := p.applyAlterations(ctx, req, &out); err != nil {
		return nil, out.String(), err
	}

	res, err := p.executor.Run(ctx, req)
	if err != nil {
		return nil, out.String(), err
	}
	out.WriteString(res.Stdout)
	if res.Exit != 0 {
		return nil, out.String(), fmt.Errorf("judges exited with code %d", res.Exit)
	}

	if handle, err := p.saveTrails(ctx, req); err != nil {
		return nil, out.String(), err
	} else if handle != "" {
		fmt.Fprintf(&out, "\nTrails: %s\n", handle)
	}

	info, err := os.Stat(req.Artifact)
	if err != nil {
		return nil, out.String(), fmt.Errorf("judges left no output: %w", err)
	}
	handle, err := p.blobs.Save(ctx, req.Artifact)
	if err != nil {
		return nil, out.String(), fmt.Errorf("failed to save output of job #%d: %w", job.ID, err)
	}

	stdout := out.String()
	size := info.Size()
	errs := CountErrors(stdout)
	return &FinishParams{
		URI2:   &handle,
		Stdout: stdout,
		Exit:   0,
		Msec:   time.Since(start).Milliseconds(),
		Size:   &size,
		Errors: &errs,
	}, stdout, nil
}

// applyAlterations runs the pending alterations of the job's name. A failing
// alteration is reported in stdout and stays pending.
func (p *Pipeline) applyAlterations(ctx context.Context, req *ExecRequest, out *strings.Builder) error {
	pending, err := p.alterations.PendingFor(ctx, req.Job.HumanID, req.Job.Name)
	if err != nil {
		return fmt.Errorf("failed to list alterations: %w", err)
	}
	for i := range pending {
		a := &pending[i]
		res, err := p.executor.Alter(ctx, req, a)
		if err == nil && res.Exit != 0 {
			err = fmt.Errorf("exit code %d", res.Exit)
		}
		if res != nil {
			out.WriteString(res.Stdout)
		}
		if err != nil {
			logger.Warn().Err(err).Uint("alteration_id", a.ID).Uint("job_id", req.Job.ID).Msg("[Pipeline] Alteration failed")
			fmt.Fprintf(out, "Alteration #%d failed: %v\n", a.ID, err)
			continue
		}
		if err := p.alterations.MarkComplete(ctx, a.ID, req.Job.ID); err != nil {
			return fmt.Errorf("failed to complete alteration #%d: %w", a.ID, err)
		}
		fmt.Fprintf(out, "Alteration #%d applied\n", a.ID)
	}
	return nil
}

// saveTrails archives the trail files into one blob. No trails, no blob.
func (p *Pipeline) saveTrails(ctx context.Context, req *ExecRequest) (string, error) {
	entries, err := os.ReadDir(req.TrailsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	archive := filepath.Join(req.WorkDir, "trails.tar.gz")
	if err := WriteBundleFile(archive, req.TrailsDir); err != nil {
		return "", fmt.Errorf("failed to archive trails: %w", err)
	}
	return p.blobs.Save(ctx, archive)
}

func (p *Pipeline) fail(ctx context.Context, job *models.Job, start time.Time, stdout string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	logger.Error().Err(cause).Uint("job_id", job.ID).Str("name", job.Name).Msg("[Pipeline] Job failed")

	if errors.Is(cause, apperrors.ErrState) {
		// Someone else terminated the job, e.g. the stuck sweep.
		return apperrors.Internal("pipeline.finish", cause)
	}

	text := cause.Error()
	if stdout != "" {
		text += "\n" + stdout
	}
	_, err := p.store.Finish(ctx, job.ID, FinishParams{
		Stdout: p.redact(job, text),
		Exit:   1,
		Msec:   time.Since(start).Milliseconds(),
	})
	if err != nil {
		logger.Error().Err(err).Uint("job_id", job.ID).Msg("[Pipeline] Failed to store failed result")
	}
	if p.notifier != nil {
		p.notifier.Notify(ctx, job.HumanID, fmt.Sprintf("Job #%d (%q) failed internally, please check the logs.", job.ID, job.Name))
	}
	return apperrors.Internal("pipeline.process", cause)
}

func (p *Pipeline) redact(job *models.Job, text string) string {
	if p.secrets == nil {
		return text
	}
	redacted, err := p.secrets.Redact(job.HumanID, text)
	if err != nil {
		logger.Warnf("[Pipeline] Failed to redact stdout of job #%d: %v", job.ID, err)
		return "stdout withheld: secrets could not be loaded"
	}
	return redacted
}

func (p *Pipeline) release(ctx context.Context, job *models.Job) {
	err := p.locks.Release(context.WithoutCancel(ctx), job.HumanID, job.Name, p.owner)
	if err != nil && !errors.Is(err, apperrors.ErrBusy) {
		logger.Error().Err(err).Uint("job_id", job.ID).Msg("[Pipeline] Failed to release lock")
	}
}
