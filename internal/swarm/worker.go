// Package swarm is the remote side of the queue: a worker that pops job
// bundles from a server over HTTP, runs the judges command on them and
// uploads the completion bundle.
package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/huangang/swarmhub/internal/models"
	"github.com/huangang/swarmhub/internal/services"
	"github.com/huangang/swarmhub/pkg/logger"
	"github.com/rs/zerolog"
)

// ErrNoJob means the server had nothing to hand out.
var ErrNoJob = errors.New("no job available")

type Options struct {
	Server   string
	Token    string
	Owner    string
	WorkDir  string
	Interval time.Duration
	Timeout  time.Duration
}

// Worker pops, processes and finishes jobs one at a time.
type Worker struct {
	opts   Options
	exec   services.Executor
	client *http.Client
	log    zerolog.Logger
}

func NewWorker(opts Options, exec services.Executor) *Worker {
	if opts.Owner == "" {
		opts.Owner = services.DefaultOwner()
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Worker{
		opts:   opts,
		exec:   exec,
		client: &http.Client{Timeout: opts.Timeout},
		log:    logger.Component("swarm").With().Str("owner", opts.Owner).Logger(),
	}
}

// Run processes jobs until ctx is done. An empty queue or a failed round
// waits for the interval before the next pop.
func (w *Worker) Run(ctx context.Context) {
	for {
		err := w.ProcessOne(ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNoJob) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Round failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.Interval):
		}
	}
}

// ProcessOne pops a single job and finishes it. It returns ErrNoJob when
// the queue is empty.
func (w *Worker) ProcessOne(ctx context.Context) error {
	dir, err := os.MkdirTemp(w.opts.WorkDir, "swarm-job-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	meta, err := w.pop(ctx, dir)
	if err != nil {
		return err
	}
	log := w.log.With().Uint("job_id", meta.ID).Str("name", meta.Name).Logger()
	log.Info().Msg("Popped")

	completion, err := w.process(ctx, dir, meta)
	if err != nil {
		return fmt.Errorf("job #%d: %w", meta.ID, err)
	}

	if err := w.finish(ctx, dir, completion); err != nil {
		return fmt.Errorf("job #%d: %w", meta.ID, err)
	}
	log.Info().Int("exit", completion.Exit).Int64("msec", completion.Msec).Msg("Finished")
	return nil
}

func (w *Worker) pop(ctx context.Context, dir string) (*services.PopMeta, error) {
	endpoint := w.opts.Server + "/swarm/pop?owner=" + url.QueryEscape(w.opts.Owner)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, ErrNoJob
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("pop", resp)
	}
	if err := services.ReadBundle(resp.Body, dir); err != nil {
		return nil, fmt.Errorf("failed to unpack bundle: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, services.BundleMetaFile))
	if err != nil {
		return nil, fmt.Errorf("bundle has no %s: %w", services.BundleMetaFile, err)
	}
	var meta services.PopMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("malformed %s: %w", services.BundleMetaFile, err)
	}
	if header := resp.Header.Get("X-Job-Id"); header != "" && header != strconv.FormatUint(uint64(meta.ID), 10) {
		return nil, fmt.Errorf("bundle is for job #%d, header says %s", meta.ID, header)
	}
	return &meta, nil
}

// process applies the alterations shipped in the bundle, then runs the
// judges command. The directory is left holding the completion bundle.
func (w *Worker) process(ctx context.Context, dir string, meta *services.PopMeta) (*services.CompletionMeta, error) {
	start := time.Now()
	req := &services.ExecRequest{
		Job:       &models.Job{ID: meta.ID, Name: meta.Name, HumanID: meta.Human},
		Artifact:  filepath.Join(dir, services.ArtifactName(meta.ID)),
		WorkDir:   dir,
		TrailsDir: filepath.Join(dir, "trails"),
	}
	if err := os.MkdirAll(req.TrailsDir, 0o755); err != nil {
		return nil, err
	}

	alterations, err := bundledAlterations(dir)
	if err != nil {
		return nil, err
	}

	var stdout strings.Builder
	completion := &services.CompletionMeta{ID: meta.ID, Name: meta.Name}
	for _, a := range alterations {
		res, err := w.exec.Alter(ctx, req, a)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&stdout, "Alteration #%d exited with %d\n%s\n", a.ID, res.Exit, res.Stdout)
		if res.Exit == 0 {
			completion.Alterations = append(completion.Alterations, a.ID)
		}
		os.Remove(filepath.Join(dir, services.AlterationFileName(a.ID)))
	}

	res, err := w.exec.Run(ctx, req)
	if err != nil {
		completion.Exit = 1
		stdout.WriteString(err.Error() + "\n")
	} else {
		completion.Exit = res.Exit
		stdout.WriteString(res.Stdout)
	}
	errs := services.CountErrors(stdout.String())
	completion.Errors = &errs
	completion.Msec = time.Since(start).Milliseconds()

	data, err := services.MarshalCompletionMeta(completion)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, services.BundleMetaFile), data, 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, services.BundleStdoutFile), []byte(stdout.String()), 0o644); err != nil {
		return nil, err
	}
	return completion, nil
}

func (w *Worker) finish(ctx context.Context, dir string, completion *services.CompletionMeta) error {
	body, err := os.CreateTemp(w.opts.WorkDir, "swarm-finish-*.tgz")
	if err != nil {
		return err
	}
	defer os.Remove(body.Name())
	defer body.Close()

	if err := services.WriteBundle(body, dir); err != nil {
		return fmt.Errorf("failed to pack completion: %w", err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/swarm/finish/%d", w.opts.Server, completion.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/gzip")
	resp, err := w.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("finish", resp)
	}
	return nil
}

func (w *Worker) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+w.opts.Token)
	return w.client.Do(req)
}

// bundledAlterations reads the alteration scripts of a popped bundle in
// id order.
func bundledAlterations(dir string) ([]*models.Alteration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []*models.Alteration
	for _, e := range entries {
		id, ok := services.ParseAlterationFileName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		script, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, &models.Alteration{ID: id, Script: string(script)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func statusError(op string, resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		return fmt.Errorf("%s: %s (%d)", op, body.Message, resp.StatusCode)
	}
	return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
}
