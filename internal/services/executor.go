package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/huangang/swarmhub/internal/config"
	"github.com/huangang/swarmhub/internal/models"
)

// ExecRequest is everything an executor may touch while processing a job.
// Valve lets the work deduplicate its one-time side effects.
type ExecRequest struct {
	Job       *models.Job
	Valve     *JobValve
	Artifact  string
	WorkDir   string
	TrailsDir string
}

type ExecResult struct {
	Exit   int
	Stdout string
}

// Executor runs the external work of a job. An error means the work could
// not be run at all; a failed run is a nonzero Exit.
type Executor interface {
	Run(ctx context.Context, req *ExecRequest) (*ExecResult, error)
	Alter(ctx context.Context, req *ExecRequest, alteration *models.Alteration) (*ExecResult, error)
}

// CommandExecutor runs the judges command as a subprocess.
type CommandExecutor struct {
	command   string
	args      []string
	alterCmd  string
	alterArgs []string
	maxStdout int
}

func NewCommandExecutor(cfg *config.PipelineConfig) *CommandExecutor {
	return &CommandExecutor{
		command:   cfg.Command,
		args:      cfg.Args,
		alterCmd:  cfg.AlterCmd,
		alterArgs: cfg.AlterArgs,
		maxStdout: cfg.MaxStdout,
	}
}

func (e *CommandExecutor) Run(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	args := append(append([]string{}, e.args...), req.Artifact)
	return e.run(ctx, req, e.command, args)
}

func (e *CommandExecutor) Alter(ctx context.Context, req *ExecRequest, alteration *models.Alteration) (*ExecResult, error) {
	script := filepath.Join(req.WorkDir, AlterationFileName(alteration.ID))
	if err := os.WriteFile(script, []byte(alteration.Script), 0o644); err != nil {
		return nil, err
	}
	args := append(append([]string{}, e.alterArgs...), script, req.Artifact)
	return e.run(ctx, req, e.alterCmd, args)
}

func (e *CommandExecutor) run(ctx context.Context, req *ExecRequest, command string, args []string) (*ExecResult, error) {
	if command == "" {
		return nil, fmt.Errorf("no command configured")
	}
	out := &tailBuffer{max: e.maxStdout}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("JOB_ID=%d", req.Job.ID),
		"JOB_NAME="+req.Job.Name,
		"TRAILS_DIR="+req.TrailsDir,
	)

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExecResult{Exit: exitErr.ExitCode(), Stdout: out.String()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", command, err)
	}
	return &ExecResult{Exit: 0, Stdout: out.String()}, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if b.max > 0 && len(b.buf) > b.max {
		b.buf = append([]byte{}, b.buf[len(b.buf)-b.max:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "...\n" + string(b.buf)
	}
	return string(b.buf)
}

// CountErrors counts stdout lines reporting an error.
func CountErrors(stdout string) int {
	n := 0
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "ERROR") {
			n++
		}
	}
	return n
}
