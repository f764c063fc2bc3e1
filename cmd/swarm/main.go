// Command swarm is a remote worker: it pops jobs from a swarmhub server,
// runs the judges command on each and uploads the results.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/huangang/swarmhub/internal/config"
	"github.com/huangang/swarmhub/internal/services"
	"github.com/huangang/swarmhub/internal/swarm"
	"github.com/huangang/swarmhub/pkg/logger"
)

type args struct {
	Server    string        `arg:"env:SWARM_SERVER" default:"http://127.0.0.1:8080" help:"swarmhub server URL"`
	Token     string        `arg:"required,env:SWARM_TOKEN" help:"API token"`
	Owner     string        `arg:"env:SWARM_OWNER" help:"claim tag, defaults to hostname plus a random suffix"`
	WorkDir   string        `arg:"--work-dir,env:SWARM_WORK_DIR" help:"directory for unpacked jobs"`
	Interval  time.Duration `default:"10s" help:"wait between pops while the queue is empty"`
	Timeout   time.Duration `default:"5m" help:"HTTP request timeout"`
	Command   string        `arg:"env:JUDGES_COMMAND" default:"judges"`
	Args      []string      `arg:"--arg,separate" help:"arguments before the factbase path (repeatable)"`
	AlterCmd  string        `arg:"--alter-command" default:"judges"`
	AlterArgs []string      `arg:"--alter-arg,separate"`
	MaxStdout int           `arg:"--max-stdout" default:"65536"`
	Once      bool          `help:"process at most one job and exit"`
	LogLevel  string        `arg:"--log-level,env:LOG_LEVEL" default:"info"`
}

func (args) Description() string {
	return "swarm pops jobs from a swarmhub server and runs judges on them"
}

func main() {
	var a args
	arg.MustParse(&a)
	logger.Init(a.LogLevel)

	if len(a.Args) == 0 {
		a.Args = []string{"update"}
	}
	if len(a.AlterArgs) == 0 {
		a.AlterArgs = []string{"eval"}
	}
	exec := services.NewCommandExecutor(&config.PipelineConfig{
		Command:   a.Command,
		Args:      a.Args,
		AlterCmd:  a.AlterCmd,
		AlterArgs: a.AlterArgs,
		MaxStdout: a.MaxStdout,
	})

	w := swarm.NewWorker(swarm.Options{
		Server:   a.Server,
		Token:    a.Token,
		Owner:    a.Owner,
		WorkDir:  a.WorkDir,
		Interval: a.Interval,
		Timeout:  a.Timeout,
	}, exec)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.Once {
		err := w.ProcessOne(ctx)
		if errors.Is(err, swarm.ErrNoJob) {
			logger.Info().Msg("Nothing to do")
			return
		}
		if err != nil {
			logger.Fatalf("Failed: %v", err)
		}
		return
	}

	logger.Info().Str("server", a.Server).Msg("Swarm started")
	w.Run(ctx)
	logger.Info().Msg("Swarm stopped")
}
