package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/swarmhub/internal/config"
	"github.com/huangang/swarmhub/pkg/logger"
)

// NotificationWorker consumes queued notifications and delivers them
// through a direct notifier.
type NotificationWorker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	delivery Notifier
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// NewNotificationWorker returns nil when Redis is disabled.
func NewNotificationWorker(cfg *config.RedisConfig, delivery Notifier) *NotificationWorker {
	if !cfg.Enabled {
		return nil
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				"default": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warnf("[NotificationWorker] Error processing task %s: %v", task.Type(), err)
			}),
		},
	)

	return &NotificationWorker{
		server:   server,
		mux:      asynq.NewServeMux(),
		delivery: delivery,
	}
}

func (w *NotificationWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeNotify, w.handleNotifyTask)

	w.running = true
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		logger.Infof("[NotificationWorker] Starting...")
		if err := w.server.Run(w.mux); err != nil {
			logger.Errorf("[NotificationWorker] Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the worker
func (w *NotificationWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	logger.Infof("[NotificationWorker] Shutting down...")
	w.server.Shutdown()
	w.running = false
	w.wg.Wait()
	logger.Infof("[NotificationWorker] Shutdown complete")
}

func (w *NotificationWorker) handleNotifyTask(ctx context.Context, t *asynq.Task) error {
	var task NotifyTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		// A payload that cannot be decoded will never succeed.
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if !w.delivery.Notify(ctx, task.HumanID, task.Lines...) {
		return fmt.Errorf("delivery to human %d failed", task.HumanID)
	}
	return nil
}
