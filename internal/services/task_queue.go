package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/swarmhub/internal/config"
	"github.com/huangang/swarmhub/pkg/logger"
)

const (
	TaskTypeNotify = "notify:send"
)

// NotifyTask is the payload of a queued notification.
type NotifyTask struct {
	HumanID uint     `json:"human_id"`
	Lines   []string `json:"lines"`
}

var (
	globalNotifier Notifier
	notifierOnce   sync.Once
)

// InitNotifier picks the notifier for the process: the Redis queue when it
// is enabled and reachable, otherwise direct webhook delivery, otherwise the
// log.
func InitNotifier(cfg *config.Config) Notifier {
	notifierOnce.Do(func() {
		direct := DirectNotifier(&cfg.Notify)
		if cfg.Redis.Enabled {
			queue, err := NewAsyncNotifier(&cfg.Redis)
			if err != nil {
				logger.Infof("[TaskQueue] Redis unavailable, notifying synchronously: %v", err)
				globalNotifier = direct
			} else {
				logger.Infof("[TaskQueue] Async notifications via Redis at %s", cfg.Redis.Addr)
				globalNotifier = queue
			}
		} else {
			globalNotifier = direct
		}
	})
	return globalNotifier
}

func GetNotifier() Notifier {
	return globalNotifier
}

// DirectNotifier delivers in the calling goroutine.
func DirectNotifier(cfg *config.NotifyConfig) Notifier {
	if cfg.WebhookURL != "" {
		return NewChatNotifier(cfg)
	}
	return NewLogNotifier()
}

// AsyncNotifier enqueues notifications on asynq; a NotificationWorker
// delivers them.
type AsyncNotifier struct {
	client *asynq.Client
}

func NewAsyncNotifier(cfg *config.RedisConfig) (*AsyncNotifier, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	client := asynq.NewClient(redisOpt)

	// Verify the connection before committing to async mode.
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsyncNotifier{client: client}, nil
}

func (q *AsyncNotifier) Notify(ctx context.Context, humanID uint, lines ...string) bool {
	payload, err := json.Marshal(&NotifyTask{HumanID: humanID, Lines: lines})
	if err != nil {
		logger.Warnf("[AsyncNotifier] Failed to encode notification: %v", err)
		return false
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeNotify, payload),
		asynq.Queue("default"),
		asynq.MaxRetry(3),
	)
	if err != nil {
		logger.Warnf("[AsyncNotifier] Failed to enqueue notification for human %d: %v", humanID, err)
		return false
	}

	logger.Debug().Str("task_id", info.ID).Str("queue", info.Queue).Msg("[AsyncNotifier] Task enqueued")
	return true
}

func (q *AsyncNotifier) Close() error {
	return q.client.Close()
}
