package main

import (
	"context"
	"net/http"

	"github.com/huangang/swarmhub/internal/config"
	"github.com/huangang/swarmhub/internal/models"
	"github.com/huangang/swarmhub/internal/observability"
	"github.com/huangang/swarmhub/internal/services"
	"github.com/huangang/swarmhub/pkg/logger"
	"gorm.io/gorm"
)

// appServices holds the services and background workers of one server
// process.
type appServices struct {
	cfg            *config.Config
	db             *gorm.DB
	metricsHandler http.Handler
	blobs          services.BlobStore
	notifier       services.Notifier
	worker         *services.NotificationWorker
	tokens         *services.TokenService
	locks          *services.NameLock
	store          *services.JobStore
	queue          *services.JobQueue
	alterations    *services.AlterationService
	systemLogs     *services.SystemLogService
	events         *services.EventHub
	reclaimer      *services.Reclaimer
	pipeline       *services.Pipeline

	stopPipeline context.CancelFunc
	pipelineDone chan struct{}
}

// bootstrap initializes the database, the services and the schedulers.
func bootstrap(ctx context.Context, cfg *config.Config) *appServices {
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	db := models.GetDB()

	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	if err := models.SeedDefaultData(db, cfg.Bootstrap.Login, cfg.Bootstrap.Token); err != nil {
		logger.Warn().Err(err).Msg("Failed to seed default data")
	}

	services.InitSystemLogger(db)

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		logger.Fatalf("Failed to initialize metrics: %v", err)
	}

	blobs, err := services.NewBlobStore(ctx, &cfg.Blob)
	if err != nil {
		logger.Fatalf("Failed to initialize blob store: %v", err)
	}

	// Notifications go through Redis when it is enabled; the worker then
	// delivers them directly.
	notifier := services.InitNotifier(cfg)
	worker := services.NewNotificationWorker(&cfg.Redis, services.DirectNotifier(&cfg.Notify))
	if worker != nil {
		if err := worker.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start notification worker")
			worker = nil
		}
	}

	locks := services.NewNameLock(db, metrics)
	valve := services.NewValve(db, notifier, &cfg.Valve, metrics)
	billing := services.NewBillingService(db, cfg.Billing.ZentsPerSecond)
	secrets := services.NewSecretService(db)
	alterations := services.NewAlterationService(db)
	store := services.NewJobStore(db, blobs, notifier, billing, locks, metrics)
	events := services.NewEventHub()
	store.SetEvents(events)
	queue := services.NewJobQueue(db, store, locks, alterations, blobs, secrets, metrics, cfg.Queue.PopAttempts)

	svc := &appServices{
		cfg:            cfg,
		db:             db,
		metricsHandler: metricsHandler,
		blobs:          blobs,
		notifier:       notifier,
		worker:         worker,
		tokens:         services.NewTokenService(db),
		locks:          locks,
		store:          store,
		queue:          queue,
		alterations:    alterations,
		systemLogs:     services.NewSystemLogService(db),
		events:         events,
		reclaimer:      services.NewReclaimer(db, store, locks, valve, notifier, &cfg.Reclaimer),
	}

	if cfg.Reclaimer.Enabled {
		if err := svc.reclaimer.StartScheduler(); err != nil {
			logger.Fatalf("Failed to start reclaimer: %v", err)
		}
	}

	if cfg.Pipeline.Enabled {
		svc.pipeline = services.NewPipeline(services.PipelineDeps{
			Queue:       queue,
			Store:       store,
			Locks:       locks,
			Valve:       valve,
			Alterations: alterations,
			Blobs:       blobs,
			Executor:    services.NewCommandExecutor(&cfg.Pipeline),
			Secrets:     secrets,
			Notifier:    notifier,
			Metrics:     metrics,
		}, &cfg.Pipeline, cfg.Queue.Owner)

		pctx, cancel := context.WithCancel(ctx)
		svc.stopPipeline = cancel
		svc.pipelineDone = make(chan struct{})
		go func() {
			defer close(svc.pipelineDone)
			svc.pipeline.Run(pctx)
		}()
		logger.Info().Str("owner", svc.pipeline.Owner()).Msg("Pipeline started")
	}

	return svc
}

// shutdown stops the background work in reverse start order.
func (s *appServices) shutdown() {
	if s.stopPipeline != nil {
		s.stopPipeline()
		<-s.pipelineDone
	}
	if s.cfg.Reclaimer.Enabled {
		s.reclaimer.StopScheduler()
	}
	if s.worker != nil {
		s.worker.Stop()
	}
	if closer, ok := s.notifier.(*services.AsyncNotifier); ok {
		if err := closer.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close notification queue")
		}
	}
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}
