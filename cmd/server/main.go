package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/config"
	"github.com/procurio/tender-workflow/internal/directory"
	"github.com/procurio/tender-workflow/internal/dispatcher"
	"github.com/procurio/tender-workflow/internal/domain/event"
	"github.com/procurio/tender-workflow/internal/engine"
	httpapi "github.com/procurio/tender-workflow/internal/interfaces/http"
	"github.com/procurio/tender-workflow/internal/notification"
	"github.com/procurio/tender-workflow/internal/repository"
	"github.com/procurio/tender-workflow/internal/scheduler"
	"github.com/procurio/tender-workflow/internal/service"
	"github.com/procurio/tender-workflow/internal/worker"
	"github.com/procurio/tender-workflow/migrations"
	"github.com/procurio/tender-workflow/pkg/database"
	"github.com/procurio/tender-workflow/pkg/utils"
)

func main() {
	configPath := "configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting tender workflow engine",
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Path))

	db, err := database.New(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	if err := database.NewMigrator(db, logger).Run(migrations.FS); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	// Repositories
	templateRepo := repository.NewTemplateRepository(db.DB, logger)
	instanceRepo := repository.NewInstanceRepository(db.DB, logger)
	stepRepo := repository.NewStepRepository(db.DB, logger)
	actionRepo := repository.NewActionRepository(db.DB, logger)
	timerRepo := repository.NewTimerRepository(db.DB, logger)

	// Event bus with an audit log subscriber
	bus := dispatcher.New(logger)
	defer bus.Close()
	for _, eventType := range event.AllTypes() {
		bus.SubscribeNamed(eventType, "event-log", func(_ context.Context, evt *event.Event) error {
			logger.Info("Workflow event",
				zap.String("type", evt.Type.String()),
				zap.Int64("instance_id", evt.InstanceID),
				zap.String("entity_type", evt.EntityType),
				zap.String("entity_id", evt.EntityID))
			return nil
		})
	}

	eng := engine.New(engine.Deps{
		Templates: templateRepo,
		Instances: instanceRepo,
		Steps:     stepRepo,
		Actions:   actionRepo,
		Timers:    timerRepo,
		Directory: directory.NewSQLDirectory(db.DB, logger),
		Notifier:  notification.NewLogSink(logger),
		Webhook:   notification.NewHTTPWebhookDispatcher(cfg.Webhook.Timeout, logger),
		Publisher: bus,
		Logger:    logger,
	})

	templateService := service.NewTemplateService(templateRepo, instanceRepo, logger)

	// Background workers: the timer scheduler's first sweep fires any timer
	// that came due while the process was down
	workers := worker.NewManager(logger)
	workers.Register(scheduler.New(timerRepo, eng, logger,
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
		scheduler.WithBatchSize(cfg.Scheduler.BatchSize)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := workers.StartAll(ctx); err != nil {
		logger.Fatal("Failed to start workers", zap.Error(err))
	}
	defer func() {
		if err := workers.StopAll(); err != nil {
			logger.Error("Worker shutdown failed", zap.Error(err))
		}
	}()

	srv := httpapi.NewServer(httpapi.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, eng, templateService, logger)

	if err := srv.Start(ctx); err != nil {
		logger.Error("HTTP server failed", zap.Error(err))
	}

	logger.Info("Server exited")
}
