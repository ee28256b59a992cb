// Package scheduler содержит приложение планировщика рассылки об окончании
// пробного периода.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streadway/amqp"

	"github.com/Fllarpell/btrainer/internal/cache"
	"github.com/Fllarpell/btrainer/internal/config"
	"github.com/Fllarpell/btrainer/internal/entitlement"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/metrics"
	"github.com/Fllarpell/btrainer/internal/rabbitmq"
	"github.com/Fllarpell/btrainer/internal/services/notification"
	schedulerservice "github.com/Fllarpell/btrainer/internal/services/scheduler"
	"github.com/Fllarpell/btrainer/internal/storage/repository"
)

// App представляет приложение планировщика.
type App struct {
	schedulerService *schedulerservice.SchedulerService
	metricsServer    *http.Server
	conn             *amqp.Connection
	ch               *amqp.Channel
	db               *repository.Storage
	cache            *cache.Cache
	logger           *slog.Logger
}

func waitForDB(ctx context.Context, db *repository.Storage) error {
	for range 10 {
		if err := repository.CheckDatabaseReady(ctx, db); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	return fmt.Errorf("database not ready after retries")
}

// New создает новый экземпляр приложения планировщика.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{logger: logger}

	conn, err := rabbitmq.Connect(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxRetries, cfg.RabbitMQ.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}
	app.conn = conn

	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.NotificationQueues())
	if err != nil {
		app.closeResources()
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}
	app.ch = ch

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		app.closeResources()
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	app.db = db

	if err := waitForDB(ctx, db); err != nil {
		app.closeResources()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	opts := []entitlement.Option{
		entitlement.WithMaxRetries(cfg.Entitlement.MaxRetries),
		entitlement.WithRecorder(m),
	}
	if cfg.RedisConnection.AddressRedis != "" {
		app.cache, err = cache.InitServer(ctx, cfg.RedisConnection)
		if err != nil {
			app.closeResources()
			return nil, fmt.Errorf("cache not initialized: %w", err)
		}
		opts = append(opts, entitlement.WithCache(app.cache))
	}
	engine := entitlement.New(db, logger, opts...)

	sweeper := notification.New(db, engine, rabbitmq.NewPublisher(ch), m, logger)
	app.schedulerService = schedulerservice.NewSchedulerService(
		sweeper, cfg.Notifications.Interval, cfg.Notifications.WindowHours, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	app.metricsServer = &http.Server{
		Addr:              cfg.Notifications.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return app, nil
}

func (a *App) closeResources() {
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			a.logger.Error("failed to close channel", sl.Err(err))
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Error("failed to close connection", sl.Err(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("failed to close storage", sl.Err(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("failed to close cache", sl.Err(err))
		}
	}
}

// Run запускает планировщик и блокируется до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	go func() {
		a.logger.Info("metrics server starting on", slog.String("address", a.metricsServer.Addr))
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", sl.Err(err))
		}
	}()

	a.schedulerService.Run(ctx)

	a.logger.Info("shutting down scheduler service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("failed to stop metrics server", sl.Err(err))
	}
	a.closeResources()
	return nil
}
