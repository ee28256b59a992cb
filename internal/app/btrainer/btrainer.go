// Package btrainer собирает HTTP-приложение ядра доступа: шлюз, движок прав
// доступа и транслятор платёжных событий.
package btrainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Fllarpell/btrainer/internal/cache"
	"github.com/Fllarpell/btrainer/internal/config"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/migrations"
	"github.com/Fllarpell/btrainer/internal/storage"
	"github.com/Fllarpell/btrainer/internal/storage/inmemory"
	"github.com/Fllarpell/btrainer/internal/storage/repository"
)

// Store хранилище, которое нужно приложению.
type Store interface {
	storage.Runner
	storage.EntitlementRunner
	storage.Reader
}

// App HTTP-приложение.
type App struct {
	server  *http.Server
	logger  *slog.Logger
	closers []func() error
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

// New подключает хранилище и кэш и собирает маршруты. Без строки
// подключения к базе данные хранятся в памяти процесса.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.btrainer.New"

	app := &App{logger: logger}

	var (
		store Store
		ready func(ctx context.Context) error
	)
	if cfg.StorageConnectionString == "" {
		logger.Warn("storage connection string is empty, using in-memory storage")
		store = inmemory.New()
	} else {
		db, err := repository.New(cfg.StorageConnectionString)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		app.closers = append(app.closers, db.Close)
		if err = waitForDB(ctx, db); err != nil {
			app.close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		version, err := migrations.Run(db.DB, cfg.MigrationsPath)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		logger.Info("migrations applied", slog.Uint64("version", uint64(version)))
		store = db
		ready = func(ctx context.Context) error {
			return repository.CheckDatabaseReady(ctx, db)
		}
	}

	var redisCache *cache.Cache
	if cfg.RedisConnection.AddressRedis != "" {
		var err error
		redisCache, err = cache.InitServer(ctx, cfg.RedisConnection)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		app.closers = append(app.closers, redisCache.Close)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	router := chi.NewRouter()
	RegisterRoutes(router, cfg, logger, Dependencies{
		Store:    store,
		Cache:    redisCache,
		Registry: reg,
		Clock:    time.Now,
		Ready:    ready,
	})

	app.server = &http.Server{
		Addr:         cfg.HTTPServer.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.TimeoutHTTP,
		WriteTimeout: cfg.HTTPServer.TimeoutHTTP,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}
	return app, nil
}

// Run запускает HTTP-сервер и останавливает его при отмене ctx.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.close()
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		err := a.server.Shutdown(timeoutCtx)
		a.close()
		return err
	}
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("failed to close resource", sl.Err(err))
		}
	}
	a.closers = nil
}
