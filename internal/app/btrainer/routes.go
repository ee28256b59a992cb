package btrainer

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Fllarpell/btrainer/internal/billing"
	"github.com/Fllarpell/btrainer/internal/cache"
	"github.com/Fllarpell/btrainer/internal/config"
	"github.com/Fllarpell/btrainer/internal/entitlement"
	"github.com/Fllarpell/btrainer/internal/feature"
	"github.com/Fllarpell/btrainer/internal/gate"
	"github.com/Fllarpell/btrainer/internal/http/handlers/access"
	"github.com/Fllarpell/btrainer/internal/http/handlers/admin"
	"github.com/Fllarpell/btrainer/internal/http/handlers/health"
	"github.com/Fllarpell/btrainer/internal/http/handlers/payment"
	"github.com/Fllarpell/btrainer/internal/http/handlers/plans"
	"github.com/Fllarpell/btrainer/internal/http/handlers/updates"
	"github.com/Fllarpell/btrainer/internal/http/handlers/users"
	"github.com/Fllarpell/btrainer/internal/http/middlewarectx"
	"github.com/Fllarpell/btrainer/internal/lib/jwt"
	"github.com/Fllarpell/btrainer/internal/metrics"
)

// Dependencies внешние ресурсы, из которых собираются сервисы.
// Cache может быть nil: тогда проекция пользователя читается из хранилища.
type Dependencies struct {
	Store    Store
	Cache    *cache.Cache
	Registry *prometheus.Registry
	Clock    func() time.Time
	// Ready проверка готовности хранилища, может быть nil.
	Ready    func(ctx context.Context) error
}

// RegisterRoutes собирает сервисы и регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, cfg *config.Config, logger *slog.Logger, deps Dependencies) {
	m := metrics.New(deps.Registry)

	opts := []entitlement.Option{
		entitlement.WithClock(deps.Clock),
		entitlement.WithMaxRetries(cfg.Entitlement.MaxRetries),
		entitlement.WithRecorder(m),
	}
	var userReader admin.Users = deps.Store
	if deps.Cache != nil {
		opts = append(opts, entitlement.WithCache(deps.Cache))
		userReader = cache.NewUserReader(deps.Cache, deps.Store, cfg.RedisConnection.TTL, logger)
	}
	engine := entitlement.New(deps.Store, logger, opts...)

	accessGate := gate.New(deps.Store, engine, deps.Store,
		cfg.Gate.Allowlist, cfg.Gate.BootstrapTag, cfg.AdminIDs, m, logger)
	billingService := billing.New(cfg.Plans, deps.Store, engine, m, cfg.Payment.ProviderToken != "", logger)
	forwarder := feature.NewClient(cfg.FeatureService.URL, cfg.FeatureService.Timeout)
	jwtMaker := jwt.NewJWTMaker(cfg.JWTToken.JWTSecretKey, cfg.JWTToken.TokenTTL)
	limiter := middlewarectx.NewLimiter(cfg.Gate.RateLimit, cfg.Gate.RateBurst)

	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
	)

	r.Route("/api/v1", func(r chi.Router) {
		// Транспорт бота
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.RateLimitMiddleware(limiter, logger))
			r.Post("/users", users.New(logger, accessGate).ServeHTTP)
			r.Post("/access/check", access.New(logger, accessGate).ServeHTTP)
			r.Post("/updates", updates.New(logger, accessGate, forwarder).ServeHTTP)
			r.Get("/plans", plans.New(logger, billingService).ServeHTTP)
			r.Post("/payments/intents", payment.NewIntentHandler(logger, billingService).ServeHTTP)
		})

		// Ответ на предварительную проверку платежа ограничен сроком провайдера, лимит к нему не применяется.
		r.Post("/payments/precheckout", payment.NewPreCheckoutHandler(logger, billingService).ServeHTTP)

		// Вебхуки провайдера (подпись тела вместо токена)
		r.Post("/payments/confirm", payment.NewConfirmHandler(logger, billingService, cfg.Payment.WebhookSecret).ServeHTTP)
		r.Post("/payments/fail", payment.NewFailHandler(logger, billingService, cfg.Payment.WebhookSecret).ServeHTTP)

		// Группа с JWT аутентификацией администратора
		r.Route("/admin", func(r chi.Router) {
			r.Use(middlewarectx.JWTMiddleware(jwtMaker, logger))
			r.Use(middlewarectx.AdminOnly(deps.Store, cfg.IsAdmin, logger))
			r.Use(middlewarectx.RateLimitMiddleware(limiter, logger))
			admin.New(logger, engine, userReader, deps.Store, deps.Store, billingService, cfg.Entitlement.DefaultTrialDays).Routes(r)
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	r.Get("/health", health.New(logger, deps.Ready).ServeHTTP)
}
