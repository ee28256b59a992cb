// Package admin реализует HTTP-обработчики действий администратора над
// доступом пользователя: пробный период, подписка, блокировка, роль, журнал
// и сводная статистика.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/Fllarpell/btrainer/internal/entitlement"
	"github.com/Fllarpell/btrainer/internal/http/middlewarectx"
	"github.com/Fllarpell/btrainer/internal/http/response"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/storage"
)

const (
	defaultLogsLimit = 50
	maxLogsLimit     = 500
)

// Engine команды движка, доступные администратору.
type Engine interface {
	GrantTrial(ctx context.Context, actor entitlement.Actor, userID int64, days int) (entitlement.Result, error)
	CancelTrial(ctx context.Context, actor entitlement.Actor, userID int64) (entitlement.Result, error)
	ActivateSubscription(ctx context.Context, actor entitlement.Actor, userID int64, planName string, days int) (entitlement.Result, error)
	DeactivateSubscription(ctx context.Context, actor entitlement.Actor, userID int64) (entitlement.Result, error)
	SetBlocked(ctx context.Context, actor entitlement.Actor, userID int64, blocked bool) (entitlement.Result, error)
	SetRole(ctx context.Context, actor entitlement.Actor, userID int64, role models.Role) (entitlement.Result, error)
}

// Users чтение проекции пользователя.
type Users interface {
	UserByID(ctx context.Context, id int64) (*models.User, error)
	UserByExternalID(ctx context.Context, externalID int64) (*models.User, error)
}

// Logs чтение журнала действий администраторов.
type Logs interface {
	AdminLogs(ctx context.Context, targetUserID *int64, limit int) ([]models.AdminLogEntry, error)
}

// Stats сводка по пользователям.
type Stats interface {
	EntitlementStats(ctx context.Context) (models.EntitlementStats, error)
}

// Plans каталог тарифов.
type Plans interface {
	Plan(code string) (models.Plan, bool)
}

// ResultResponse итог команды администратора.
type ResultResponse struct {
	User    *models.User `json:"user,omitempty"`
	Changed bool         `json:"changed"`
	Warning string       `json:"warning,omitempty"`
}

// Handler обработчики админской части API.
type Handler struct {
	log              *slog.Logger
	engine           Engine
	users            Users
	logs             Logs
	stats            Stats
	plans            Plans
	defaultTrialDays int
	validate         *validator.Validate
}

// New создает новый Handler. defaultTrialDays используется, когда срок
// пробного периода не указан в запросе.
func New(log *slog.Logger, engine Engine, users Users, logs Logs, stats Stats, plans Plans, defaultTrialDays int) *Handler {
	return &Handler{
		log:              log,
		engine:           engine,
		users:            users,
		logs:             logs,
		stats:            stats,
		plans:            plans,
		defaultTrialDays: defaultTrialDays,
		validate:         validator.New(),
	}
}

// Routes регистрирует обработчики на роутере.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/users/by-external/{external_id}", h.GetUserByExternalID)
	r.Get("/users/{id}", h.GetUser)
	r.Post("/users/{id}/trial", h.GrantTrial)
	r.Delete("/users/{id}/trial", h.CancelTrial)
	r.Post("/users/{id}/subscription", h.ActivateSubscription)
	r.Delete("/users/{id}/subscription", h.DeactivateSubscription)
	r.Post("/users/{id}/block", h.Block)
	r.Post("/users/{id}/unblock", h.Unblock)
	r.Post("/users/{id}/role", h.SetRole)
	r.Get("/logs", h.Logs)
	r.Get("/stats", h.Stats)
}

func (h *Handler) logger(r *http.Request, op string) *slog.Logger {
	return h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
}

func actorFrom(r *http.Request) (entitlement.Actor, bool) {
	id, ok := r.Context().Value(middlewarectx.AdminUserID).(int64)
	if !ok || id == 0 {
		return entitlement.Actor{}, false
	}
	return entitlement.Actor{UserID: id, Admin: true}, true
}

func userIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// prepare достаёт инициатора и идентификатор пользователя из запроса.
// При ошибке ответ уже записан.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request, log *slog.Logger) (entitlement.Actor, int64, bool) {
	actor, ok := actorFrom(r)
	if !ok {
		log.Error("admin id not found in context")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return entitlement.Actor{}, 0, false
	}
	userID, ok := userIDParam(r)
	if !ok {
		log.Error("invalid user id", slog.String("id", chi.URLParam(r, "id")))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid user id"))
		return entitlement.Actor{}, 0, false
	}
	return actor, userID, true
}

// writeResult отдаёт итог команды. Неприменимая команда это успешный ответ
// с предупреждением.
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, log *slog.Logger, res entitlement.Result, err error) {
	if err != nil {
		status, msg := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Error("command failed", sl.Err(err))
		} else {
			log.Warn("command rejected", sl.Err(err))
		}
		render.Status(r, status)
		render.JSON(w, r, response.Error(msg))
		return
	}
	render.JSON(w, r, response.OKWithData(ResultResponse{
		User:    res.User,
		Changed: res.Changed,
		Warning: res.Warning,
	}))
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, entitlement.ErrNotFound), errors.Is(err, storage.ErrUserNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, entitlement.ErrInvalidCommand):
		return http.StatusUnprocessableEntity, "invalid command"
	case errors.Is(err, entitlement.ErrConcurrentModification):
		return http.StatusServiceUnavailable, "try again later"
	default:
		return http.StatusInternalServerError, "internal service error"
	}
}
