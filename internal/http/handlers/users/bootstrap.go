// Package users реализует HTTP-обработчик создания аккаунта при первом
// обращении пользователя к боту.
package users

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/Fllarpell/btrainer/internal/http/response"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/models"
)

// Service описывает интерфейс создания аккаунта.
type Service interface {
	Bootstrap(ctx context.Context, externalID int64, username string) (*models.User, bool, error)
}

// BootstrapRequest данные пользователя из Telegram.
type BootstrapRequest struct {
	ExternalID int64  `json:"external_id" validate:"required,gt=0"`
	Username   string `json:"username" validate:"max=64"`
}

// Handler управляет HTTP-запросами на создание аккаунта.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// New создает новый Handler с переданными логгером и сервисом.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP создаёт аккаунт или возвращает существующий.
// Новый аккаунт отдаётся со статусом 201, существующий со статусом 200.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.users.bootstrap"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req BootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		log.Error("validation failed", sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	user, created, err := h.service.Bootstrap(r.Context(), req.ExternalID, req.Username)
	if err != nil {
		log.Error("failed to bootstrap user", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not create user"))
		return
	}

	if created {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, response.OKWithData(map[string]any{
		"user":    user,
		"created": created,
	}))
}
