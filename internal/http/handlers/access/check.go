// Package access реализует HTTP-обработчик проверки доступа к функции бота.
package access

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/Fllarpell/btrainer/internal/gate"
	"github.com/Fllarpell/btrainer/internal/http/response"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/models"
)

// Service описывает интерфейс шлюза доступа.
type Service interface {
	Check(ctx context.Context, req gate.Request) (gate.Verdict, error)
}

// CheckRequest входящее событие транспорта.
type CheckRequest struct {
	ExternalID int64  `json:"external_id" validate:"required,gt=0"`
	Kind       string `json:"kind" validate:"required,oneof=command text callback payment"`
	Tag        string `json:"tag" validate:"max=64"`
}

// CheckResponse решение шлюза.
type CheckResponse struct {
	Decision gate.Decision `json:"decision"`
	Allowed  bool          `json:"allowed"`
	Reason   string        `json:"reason,omitempty"`
	User     *models.User  `json:"user,omitempty"`
}

// Handler управляет HTTP-запросами проверки доступа.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// New создает новый Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP возвращает решение шлюза. Отказ это тоже успешный ответ:
// транспорт показывает пользователю текст из поля reason.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.access.check"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req CheckRequest
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

	v, err := h.service.Check(r.Context(), gate.Request{
		ExternalID: req.ExternalID,
		Kind:       gate.Kind(req.Kind),
		Tag:        req.Tag,
	})
	if err != nil {
		log.Error("failed to check access", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal service error"))
		return
	}

	render.JSON(w, r, response.OKWithData(CheckResponse{
		Decision: v.Decision,
		Allowed:  v.Allowed(),
		Reason:   v.Reason,
		User:     v.User,
	}))
}
