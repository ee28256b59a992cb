package payment

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/Fllarpell/btrainer/internal/http/response"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
)

// KeyRequest событие провайдера по ключу идемпотентности.
type KeyRequest struct {
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
}

// PreCheckoutHandler отвечает провайдеру, можно ли списывать деньги.
type PreCheckoutHandler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// NewPreCheckoutHandler создает новый PreCheckoutHandler.
func NewPreCheckoutHandler(log *slog.Logger, service Service) *PreCheckoutHandler {
	return &PreCheckoutHandler{log: log, service: service, validate: validator.New()}
}

// ServeHTTP отказ в проверке возвращается как успешный ответ с ok=false
// и текстом для пользователя.
func (h *PreCheckoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.precheckout"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req KeyRequest
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

	approval, err := h.service.PreAuthorize(r.Context(), req.IdempotencyKey)
	if err != nil {
		log.Error("failed to pre-authorize payment", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal service error"))
		return
	}
	render.JSON(w, r, response.OKWithData(approval))
}
