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

// IntentRequest выбор тарифа пользователем.
type IntentRequest struct {
	UserID   int64  `json:"user_id" validate:"required,gt=0"`
	PlanCode string `json:"plan_code" validate:"required"`
}

// IntentHandler создаёт транзакцию pending перед выставлением счёта.
type IntentHandler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// NewIntentHandler создает новый IntentHandler.
func NewIntentHandler(log *slog.Logger, service Service) *IntentHandler {
	return &IntentHandler{log: log, service: service, validate: validator.New()}
}

func (h *IntentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.intent"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req IntentRequest
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

	invoice, err := h.service.RecordPaymentIntent(r.Context(), req.UserID, req.PlanCode)
	if err != nil {
		status, msg := statusFor(err)
		log.Error("failed to record payment intent", sl.Err(err))
		render.Status(r, status)
		render.JSON(w, r, response.Error(msg))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response.OKWithData(invoice))
}
