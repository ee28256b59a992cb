package payment

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/Fllarpell/btrainer/internal/http/response"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/models"
)

// FailRequest уведомление провайдера об отказе или отмене.
type FailRequest struct {
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
	Status         string `json:"status" validate:"required,oneof=failed canceled"`
}

// FailHandler принимает вебхук неуспешной оплаты.
type FailHandler struct {
	log           *slog.Logger
	service       Service
	webhookSecret string
	validate      *validator.Validate
}

// NewFailHandler создает новый FailHandler.
func NewFailHandler(log *slog.Logger, service Service, secret string) *FailHandler {
	return &FailHandler{log: log, service: service, webhookSecret: secret, validate: validator.New()}
}

func (h *FailHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.fail"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	defer r.Body.Close()

	if !verifySignature(h.webhookSecret, body, r.Header.Get(SignatureHeader)) {
		log.Error("invalid or missing webhook signature")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("invalid signature"))
		return
	}

	var req FailRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Error("failed to unmarshal webhook payload", sl.Err(err))
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

	if err := h.service.FailPayment(r.Context(), req.IdempotencyKey, models.TransactionStatus(req.Status)); err != nil {
		status, msg := statusFor(err)
		log.Error("failed to mark payment as failed", sl.Err(err))
		render.Status(r, status)
		render.JSON(w, r, response.Error(msg))
		return
	}
	render.JSON(w, r, response.OK())
}
