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
)

// ConfirmRequest уведомление провайдера об успешной оплате.
type ConfirmRequest struct {
	IdempotencyKey   string `json:"idempotency_key" validate:"required"`
	ProviderChargeID string `json:"provider_charge_id" validate:"required"`
}

// ConfirmHandler принимает вебхук подтверждения оплаты.
type ConfirmHandler struct {
	log           *slog.Logger
	service       Service
	webhookSecret string
	validate      *validator.Validate
}

// NewConfirmHandler создает новый ConfirmHandler. secret используется
// для проверки подписи тела.
func NewConfirmHandler(log *slog.Logger, service Service, secret string) *ConfirmHandler {
	return &ConfirmHandler{log: log, service: service, webhookSecret: secret, validate: validator.New()}
}

func (h *ConfirmHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.confirm"
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

	var req ConfirmRequest
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
	log = log.With(slog.String("key", req.IdempotencyKey), slog.String("charge_id", req.ProviderChargeID))

	conf, err := h.service.ConfirmPayment(r.Context(), req.IdempotencyKey, req.ProviderChargeID)
	if err != nil {
		status, msg := statusFor(err)
		log.Error("failed to confirm payment", sl.Err(err))
		render.Status(r, status)
		render.JSON(w, r, response.Error(msg))
		return
	}

	log.Info("payment confirmation processed", slog.Bool("duplicate", conf.Duplicate))
	render.JSON(w, r, response.OKWithData(conf))
}
