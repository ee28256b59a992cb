package admin

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/Fllarpell/btrainer/internal/http/response"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/models"
)

// TrialRequest срок пробного периода. Пустое тело означает срок по умолчанию.
type TrialRequest struct {
	Days int `json:"days" validate:"omitempty,gt=0,max=365"`
}

// SubscriptionRequest ручная выдача подписки по тарифу.
// Days переопределяет длительность тарифа.
type SubscriptionRequest struct {
	PlanCode string `json:"plan_code" validate:"required"`
	Days     int    `json:"days" validate:"omitempty,gt=0,max=3650"`
}

// RoleRequest новая роль пользователя.
type RoleRequest struct {
	Role string `json:"role" validate:"required,oneof=user admin"`
}

// GetUser возвращает проекцию пользователя.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.get_user"
	log := h.logger(r, op)

	_, userID, ok := h.prepare(w, r, log)
	if !ok {
		return
	}
	u, err := h.users.UserByID(r.Context(), userID)
	if err != nil {
		status, msg := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Error("failed to get user", sl.Err(err))
		}
		render.Status(r, status)
		render.JSON(w, r, response.Error(msg))
		return
	}
	render.JSON(w, r, response.OKWithData(u))
}

// GetUserByExternalID ищет пользователя по идентификатору в Telegram.
func (h *Handler) GetUserByExternalID(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.get_user_by_external_id"
	log := h.logger(r, op)

	if _, ok := actorFrom(r); !ok {
		log.Error("admin id not found in context")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}
	raw := chi.URLParam(r, "external_id")
	externalID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || externalID <= 0 {
		log.Error("invalid external id", slog.String("external_id", raw))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid external id"))
		return
	}

	u, err := h.users.UserByExternalID(r.Context(), externalID)
	if err != nil {
		status, msg := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Error("failed to get user", sl.Err(err))
		}
		render.Status(r, status)
		render.JSON(w, r, response.Error(msg))
		return
	}
	render.JSON(w, r, response.OKWithData(u))
}

// GrantTrial выдаёт пробный период.
func (h *Handler) GrantTrial(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.grant_trial"
	log := h.logger(r, op)

	actor, userID, ok := h.prepare(w, r, log)
	if !ok {
		return
	}
	var req TrialRequest
	if !h.decode(w, r, &req) {
		return
	}
	days := req.Days
	if days == 0 {
		days = h.defaultTrialDays
	}

	res, err := h.engine.GrantTrial(r.Context(), actor, userID, days)
	h.writeResult(w, r, log, res, err)
}

// CancelTrial отменяет пробный период.
func (h *Handler) CancelTrial(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.cancel_trial"
	log := h.logger(r, op)

	actor, userID, ok := h.prepare(w, r, log)
	if !ok {
		return
	}
	res, err := h.engine.CancelTrial(r.Context(), actor, userID)
	h.writeResult(w, r, log, res, err)
}

// ActivateSubscription выдаёт или продлевает подписку по тарифу.
func (h *Handler) ActivateSubscription(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.activate_subscription"
	log := h.logger(r, op)

	actor, userID, ok := h.prepare(w, r, log)
	if !ok {
		return
	}
	var req SubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	plan, ok := h.plans.Plan(req.PlanCode)
	if !ok {
		log.Warn("unknown plan", slog.String("plan", req.PlanCode))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("unknown plan"))
		return
	}
	days := plan.DurationDays
	if req.Days > 0 {
		days = req.Days
	}

	res, err := h.engine.ActivateSubscription(r.Context(), actor, userID, plan.Code, days)
	h.writeResult(w, r, log, res, err)
}

// DeactivateSubscription прекращает подписку.
func (h *Handler) DeactivateSubscription(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.deactivate_subscription"
	log := h.logger(r, op)

	actor, userID, ok := h.prepare(w, r, log)
	if !ok {
		return
	}
	res, err := h.engine.DeactivateSubscription(r.Context(), actor, userID)
	h.writeResult(w, r, log, res, err)
}

// Block блокирует пользователя.
func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, true)
}

// Unblock снимает блокировку.
func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, false)
}

func (h *Handler) setBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	const op = "handlers.admin.set_blocked"
	log := h.logger(r, op).With(slog.Bool("blocked", blocked))

	actor, userID, ok := h.prepare(w, r, log)
	if !ok {
		return
	}
	if actor.UserID == userID && blocked {
		log.Warn("admin tried to block own account")
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("cannot block own account"))
		return
	}
	res, err := h.engine.SetBlocked(r.Context(), actor, userID, blocked)
	h.writeResult(w, r, log, res, err)
}

// SetRole меняет роль пользователя. Снять роль администратора с себя нельзя.
func (h *Handler) SetRole(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.set_role"
	log := h.logger(r, op)

	actor, userID, ok := h.prepare(w, r, log)
	if !ok {
		return
	}
	var req RoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role := models.Role(req.Role)
	if actor.UserID == userID && role != models.RoleAdmin {
		log.Warn("admin tried to demote own account")
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("cannot change own role"))
		return
	}

	res, err := h.engine.SetRole(r.Context(), actor, userID, role)
	h.writeResult(w, r, log.With(slog.String("role", req.Role)), res, err)
}

// decode читает необязательное тело запроса и валидирует его.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		h.log.Error("failed to decode request", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.log.Error("validation failed", sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return false
	}
	return true
}
