// Package updates реализует HTTP-обработчик, который пропускает обновление
// чата через шлюз доступа и передаёт разрешённое сервису функций.
package updates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/Fllarpell/btrainer/internal/feature"
	"github.com/Fllarpell/btrainer/internal/gate"
	"github.com/Fllarpell/btrainer/internal/http/response"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/storage"
)

// Gate описывает перехватчик запросов.
type Gate interface {
	Handle(ctx context.Context, req gate.Request, next func(ctx context.Context) error) (gate.Verdict, error)
}

// Forwarder передаёт обновление сервису функций.
type Forwarder interface {
	Forward(ctx context.Context, u feature.Update) (json.RawMessage, error)
}

// Request обновление чата.
type Request struct {
	ExternalID int64           `json:"external_id" validate:"required,gt=0"`
	Kind       string          `json:"kind" validate:"required,oneof=command text callback payment"`
	Tag        string          `json:"tag" validate:"max=64"`
	Payload    json.RawMessage `json:"payload"`
}

// Response итог обработки.
type Response struct {
	Decision gate.Decision   `json:"decision"`
	Reason   string          `json:"reason,omitempty"`
	Reply    json.RawMessage `json:"reply,omitempty"`
}

// Handler управляет пересылкой обновлений.
type Handler struct {
	log       *slog.Logger
	gate      Gate
	forwarder Forwarder
	validate  *validator.Validate
}

// New создает новый Handler.
func New(log *slog.Logger, g Gate, forwarder Forwarder) *Handler {
	return &Handler{
		log:       log,
		gate:      g,
		forwarder: forwarder,
		validate:  validator.New(),
	}
}

var errNoUnitOfWork = errors.New("unit of work is missing in context")

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.updates.forward"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req Request
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
	log = log.With(slog.Int64("external_id", req.ExternalID))

	var reply json.RawMessage
	v, err := h.gate.Handle(r.Context(), gate.Request{
		ExternalID: req.ExternalID,
		Kind:       gate.Kind(req.Kind),
		Tag:        req.Tag,
	}, func(ctx context.Context) error {
		tx, ok := storage.TxFromContext(ctx)
		if !ok {
			return errNoUnitOfWork
		}
		upd := feature.Update{
			ExternalID: req.ExternalID,
			Kind:       req.Kind,
			Tag:        req.Tag,
			Payload:    req.Payload,
		}
		// Для команды начала работы аккаунта ещё может не быть.
		u, err := tx.UserByExternalID(ctx, req.ExternalID)
		switch {
		case err == nil:
			upd.UserID = u.ID
		case !errors.Is(err, storage.ErrUserNotFound):
			return fmt.Errorf("load user: %w", err)
		}

		reply, err = h.forwarder.Forward(ctx, upd)
		return err
	})
	if err != nil {
		log.Error("failed to handle update", sl.Err(err))
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, response.Error("update was not processed"))
		return
	}

	if !v.Allowed() {
		log.Info("update denied", slog.String("decision", string(v.Decision)))
	}
	render.JSON(w, r, response.OKWithData(Response{
		Decision: v.Decision,
		Reason:   v.Reason,
		Reply:    reply,
	}))
}
