// Package health отдаёт состояние приложения для проверок оркестратора.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/Fllarpell/btrainer/internal/http/response"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
)

const checkTimeout = 2 * time.Second

// Handler проверяет готовность хранилища.
type Handler struct {
	log   *slog.Logger
	ready func(ctx context.Context) error
}

// New создает Handler. ready может быть nil, тогда приложение считается готовым.
func New(log *slog.Logger, ready func(ctx context.Context) error) *Handler {
	return &Handler{
		log:   log,
		ready: ready,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.health"
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.log.Error("storage is not ready", slog.String("op", op), sl.Err(err))
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, response.Error("storage is not ready"))
			return
		}
	}
	render.JSON(w, r, response.OKWithData(map[string]any{
		"status": "ok",
	}))
}
