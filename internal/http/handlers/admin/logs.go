package admin

import (
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"github.com/Fllarpell/btrainer/internal/http/response"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
)

// Logs возвращает журнал действий администраторов, новые записи первыми.
// Параметры запроса: user_id фильтр по пользователю, limit размер выборки.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.logs"
	log := h.logger(r, op)

	var target *int64
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("invalid user_id"))
			return
		}
		target = &id
	}

	limit := defaultLogsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("invalid limit"))
			return
		}
		limit = min(n, maxLogsLimit)
	}

	entries, err := h.logs.AdminLogs(r.Context(), target, limit)
	if err != nil {
		log.Error("failed to list admin logs", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal service error"))
		return
	}
	render.JSON(w, r, response.OKWithData(map[string]any{
		"entries": entries,
	}))
}
