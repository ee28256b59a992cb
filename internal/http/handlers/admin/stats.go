package admin

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/Fllarpell/btrainer/internal/http/response"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/models"
)

// StatsResponse сводка для админ-панели с долей конверсии из пробного периода.
type StatsResponse struct {
	models.EntitlementStats
	ConversionPercent float64 `json:"conversion_percent"`
}

// Stats возвращает число пользователей по статусам, конверсию и сумму запросов.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.stats"
	log := h.logger(r, op)

	st, err := h.stats.EntitlementStats(r.Context())
	if err != nil {
		log.Error("failed to get stats", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal service error"))
		return
	}
	render.JSON(w, r, response.OKWithData(StatsResponse{
		EntitlementStats:  st,
		ConversionPercent: st.ConversionPercent(),
	}))
}
