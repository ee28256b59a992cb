package middlewarectx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/Fllarpell/btrainer/internal/http/response"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/storage"
)

// Users определяет интерфейс поиска аккаунта администратора.
type Users interface {
	UserByExternalID(ctx context.Context, externalID int64) (*models.User, error)
}

// AdminOnly пропускает запрос, только если роль в токене admin, идентификатор
// входит в список администраторов и аккаунт в базе имеет роль admin и не заблокирован.
// Внутренний идентификатор администратора кладётся в контекст под ключом AdminUserID.
func AdminOnly(users Users, isAdmin func(externalID int64) bool, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "middlewarectx.AdminOnly"
			log := log.With(
				slog.String("op", op),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)

			externalID, _ := r.Context().Value(ExternalID).(int64)
			role, _ := r.Context().Value(Role).(string)
			if externalID == 0 || role != string(models.RoleAdmin) || !isAdmin(externalID) {
				log.Warn("admin access denied", slog.Int64("external_id", externalID))
				render.Status(r, http.StatusForbidden)
				render.JSON(w, r, response.Error("access denied"))
				return
			}

			admin, err := users.UserByExternalID(r.Context(), externalID)
			if errors.Is(err, storage.ErrUserNotFound) {
				log.Warn("admin account not found", slog.Int64("external_id", externalID))
				render.Status(r, http.StatusForbidden)
				render.JSON(w, r, response.Error("access denied"))
				return
			}
			if err != nil {
				log.Error("failed to load admin account", sl.Err(err))
				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, response.Error("internal service error"))
				return
			}
			if !admin.IsAdmin() || admin.IsBlocked {
				log.Warn("account is not an active admin", slog.Int64("user_id", admin.ID))
				render.Status(r, http.StatusForbidden)
				render.JSON(w, r, response.Error("access denied"))
				return
			}

			ctx := context.WithValue(r.Context(), AdminUserID, admin.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
