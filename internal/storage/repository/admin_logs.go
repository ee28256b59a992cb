package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Fllarpell/btrainer/internal/models"
)

// AddAdminLog добавляет запись в журнал действий администраторов.
func (t *Tx) AddAdminLog(ctx context.Context, entry models.AdminLogEntry) error {
	const op = "storage.AddAdminLog"

	var details sql.NullString
	if entry.Details != "" {
		details = sql.NullString{String: entry.Details, Valid: true}
	}
	query := `INSERT INTO admin_logs (admin_user_id, target_user_id, action, details)
			  VALUES ($1, $2, $3, $4)`
	if _, err := t.q.ExecContext(ctx, query,
		entry.AdminUserID, entry.TargetUserID, string(entry.Action), details); err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	return nil
}

// AdminLogs возвращает последние записи журнала, при targetUserID != nil только по одному пользователю.
func (q queries) AdminLogs(ctx context.Context, targetUserID *int64, limit int) ([]models.AdminLogEntry, error) {
	const op = "storage.AdminLogs"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, admin_user_id, target_user_id, action, COALESCE(details, ''), created_at
		      FROM admin_logs
		      WHERE ($1::BIGINT IS NULL OR target_user_id = $1)
		      ORDER BY created_at DESC, id DESC
		      LIMIT $2`
	rows, err := q.q.QueryContext(ctx, query, targetUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []models.AdminLogEntry
	for rows.Next() {
		var (
			e      models.AdminLogEntry
			target sql.NullInt64
		)
		if err = rows.Scan(&e.ID, &e.AdminUserID, &target, &e.Action, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if target.Valid {
			v := target.Int64
			e.TargetUserID = &v
		}
		result = append(result, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}
