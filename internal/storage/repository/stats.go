package repository

import (
	"context"
	"fmt"

	"github.com/Fllarpell/btrainer/internal/models"
)

// EntitlementStats считает сводку по пользователям одним запросом.
func (q queries) EntitlementStats(ctx context.Context) (models.EntitlementStats, error) {
	const op = "storage.EntitlementStats"
	select {
	case <-ctx.Done():
		return models.EntitlementStats{}, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT COUNT(*),
		             COUNT(*) FILTER (WHERE u.subscription_status = 'trial'),
		             COUNT(*) FILTER (WHERE u.subscription_status = 'active'),
		             COUNT(*) FILTER (WHERE u.subscription_status = 'expired'),
		             COUNT(*) FILTER (WHERE u.is_blocked),
		             COUNT(*) FILTER (WHERE u.trial_ends_at IS NOT NULL OR u.subscription_status = 'active'),
		             COUNT(*) FILTER (WHERE u.converted_from_trial),
		             COALESCE(SUM(a.request_count), 0)
		      FROM users u
		      LEFT JOIN user_activity a ON a.user_id = u.id`

	var s models.EntitlementStats
	err := q.q.QueryRowContext(ctx, query).Scan(
		&s.TotalUsers, &s.TrialUsers, &s.ActiveUsers, &s.ExpiredUsers, &s.BlockedUsers,
		&s.TrialOrPaidUsers, &s.ConvertedFromTrial, &s.TotalRequests,
	)
	if err != nil {
		return models.EntitlementStats{}, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}
