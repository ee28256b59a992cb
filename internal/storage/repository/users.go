package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/storage"
)

const selectUser = `SELECT u.id, u.external_id, COALESCE(u.username, ''), u.role, u.is_blocked,
		      u.subscription_status, u.trial_started_at, u.trial_ends_at,
		      u.subscription_expires_at, u.current_plan_name, u.converted_from_trial,
		      u.trial_ending_notification_sent, u.entitlement_version, u.registered_at,
		      COALESCE(a.request_count, 0), a.last_active_at
		  FROM users u
		  LEFT JOIN user_activity a ON a.user_id = u.id`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*models.User, error) {
	var (
		u                                models.User
		trialStarted, trialEnds, expires sql.NullTime
		lastActive                       sql.NullTime
		planName                         sql.NullString
	)
	if err := row.Scan(&u.ID, &u.ExternalID, &u.Username, &u.Role, &u.IsBlocked,
		&u.Entitlement.Status, &trialStarted, &trialEnds,
		&expires, &planName, &u.Entitlement.ConvertedFromTrial,
		&u.Entitlement.TrialEndingNotificationSent, &u.Entitlement.Version, &u.RegisteredAt,
		&u.RequestCount, &lastActive); err != nil {
		return nil, err
	}
	u.Entitlement.TrialStartedAt = nullTime(trialStarted)
	u.Entitlement.TrialEndsAt = nullTime(trialEnds)
	u.Entitlement.SubscriptionExpiresAt = nullTime(expires)
	u.LastActiveAt = nullTime(lastActive)
	if planName.Valid {
		u.Entitlement.CurrentPlanName = &planName.String
	}
	return &u, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// UserByID возвращает пользователя по внутреннему идентификатору.
func (q queries) UserByID(ctx context.Context, id int64) (*models.User, error) {
	const op = "storage.UserByID"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	u, err := scanUser(q.q.QueryRowContext(ctx, selectUser+` WHERE u.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// UserByExternalID возвращает пользователя по идентификатору в Telegram.
func (q queries) UserByExternalID(ctx context.Context, externalID int64) (*models.User, error) {
	const op = "storage.UserByExternalID"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	u, err := scanUser(q.q.QueryRowContext(ctx, selectUser+` WHERE u.external_id = $1`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// TrialEndingCandidates находит пользователей, чей пробный период заканчивается в [from, to).
func (q queries) TrialEndingCandidates(ctx context.Context, from, to time.Time) ([]int64, error) {
	const op = "storage.TrialEndingCandidates"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id FROM users
		      WHERE subscription_status = 'trial'
			    AND trial_ending_notification_sent = FALSE
			    AND is_blocked = FALSE
			    AND trial_ends_at >= $1 AND trial_ends_at < $2
		      ORDER BY id`
	rows, err := q.q.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}

// CreateUser сохраняет нового пользователя со статусом none.
func (t *Tx) CreateUser(ctx context.Context, user models.User) (*models.User, error) {
	const op = "storage.CreateUser"

	role := user.Role
	if role == "" {
		role = models.RoleUser
	}
	var username sql.NullString
	if user.Username != "" {
		username = sql.NullString{String: user.Username, Valid: true}
	}

	var id int64
	query := `INSERT INTO users (external_id, username, role, subscription_status)
			  VALUES ($1, $2, $3, 'none')
			  RETURNING id`
	if err := t.q.QueryRowContext(ctx, query, user.ExternalID, username, string(role)).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return t.UserByID(ctx, id)
}

// CompareAndSwapEntitlement записывает группу полей подписки при совпадении версии.
func (t *Tx) CompareAndSwapEntitlement(ctx context.Context, userID, expectedVersion int64, e models.Entitlement) error {
	const op = "storage.CompareAndSwapEntitlement"

	query := `UPDATE users
		      SET subscription_status = $3,
			      trial_started_at = $4,
			      trial_ends_at = $5,
			      subscription_expires_at = $6,
			      current_plan_name = $7,
			      converted_from_trial = $8,
			      trial_ending_notification_sent = $9,
			      entitlement_version = entitlement_version + 1
		      WHERE id = $1 AND entitlement_version = $2`
	res, err := t.q.ExecContext(ctx, query, userID, expectedVersion, string(e.Status),
		e.TrialStartedAt, e.TrialEndsAt, e.SubscriptionExpiresAt, e.CurrentPlanName,
		e.ConvertedFromTrial, e.TrialEndingNotificationSent)
	if err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err = t.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return fmt.Errorf("%s: %w", op, storage.ErrVersionConflict)
}

// SetBlocked выставляет флаг блокировки.
func (t *Tx) SetBlocked(ctx context.Context, userID int64, blocked bool) error {
	const op = "storage.SetBlocked"
	return t.updateUser(ctx, op, `UPDATE users SET is_blocked = $2 WHERE id = $1`, userID, blocked)
}

// SetRole меняет роль пользователя.
func (t *Tx) SetRole(ctx context.Context, userID int64, role models.Role) error {
	const op = "storage.SetRole"
	return t.updateUser(ctx, op, `UPDATE users SET role = $2 WHERE id = $1`, userID, string(role))
}

func (t *Tx) updateUser(ctx context.Context, op, query string, userID int64, value any) error {
	res, err := t.q.ExecContext(ctx, query, userID, value)
	if err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return nil
}

// TouchActivity увеличивает счётчик запросов и время последней активности.
func (t *Tx) TouchActivity(ctx context.Context, userID int64, at time.Time) error {
	const op = "storage.TouchActivity"

	query := `INSERT INTO user_activity (user_id, request_count, last_active_at)
			  VALUES ($1, 1, $2)
			  ON CONFLICT (user_id) DO UPDATE
			  SET request_count = user_activity.request_count + 1,
			      last_active_at = EXCLUDED.last_active_at`
	if _, err := t.q.ExecContext(ctx, query, userID, at); err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	return nil
}
