package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/storage"
)

const selectTransaction = `SELECT id, idempotency_key, provider_ref, user_id, plan_name,
		      amount, currency, status, created_at, updated_at
		  FROM transactions`

func scanTransaction(row scanner) (*models.Transaction, error) {
	var (
		t   models.Transaction
		ref sql.NullString
	)
	if err := row.Scan(&t.ID, &t.IdempotencyKey, &ref, &t.UserID, &t.PlanName,
		&t.Amount, &t.Currency, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if ref.Valid {
		t.ProviderRef = &ref.String
	}
	return &t, nil
}

// TransactionByKey возвращает транзакцию по ключу идемпотентности.
func (q queries) TransactionByKey(ctx context.Context, key string) (*models.Transaction, error) {
	const op = "storage.TransactionByKey"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}
	return q.transactionByKey(ctx, op, selectTransaction+` WHERE idempotency_key = $1`, key)
}

// LockTransactionByKey читает транзакцию с блокировкой строки.
func (t *Tx) LockTransactionByKey(ctx context.Context, key string) (*models.Transaction, error) {
	const op = "storage.LockTransactionByKey"
	return t.transactionByKey(ctx, op, selectTransaction+` WHERE idempotency_key = $1 FOR UPDATE`, key)
}

func (q queries) transactionByKey(ctx context.Context, op, query, key string) (*models.Transaction, error) {
	tr, err := scanTransaction(q.q.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTransactionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return tr, nil
}

// CreateTransaction сохраняет новую транзакцию в статусе pending.
func (t *Tx) CreateTransaction(ctx context.Context, tr models.Transaction) (*models.Transaction, error) {
	const op = "storage.CreateTransaction"

	query := `INSERT INTO transactions (idempotency_key, user_id, plan_name, amount, currency, status)
			  VALUES ($1, $2, $3, $4, $5, 'pending')
			  RETURNING id, idempotency_key, provider_ref, user_id, plan_name,
			      amount, currency, status, created_at, updated_at`
	created, err := scanTransaction(t.q.QueryRowContext(ctx, query,
		tr.IdempotencyKey, tr.UserID, tr.PlanName, tr.Amount, tr.Currency))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTransactionExists)
		}
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return created, nil
}

// FinalizeTransaction переводит транзакцию из pending в терминальный статус.
// providerRef записывается, только если передан.
func (t *Tx) FinalizeTransaction(ctx context.Context, id int64, status models.TransactionStatus, providerRef *string) error {
	const op = "storage.FinalizeTransaction"

	query := `UPDATE transactions
		      SET status = $2,
			      provider_ref = COALESCE($3, provider_ref),
			      updated_at = NOW()
		      WHERE id = $1 AND status = 'pending'`
	res, err := t.q.ExecContext(ctx, query, id, string(status), providerRef)
	if err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: pending transaction %d: %w", op, id, storage.ErrTransactionNotFound)
	}
	return nil
}
