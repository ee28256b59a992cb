// Package storage описывает контракт хранилища состояния доступа: ошибки,
// единицу работы и операции, доступные внутри транзакции. Реализации лежат
// в подпакетах repository (PostgreSQL) и inmemory.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Fllarpell/btrainer/internal/models"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrUserExists          = errors.New("user already exists")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionExists   = errors.New("transaction already exists")
	// ErrVersionConflict запись группы полей подписки проиграла гонку:
	// версия строки изменилась после чтения.
	ErrVersionConflict = errors.New("entitlement version conflict")
)

// Tx операции, доступные любому участнику единицы работы.
// Записи в группу полей подписки здесь нет.
type Tx interface {
	UserByID(ctx context.Context, id int64) (*models.User, error)
	UserByExternalID(ctx context.Context, externalID int64) (*models.User, error)
	CreateUser(ctx context.Context, user models.User) (*models.User, error)
	// TouchActivity увеличивает счётчик запросов пользователя.
	TouchActivity(ctx context.Context, userID int64, at time.Time) error

	CreateTransaction(ctx context.Context, t models.Transaction) (*models.Transaction, error)
	TransactionByKey(ctx context.Context, key string) (*models.Transaction, error)
	// LockTransactionByKey читает транзакцию и блокирует строку до конца единицы работы.
	LockTransactionByKey(ctx context.Context, key string) (*models.Transaction, error)
	FinalizeTransaction(ctx context.Context, id int64, status models.TransactionStatus, providerRef *string) error
}

// EntitlementTx расширяет Tx записью прав доступа. Выдаётся только движку.
type EntitlementTx interface {
	Tx
	// CompareAndSwapEntitlement записывает группу полей подписки, если версия
	// строки равна expectedVersion, и увеличивает версию. Иначе ErrVersionConflict.
	CompareAndSwapEntitlement(ctx context.Context, userID, expectedVersion int64, e models.Entitlement) error
	SetBlocked(ctx context.Context, userID int64, blocked bool) error
	SetRole(ctx context.Context, userID int64, role models.Role) error
	AddAdminLog(ctx context.Context, entry models.AdminLogEntry) error
}

// Runner открывает единицу работы. Если fn вернула ошибку, все записи откатываются.
type Runner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// EntitlementRunner открывает единицу работы с правом записи состояния доступа.
type EntitlementRunner interface {
	InEntitlementTx(ctx context.Context, fn func(ctx context.Context, tx EntitlementTx) error) error
}

// Reader операции чтения вне транзакции.
type Reader interface {
	UserByID(ctx context.Context, id int64) (*models.User, error)
	UserByExternalID(ctx context.Context, externalID int64) (*models.User, error)
	TransactionByKey(ctx context.Context, key string) (*models.Transaction, error)
	// TrialEndingCandidates возвращает идентификаторы пользователей на пробном периоде,
	// который заканчивается в [from, to), без отправленного уведомления и без блокировки.
	TrialEndingCandidates(ctx context.Context, from, to time.Time) ([]int64, error)
	AdminLogs(ctx context.Context, targetUserID *int64, limit int) ([]models.AdminLogEntry, error)
	// EntitlementStats считает пользователей по статусам, конверсию из пробного
	// периода и сумму счётчиков запросов.
	EntitlementStats(ctx context.Context) (models.EntitlementStats, error)
}

type txKey struct{}

// WithTx кладёт открытую единицу работы в контекст обработчика.
func WithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext возвращает единицу работы, открытую шлюзом для обработчика.
func TxFromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(Tx)
	return tx, ok
}
