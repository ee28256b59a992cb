// Package billing переводит события платёжного провайдера в записи журнала
// транзакций и активацию подписки.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Fllarpell/btrainer/internal/entitlement"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/storage"
)

var (
	ErrUnknownPlan          = errors.New("unknown plan")
	ErrTransactionNotFound  = errors.New("transaction not found")
	// ErrTransactionFinalized транзакция уже завершена неуспешно и не может быть подтверждена.
	ErrTransactionFinalized = errors.New("transaction already finalized")
	ErrInvalidStatus        = errors.New("invalid transaction status")
)

// Ответы на предварительную проверку платежа.
const (
	MessageUnavailable      = "Платежная система временно недоступна."
	MessageOrderNotFound    = "Заказ не найден. Пожалуйста, попробуйте создать платеж заново."
	MessageAlreadyProcessed = "Этот платеж уже обработан или истек."
	MessageDuplicate        = "Ваша подписка по этому платежу уже активна! Спасибо!"
)

const maxFailRetries = 3

// Store хранилище журнала транзакций.
type Store interface {
	storage.Runner
	TransactionByKey(ctx context.Context, key string) (*models.Transaction, error)
}

// Engine единая точка активации подписки.
type Engine interface {
	Settle(ctx context.Context, step func(ctx context.Context, tx storage.Tx) (*entitlement.Activation, error)) (entitlement.Result, error)
}

// Recorder учитывает исходы платёжных событий.
type Recorder interface {
	Payment(stage, result string)
}

// Invoice счёт, который транспорт передаёт провайдеру. Key возвращается
// провайдером во всех последующих событиях.
type Invoice struct {
	Key    string      `json:"key"`
	Plan   models.Plan `json:"plan"`
	Amount int64       `json:"amount"`
}

// Approval ответ на предварительную проверку.
type Approval struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Confirmation итог подтверждения платежа. Для повторного события
// Duplicate=true, состояние доступа не меняется.
type Confirmation struct {
	Duplicate bool         `json:"duplicate"`
	User      *models.User `json:"user,omitempty"`
}

// Service транслятор платёжных событий.
type Service struct {
	plans              []models.Plan
	byCode             map[string]models.Plan
	store              Store
	engine             Engine
	recorder           Recorder
	providerConfigured bool
	newKey             func() string
	log                *slog.Logger
}

// New создаёт сервис. providerConfigured=false означает, что токен провайдера
// не задан и платежи не принимаются.
func New(plans []models.Plan, store Store, engine Engine, recorder Recorder, providerConfigured bool, log *slog.Logger) *Service {
	s := &Service{
		plans:              plans,
		byCode:             make(map[string]models.Plan, len(plans)),
		store:              store,
		engine:             engine,
		recorder:           recorder,
		providerConfigured: providerConfigured,
		newKey:             uuid.NewString,
		log:                log,
	}
	for _, p := range plans {
		s.byCode[p.Code] = p
	}
	return s
}

// Plans возвращает каталог тарифов.
func (s *Service) Plans() []models.Plan {
	out := make([]models.Plan, len(s.plans))
	copy(out, s.plans)
	return out
}

// Plan возвращает тариф по коду.
func (s *Service) Plan(code string) (models.Plan, bool) {
	p, ok := s.byCode[code]
	return p, ok
}

// RecordPaymentIntent создаёт транзакцию в статусе pending до обращения к провайдеру.
func (s *Service) RecordPaymentIntent(ctx context.Context, userID int64, planCode string) (Invoice, error) {
	const op = "billing.RecordPaymentIntent"
	log := s.log.With(slog.String("op", op), slog.Int64("user_id", userID), slog.String("plan", planCode))

	plan, ok := s.byCode[planCode]
	if !ok {
		s.record("intent", "unknown_plan")
		return Invoice{}, fmt.Errorf("%s: %w: %q", op, ErrUnknownPlan, planCode)
	}

	key := s.newKey()
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.UserByID(ctx, userID); err != nil {
			return err
		}
		_, err := tx.CreateTransaction(ctx, models.Transaction{
			IdempotencyKey: key,
			UserID:         userID,
			PlanName:       plan.Code,
			Amount:         plan.Amount,
			Currency:       plan.Currency,
		})
		return err
	})
	if err != nil {
		s.record("intent", "error")
		if !errors.Is(err, storage.ErrUserNotFound) {
			log.Error("failed to record payment intent", sl.Err(err))
		}
		return Invoice{}, fmt.Errorf("%s: %w", op, err)
	}

	s.record("intent", "ok")
	log.Info("payment intent recorded", slog.String("key", key))
	return Invoice{Key: key, Plan: plan, Amount: plan.Amount}, nil
}

// PreAuthorize отвечает провайдеру, можно ли списывать деньги по ключу.
func (s *Service) PreAuthorize(ctx context.Context, key string) (Approval, error) {
	const op = "billing.PreAuthorize"
	log := s.log.With(slog.String("op", op), slog.String("key", key))

	if !s.providerConfigured {
		log.Error("payment provider token is not set")
		s.record("precheckout", "unavailable")
		return Approval{Message: MessageUnavailable}, nil
	}

	t, err := s.store.TransactionByKey(ctx, key)
	if errors.Is(err, storage.ErrTransactionNotFound) {
		log.Warn("transaction not found")
		s.record("precheckout", "not_found")
		return Approval{Message: MessageOrderNotFound}, nil
	}
	if err != nil {
		s.record("precheckout", "error")
		log.Error("failed to load transaction", sl.Err(err))
		return Approval{}, fmt.Errorf("%s: %w", op, err)
	}
	if t.Status != models.TransactionPending {
		log.Warn("transaction is not pending", slog.String("status", string(t.Status)))
		s.record("precheckout", "rejected")
		return Approval{Message: MessageAlreadyProcessed}, nil
	}

	s.record("precheckout", "ok")
	return Approval{OK: true}, nil
}

// ConfirmPayment фиксирует успешную оплату и активирует подписку в одной
// единице работы. Повторное событие по тому же ключу ничего не меняет.
func (s *Service) ConfirmPayment(ctx context.Context, key, providerRef string) (Confirmation, error) {
	const op = "billing.ConfirmPayment"
	log := s.log.With(slog.String("op", op), slog.String("key", key))

	var duplicate bool
	res, err := s.engine.Settle(ctx, func(ctx context.Context, tx storage.Tx) (*entitlement.Activation, error) {
		duplicate = false
		t, err := tx.LockTransactionByKey(ctx, key)
		if errors.Is(err, storage.ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		if err != nil {
			return nil, err
		}
		switch t.Status {
		case models.TransactionSucceeded:
			duplicate = true
			return nil, nil
		case models.TransactionFailed, models.TransactionCanceled:
			return nil, fmt.Errorf("%w: status %s", ErrTransactionFinalized, t.Status)
		}

		plan, ok := s.byCode[t.PlanName]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, t.PlanName)
		}
		ref := providerRef
		if err = tx.FinalizeTransaction(ctx, t.ID, models.TransactionSucceeded, &ref); err != nil {
			return nil, err
		}
		return &entitlement.Activation{UserID: t.UserID, PlanName: plan.Code, Days: plan.DurationDays}, nil
	})
	switch {
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrTransactionFinalized):
		s.record("confirm", "rejected")
		log.Warn("payment confirmation rejected", sl.Err(err))
		return Confirmation{}, fmt.Errorf("%s: %w", op, err)
	case err != nil:
		s.record("confirm", "error")
		log.Error("failed to confirm payment", sl.Err(err))
		return Confirmation{}, fmt.Errorf("%s: %w", op, err)
	}

	if duplicate {
		s.record("confirm", "duplicate")
		log.Warn("transaction already succeeded")
		return Confirmation{Duplicate: true}, nil
	}
	s.record("confirm", "ok")
	log.Info("payment confirmed", slog.Int64("user_id", res.User.ID))
	return Confirmation{User: res.User}, nil
}

// FailPayment переводит транзакцию pending в failed или canceled после отказа провайдера.
func (s *Service) FailPayment(ctx context.Context, key string, status models.TransactionStatus) error {
	const op = "billing.FailPayment"
	log := s.log.With(slog.String("op", op), slog.String("key", key), slog.String("status", string(status)))

	if status != models.TransactionFailed && status != models.TransactionCanceled {
		return fmt.Errorf("%s: %w: %q", op, ErrInvalidStatus, status)
	}

	var err error
	for attempt := 1; attempt <= maxFailRetries; attempt++ {
		err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			t, err := tx.LockTransactionByKey(ctx, key)
			if errors.Is(err, storage.ErrTransactionNotFound) {
				return ErrTransactionNotFound
			}
			if err != nil {
				return err
			}
			if !t.Status.CanTransitionTo(status) {
				return fmt.Errorf("%w: status %s", ErrTransactionFinalized, t.Status)
			}
			return tx.FinalizeTransaction(ctx, t.ID, status, nil)
		})
		if !errors.Is(err, storage.ErrVersionConflict) {
			break
		}
	}
	if err != nil {
		s.record("fail", "rejected")
		log.Warn("failed to mark payment as failed", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	s.record("fail", "ok")
	log.Info("payment marked as failed")
	return nil
}

func (s *Service) record(stage, result string) {
	if s.recorder != nil {
		s.recorder.Payment(stage, result)
	}
}
