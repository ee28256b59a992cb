package models

import "time"

// TransactionStatus статус платёжной транзакции.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionSucceeded TransactionStatus = "succeeded"
	TransactionFailed    TransactionStatus = "failed"
	TransactionCanceled  TransactionStatus = "canceled"
)

// Terminal сообщает, что из статуса нет дальнейших переходов.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionSucceeded || s == TransactionFailed || s == TransactionCanceled
}

// CanTransitionTo проверяет допустимость перехода: только pending -> терминальный статус.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	return s == TransactionPending && next.Terminal()
}

// Transaction запись платёжного журнала, одна на попытку оплаты.
type Transaction struct {
	ID             int64             `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"` // Создаётся до обращения к провайдеру, неизменяем
	ProviderRef    *string           `json:"provider_ref,omitempty"`
	UserID         int64             `json:"user_id"`
	PlanName       string            `json:"plan_name"`
	Amount         int64             `json:"amount"` // Сумма в минимальных единицах валюты (копейки)
	Currency       string            `json:"currency"`
	Status         TransactionStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
