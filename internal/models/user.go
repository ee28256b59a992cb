// Package models содержит доменные структуры ядра доступа: пользователя с группой полей
// подписки, платёжную транзакцию, запись журнала действий администратора и тарифный план.
// Структуры используются в бизнес‑логике и при работе с хранилищем.
package models

import "time"

// Role роль пользователя.
type Role string

const (
	// RoleUser обычный пользователь.
	RoleUser Role = "user"
	// RoleAdmin администратор, имеет доступ независимо от подписки.
	RoleAdmin Role = "admin"
)

// Valid сообщает, является ли значение известной ролью.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// SubscriptionStatus статус подписки пользователя.
type SubscriptionStatus string

const (
	StatusNone    SubscriptionStatus = "none"
	StatusTrial   SubscriptionStatus = "trial"
	StatusActive  SubscriptionStatus = "active"
	StatusExpired SubscriptionStatus = "expired"
)

// Valid сообщает, является ли значение известным статусом.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusNone, StatusTrial, StatusActive, StatusExpired:
		return true
	}
	return false
}

// Entitlement группа полей подписки. Изменяется только движком прав доступа
// одной атомарной операцией сравнения версии и записи.
type Entitlement struct {
	Status                      SubscriptionStatus `json:"status"`
	TrialStartedAt              *time.Time         `json:"trial_started_at,omitempty"`
	TrialEndsAt                 *time.Time         `json:"trial_ends_at,omitempty"`
	SubscriptionExpiresAt       *time.Time         `json:"subscription_expires_at,omitempty"`
	CurrentPlanName             *string            `json:"current_plan_name,omitempty"`
	ConvertedFromTrial          bool               `json:"converted_from_trial"`
	TrialEndingNotificationSent bool               `json:"trial_ending_notification_sent"`
	// Version увеличивается при каждой записи группы полей.
	Version int64 `json:"version"`
}

// User представляет пользователя бота.
type User struct {
	ID           int64       `json:"id"`          // Внутренний идентификатор
	ExternalID   int64       `json:"external_id"` // Идентификатор пользователя в Telegram
	Username     string      `json:"username,omitempty"`
	Role         Role        `json:"role"`
	Entitlement  Entitlement `json:"entitlement"`
	IsBlocked    bool        `json:"is_blocked"`
	RequestCount int64       `json:"request_count"`
	RegisteredAt time.Time   `json:"registered_at"`
	LastActiveAt *time.Time  `json:"last_active_at,omitempty"`
}

// IsAdmin сообщает, является ли пользователь администратором.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
