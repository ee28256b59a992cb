// Package entitlement единственное место, где меняется состояние доступа
// пользователя. Команды (выдача и отмена пробного периода, активация и
// деактивация подписки, сверка сроков) вычисляются чистыми функциями и
// записываются одной атомарной операцией сравнения версии и записи.
package entitlement

import (
	"time"

	"github.com/Fllarpell/btrainer/internal/models"
)

// HasAccess сообщает, есть ли у пользователя доступ к платным функциям в момент now.
// Блокировка перекрывает всё, включая роль администратора. Сроки проверяются
// по отметкам времени, поэтому результат верен и до сверки статуса.
func HasAccess(u *models.User, now time.Time) bool {
	if u == nil || u.IsBlocked {
		return false
	}
	if u.IsAdmin() {
		return true
	}
	e := u.Entitlement
	switch e.Status {
	case models.StatusActive:
		return e.SubscriptionExpiresAt != nil && now.Before(*e.SubscriptionExpiresAt)
	case models.StatusTrial:
		return e.TrialEndsAt != nil && now.Before(*e.TrialEndsAt)
	}
	return false
}

// Equal сравнивает группы полей подписки по значениям.
func Equal(a, b models.Entitlement) bool {
	return a.Status == b.Status &&
		timeEqual(a.TrialStartedAt, b.TrialStartedAt) &&
		timeEqual(a.TrialEndsAt, b.TrialEndsAt) &&
		timeEqual(a.SubscriptionExpiresAt, b.SubscriptionExpiresAt) &&
		stringEqual(a.CurrentPlanName, b.CurrentPlanName) &&
		a.ConvertedFromTrial == b.ConvertedFromTrial &&
		a.TrialEndingNotificationSent == b.TrialEndingNotificationSent &&
		a.Version == b.Version
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func stringEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func ptr[T any](v T) *T {
	return &v
}
