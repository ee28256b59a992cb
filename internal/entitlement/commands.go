package entitlement

import (
	"fmt"
	"time"

	"github.com/Fllarpell/btrainer/internal/models"
)

// Command типизированная команда изменения состояния доступа.
// Набор команд закрыт: реализации есть только в этом пакете.
type Command interface {
	// Apply вычисляет новое состояние. Не имеет побочных эффектов.
	Apply(e models.Entitlement, now time.Time) (models.Entitlement, error)
	Name() string
	action() models.AdminAction
}

// GrantTrial выдаёт пробный период независимо от текущего статуса.
type GrantTrial struct {
	Days int
}

func (c GrantTrial) Name() string { return "grant_trial" }

func (c GrantTrial) action() models.AdminAction { return models.ActionTrialGranted }

func (c GrantTrial) Apply(e models.Entitlement, now time.Time) (models.Entitlement, error) {
	if c.Days <= 0 {
		return e, fmt.Errorf("%w: trial days must be positive, got %d", ErrInvalidCommand, c.Days)
	}
	e.Status = models.StatusTrial
	e.TrialStartedAt = ptr(now)
	e.TrialEndsAt = ptr(now.AddDate(0, 0, c.Days))
	e.CurrentPlanName = nil
	e.SubscriptionExpiresAt = nil
	e.ConvertedFromTrial = false
	e.TrialEndingNotificationSent = false
	return e, nil
}

// CancelTrial досрочно завершает пробный период. Статус становится expired,
// trialStartedAt сохраняется как отметка использованного пробного периода.
type CancelTrial struct{}

func (c CancelTrial) Name() string { return "cancel_trial" }

func (c CancelTrial) action() models.AdminAction { return models.ActionTrialCancelled }

func (c CancelTrial) Apply(e models.Entitlement, now time.Time) (models.Entitlement, error) {
	if e.Status != models.StatusTrial {
		return e, fmt.Errorf("%w: user is not on trial (status %s)", ErrInvalidTransition, e.Status)
	}
	e.Status = models.StatusExpired
	e.TrialEndsAt = ptr(now)
	e.TrialEndingNotificationSent = false
	return e, nil
}

// ActivateSubscription активирует или продлевает подписку. Продление
// действующей подписки отсчитывается от её текущего окончания.
type ActivateSubscription struct {
	PlanName string
	Days     int
}

func (c ActivateSubscription) Name() string { return "activate_subscription" }

func (c ActivateSubscription) action() models.AdminAction {
	return models.ActionSubscriptionActivated
}

func (c ActivateSubscription) Apply(e models.Entitlement, now time.Time) (models.Entitlement, error) {
	if c.PlanName == "" {
		return e, fmt.Errorf("%w: plan name is empty", ErrInvalidCommand)
	}
	if c.Days <= 0 {
		return e, fmt.Errorf("%w: subscription days must be positive, got %d", ErrInvalidCommand, c.Days)
	}
	base := now
	if e.Status == models.StatusActive && e.SubscriptionExpiresAt != nil && e.SubscriptionExpiresAt.After(now) {
		base = *e.SubscriptionExpiresAt
	}
	if e.Status == models.StatusTrial {
		e.ConvertedFromTrial = true
	}
	e.Status = models.StatusActive
	e.SubscriptionExpiresAt = ptr(base.AddDate(0, 0, c.Days))
	e.CurrentPlanName = ptr(c.PlanName)
	e.TrialEndingNotificationSent = false
	return e, nil
}

// DeactivateSubscription прекращает действующую подписку.
type DeactivateSubscription struct{}

func (c DeactivateSubscription) Name() string { return "deactivate_subscription" }

func (c DeactivateSubscription) action() models.AdminAction {
	return models.ActionSubscriptionDeactivate
}

func (c DeactivateSubscription) Apply(e models.Entitlement, now time.Time) (models.Entitlement, error) {
	if e.Status != models.StatusActive {
		return e, fmt.Errorf("%w: user has no active subscription (status %s)", ErrInvalidTransition, e.Status)
	}
	e.Status = models.StatusExpired
	e.SubscriptionExpiresAt = ptr(now.Add(-time.Second))
	e.TrialEndingNotificationSent = false
	return e, nil
}

// ReconcileExpiry переводит истёкшие trial и active в expired.
// Если ничего не истекло, состояние возвращается без изменений.
type ReconcileExpiry struct{}

func (c ReconcileExpiry) Name() string { return "reconcile_expiry" }

func (c ReconcileExpiry) action() models.AdminAction { return "" }

func (c ReconcileExpiry) Apply(e models.Entitlement, now time.Time) (models.Entitlement, error) {
	switch e.Status {
	case models.StatusActive:
		if e.SubscriptionExpiresAt != nil && !now.Before(*e.SubscriptionExpiresAt) {
			e.Status = models.StatusExpired
		}
	case models.StatusTrial:
		if e.TrialEndsAt != nil && !now.Before(*e.TrialEndsAt) {
			e.Status = models.StatusExpired
		}
	}
	return e, nil
}

// markTrialEndingNotified отмечает отправку уведомления о скором окончании
// пробного периода, если окончание попадает в окно [from, to).
type markTrialEndingNotified struct {
	from, to time.Time
}

func (c markTrialEndingNotified) Name() string { return "mark_trial_ending_notified" }

func (c markTrialEndingNotified) action() models.AdminAction { return "" }

func (c markTrialEndingNotified) Apply(e models.Entitlement, _ time.Time) (models.Entitlement, error) {
	if e.Status != models.StatusTrial || e.TrialEndingNotificationSent || e.TrialEndsAt == nil {
		return e, fmt.Errorf("%w: trial ending notice is not due", ErrInvalidTransition)
	}
	if e.TrialEndsAt.Before(c.from) || !e.TrialEndsAt.Before(c.to) {
		return e, fmt.Errorf("%w: trial ends outside the notice window", ErrInvalidTransition)
	}
	e.TrialEndingNotificationSent = true
	return e, nil
}
