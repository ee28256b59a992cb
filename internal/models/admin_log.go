package models

import "time"

// AdminAction вид действия администратора.
type AdminAction string

const (
	ActionTrialGranted           AdminAction = "trial_granted"
	ActionTrialCancelled         AdminAction = "trial_cancelled"
	ActionSubscriptionActivated  AdminAction = "subscription_activated"
	ActionSubscriptionDeactivate AdminAction = "subscription_deactivated"
	ActionUserBlock              AdminAction = "user_block"
	ActionUserUnblock            AdminAction = "user_unblock"
	ActionRoleChange             AdminAction = "role_change"
)

// AdminLogEntry запись журнала аудита. Только добавляется, никогда не изменяется.
type AdminLogEntry struct {
	ID           int64       `json:"id"`
	AdminUserID  int64       `json:"admin_user_id"`
	TargetUserID *int64      `json:"target_user_id,omitempty"`
	Action       AdminAction `json:"action"`
	Details      string      `json:"details,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}
