package models

import "time"

// TrialEndingNotice сообщение очереди о скором окончании пробного периода.
type TrialEndingNotice struct {
	UserID      int64     `json:"user_id"`
	ExternalID  int64     `json:"external_id"`
	Username    string    `json:"username,omitempty"`
	TrialEndsAt time.Time `json:"trial_ends_at"`
}
