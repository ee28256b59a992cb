package models

// EntitlementStats сводка по пользователям для админ-панели.
type EntitlementStats struct {
	TotalUsers   int64 `json:"total_users"`
	TrialUsers   int64 `json:"trial_users"`
	ActiveUsers  int64 `json:"active_users"`
	ExpiredUsers int64 `json:"expired_users"`
	BlockedUsers int64 `json:"blocked_users"`
	// TrialOrPaidUsers пользователи, у которых был пробный период или есть
	// активная подписка. База для доли конверсии.
	TrialOrPaidUsers   int64 `json:"trial_or_paid_users"`
	ConvertedFromTrial int64 `json:"converted_from_trial"`
	// TotalRequests сумма счётчиков запросов всех пользователей.
	TotalRequests int64 `json:"total_requests"`
}

// ConversionPercent доля пользователей, перешедших с пробного периода на
// подписку, в процентах. 0, если база пустая.
func (s EntitlementStats) ConversionPercent() float64 {
	if s.TrialOrPaidUsers == 0 {
		return 0
	}
	return float64(s.ConvertedFromTrial) / float64(s.TrialOrPaidUsers) * 100
}
