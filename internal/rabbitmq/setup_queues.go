package rabbitmq

const (
	// Exchange обменник уведомлений.
	Exchange = "notifications"

	RoutingKeyTrialEnding = "trial_ending"
	QueueTrialEnding      = "notifications.trial_ending"

	prefetch = 10
)

// QueueConfig очередь и ключ, по которому она привязана к обменнику.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// NotificationQueues очереди, которые читает отправитель уведомлений.
func NotificationQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: QueueTrialEnding, RoutingKey: RoutingKeyTrialEnding},
	}
}
