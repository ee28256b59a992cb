// Package metrics содержит счётчики Prometheus ядра доступа.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "btrainer"

// Metrics счётчики решений шлюза, переходов состояния, платежей и рассылки.
type Metrics struct {
	gateDecisions *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	payments      *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// New создаёт счётчики и регистрирует их в reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		gateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_decisions_total",
				Help:      "Access gate decisions by outcome",
			},
			[]string{"decision"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entitlement_transitions_total",
				Help:      "Entitlement commands by command and outcome",
			},
			[]string{"command", "outcome"},
		),
		payments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_total",
				Help:      "Payment events by stage and result",
			},
			[]string{"stage", "result"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trial_ending_notifications_total",
				Help:      "Trial ending notifications by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(m.gateDecisions, m.transitions, m.payments, m.notifications)
	return m
}

// GateDecision учитывает решение шлюза доступа.
func (m *Metrics) GateDecision(decision string) {
	m.gateDecisions.WithLabelValues(decision).Inc()
}

// Transition учитывает результат команды движка: changed, unchanged, warning, conflict, error.
func (m *Metrics) Transition(command, outcome string) {
	m.transitions.WithLabelValues(command, outcome).Inc()
}

// Payment учитывает платёжное событие.
func (m *Metrics) Payment(stage, result string) {
	m.payments.WithLabelValues(stage, result).Inc()
}

// Notification учитывает результат отправки уведомления: sent, failed, skipped.
func (m *Metrics) Notification(result string) {
	m.notifications.WithLabelValues(result).Inc()
}
