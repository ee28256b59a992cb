// Package notification рассылает предупреждения о скором окончании пробного периода.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/rabbitmq"
)

// ErrDelivery уведомление не удалось передать в очередь.
var ErrDelivery = errors.New("notification delivery failed")

// Candidates поиск пользователей, которым пора отправить уведомление.
type Candidates interface {
	TrialEndingCandidates(ctx context.Context, from, to time.Time) ([]int64, error)
}

// Engine отметка об отправке выполняется только через движок прав.
type Engine interface {
	NotifyTrialEnding(ctx context.Context, userID int64, from, to time.Time,
		deliver func(ctx context.Context, u *models.User) error) (bool, error)
	Now() time.Time
}

// Notifier публикует сообщение в брокер.
type Notifier interface {
	Publish(ctx context.Context, routingKey string, message any) error
}

// Recorder учитывает исходы рассылки.
type Recorder interface {
	Notification(result string)
}

// SweepReport итог одного прохода.
type SweepReport struct {
	Found    int
	Notified int
	Skipped  int
	Failed   int
}

// Service рассылка уведомлений об окончании пробного периода.
type Service struct {
	store    Candidates
	engine   Engine
	notifier Notifier
	recorder Recorder
	log      *slog.Logger
}

// New создаёт сервис рассылки.
func New(store Candidates, engine Engine, notifier Notifier, recorder Recorder, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		engine:   engine,
		notifier: notifier,
		recorder: recorder,
		log:      log,
	}
}

// NotifyTrialEndingSoon находит пробные периоды, заканчивающиеся в окне
// [now+windowHours-1ч, now+windowHours), и отправляет по одному уведомлению
// каждому пользователю. Ошибка по одному пользователю не прерывает проход.
func (s *Service) NotifyTrialEndingSoon(ctx context.Context, windowHours int) (SweepReport, error) {
	const op = "notification.NotifyTrialEndingSoon"
	log := s.log.With(slog.String("op", op), slog.Int("window_hours", windowHours))

	if windowHours < 1 {
		return SweepReport{}, fmt.Errorf("%s: window must be at least one hour, got %d", op, windowHours)
	}

	now := s.engine.Now()
	to := now.Add(time.Duration(windowHours) * time.Hour)
	from := to.Add(-time.Hour)

	ids, err := s.store.TrialEndingCandidates(ctx, from, to)
	if err != nil {
		log.Error("failed to find trial ending candidates", sl.Err(err))
		return SweepReport{}, fmt.Errorf("%s: %w", op, err)
	}

	report := SweepReport{Found: len(ids)}
	if len(ids) == 0 {
		log.Info("no users with trial ending soon")
		return report, nil
	}
	log.Info("found users with trial ending soon", slog.Int("count", len(ids)))

	for _, id := range ids {
		if ctx.Err() != nil {
			return report, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		sent, err := s.engine.NotifyTrialEnding(ctx, id, from, to, s.deliver)
		switch {
		case err != nil:
			report.Failed++
			s.record("failed")
			log.Error("failed to notify user", slog.Int64("user_id", id), sl.Err(err))
		case sent:
			report.Notified++
			s.record("sent")
			log.Info("trial ending notification sent", slog.Int64("user_id", id))
		default:
			report.Skipped++
			s.record("skipped")
		}
	}

	log.Info("trial ending sweep finished",
		slog.Int("notified", report.Notified),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *Service) deliver(ctx context.Context, u *models.User) error {
	notice := models.TrialEndingNotice{
		UserID:     u.ID,
		ExternalID: u.ExternalID,
		Username:   u.Username,
	}
	if u.Entitlement.TrialEndsAt != nil {
		notice.TrialEndsAt = *u.Entitlement.TrialEndsAt
	}
	if err := s.notifier.Publish(ctx, rabbitmq.RoutingKeyTrialEnding, notice); err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	return nil
}

func (s *Service) record(result string) {
	if s.recorder != nil {
		s.recorder.Notification(result)
	}
}
