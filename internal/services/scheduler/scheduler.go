package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/services/notification"
)

// Sweeper один проход рассылки уведомлений.
type Sweeper interface {
	NotifyTrialEndingSoon(ctx context.Context, windowHours int) (notification.SweepReport, error)
}

// SchedulerService периодически запускает рассылку.
type SchedulerService struct {
	sweeper     Sweeper
	interval    time.Duration
	windowHours int
	log         *slog.Logger
}

// NewSchedulerService создает новый экземпляр SchedulerService.
func NewSchedulerService(sweeper Sweeper, interval time.Duration, windowHours int, log *slog.Logger) *SchedulerService {
	return &SchedulerService{
		sweeper:     sweeper,
		interval:    interval,
		windowHours: windowHours,
		log:         log,
	}
}

// Run выполняет проход сразу и затем по таймеру до отмены ctx.
func (s *SchedulerService) Run(ctx context.Context) {
	s.runTrialEndingSweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.runTrialEndingSweep(ctx)
		}
	}
}

func (s *SchedulerService) runTrialEndingSweep(ctx context.Context) {
	s.log.Info("starting trial ending sweep")
	report, err := s.sweeper.NotifyTrialEndingSoon(ctx, s.windowHours)
	if err != nil {
		s.log.Error("trial ending sweep failed", sl.Err(err))
		return
	}
	s.log.Info("trial ending sweep done",
		slog.Int("found", report.Found),
		slog.Int("notified", report.Notified),
		slog.Int("failed", report.Failed),
	)
}
