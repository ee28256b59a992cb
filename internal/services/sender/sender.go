package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/models"
)

const trialEndingTemplate = `🔔 Важное уведомление

Дорогой пользователь, спешу напомнить вам, что пробный период использования BTrainer скоро завершится (%s МСК)

Чтобы сохранить доступ ко всем функциям бота, вы можете оформить подписку на месяц по тарифу Simple — всего за 450 рублей.

🚀 Почему стоит выбрать подписку?
- Неограниченный доступ к генерации кейсов.
- Подробный анализ ваших решений с рекомендациями.
- Возможность следить за своим прогрессом и видеть, как растёт ваш профессионализм.

🔗 Для оформления подписки в главном меню просто нажмите кнопку Тарифы и подписка.

Не упустите возможность продолжить обучение с BTrainer! ✨

Если у вас есть вопросы, мы всегда рады помочь — пишите нам в поддержку.

С заботой о вашем развитии,
Команда BTrainer ❤️`

const adminNoticeTemplate = `Отправлено уведомление об окончании триала:
Пользователь: TG ID %d (DB ID %d)
Username: @%s
Триал заканчивается: %s`

const dateLayout = "02.01.2006 15:04"

// Messenger отправка сообщения в чат.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type SenderService struct {
	messenger Messenger
	adminIDs  []int64
	loc       *time.Location
	log       *slog.Logger
}

// NewSenderService создает новый экземпляр SenderService. Даты в сообщениях
// выводятся по московскому времени.
func NewSenderService(messenger Messenger, adminIDs []int64, log *slog.Logger) *SenderService {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		loc = time.FixedZone("MSK", 3*60*60)
	}
	return &SenderService{
		messenger: messenger,
		adminIDs:  adminIDs,
		loc:       loc,
		log:       log,
	}
}

// SendTrialEndingNotice обрабатывает сообщение очереди trial_ending. Ошибка
// отправки пользователю возвращается, чтобы сообщение было доставлено повторно.
// Ошибки отправки администраторам только логируются.
func (s *SenderService) SendTrialEndingNotice(ctx context.Context, body []byte) error {
	const op = "services.SendTrialEndingNotice"
	log := s.log.With(slog.String("op", op))

	var notice models.TrialEndingNotice
	if err := json.Unmarshal(body, &notice); err != nil {
		log.Error("failed to unmarshal message body, dropping", sl.Err(err))
		return nil
	}
	log = log.With(slog.Int64("user_id", notice.UserID), slog.Int64("external_id", notice.ExternalID))

	endDate := s.FormatDate(notice.TrialEndsAt)
	if err := s.messenger.SendMessage(ctx, notice.ExternalID, fmt.Sprintf(trialEndingTemplate, endDate)); err != nil {
		log.Error("failed to send trial ending notification", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Info("trial ending notification delivered")

	username := notice.Username
	if username == "" {
		username = "N/A"
	}
	adminText := fmt.Sprintf(adminNoticeTemplate, notice.ExternalID, notice.UserID, username, endDate)
	for _, adminID := range s.adminIDs {
		if err := s.messenger.SendMessage(ctx, adminID, adminText); err != nil {
			log.Error("failed to send admin notice", slog.Int64("admin_id", adminID), sl.Err(err))
		}
	}
	return nil
}

// FormatDate возвращает дату в формате ДД.ММ.ГГГГ ЧЧ:ММ по Москве.
func (s *SenderService) FormatDate(t time.Time) string {
	if t.IsZero() {
		return "ближайшее время"
	}
	return t.In(s.loc).Format(dateLayout)
}
