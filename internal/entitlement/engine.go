package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Fllarpell/btrainer/internal/cache"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/storage"
)

const defaultMaxRetries = 3

// Cache удаляет закэшированную проекцию пользователя после фиксации.
type Cache interface {
	Invalidate(ctx context.Context, keys ...string) error
}

// Recorder учитывает результаты команд.
type Recorder interface {
	Transition(command, outcome string)
}

// Actor инициатор команды. Для действий администратора пишется запись в журнал.
type Actor struct {
	UserID int64
	Admin  bool
}

// System инициатор системных действий: платёж, сверка сроков, рассылка.
var System = Actor{}

// Result итог команды.
type Result struct {
	User    *models.User
	Changed bool
	// Warning непустой, если команда не применима к текущему статусу.
	Warning string
}

// Engine применяет команды к состоянию доступа. Единственный владелец записи
// группы полей подписки, флага блокировки и роли.
type Engine struct {
	store      storage.EntitlementRunner
	cache      Cache
	recorder   Recorder
	now        func() time.Time
	maxRetries int
	log        *slog.Logger
}

// Option настраивает Engine.
type Option func(*Engine)

// WithClock задаёт источник времени.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMaxRetries задаёт число попыток записи при конфликте версий.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithCache задаёт кэш, который очищается после каждой фиксации.
func WithCache(c Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithRecorder задаёт учёт метрик.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// New создаёт движок прав доступа.
func New(store storage.EntitlementRunner, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		now:        time.Now,
		maxRetries: defaultMaxRetries,
		log:        log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now текущее время движка.
func (e *Engine) Now() time.Time {
	return e.now().UTC()
}

// GrantTrial выдаёт пробный период на days дней.
func (e *Engine) GrantTrial(ctx context.Context, actor Actor, userID int64, days int) (Result, error) {
	return e.execute(ctx, actor, userID, GrantTrial{Days: days})
}

// CancelTrial отменяет пробный период. Для пользователя не на пробном периоде
// возвращает предупреждение без ошибки.
func (e *Engine) CancelTrial(ctx context.Context, actor Actor, userID int64) (Result, error) {
	return e.execute(ctx, actor, userID, CancelTrial{})
}

// ActivateSubscription активирует или продлевает подписку.
func (e *Engine) ActivateSubscription(ctx context.Context, actor Actor, userID int64, planName string, days int) (Result, error) {
	return e.execute(ctx, actor, userID, ActivateSubscription{PlanName: planName, Days: days})
}

// DeactivateSubscription прекращает подписку. Для пользователя без активной
// подписки возвращает предупреждение без ошибки.
func (e *Engine) DeactivateSubscription(ctx context.Context, actor Actor, userID int64) (Result, error) {
	return e.execute(ctx, actor, userID, DeactivateSubscription{})
}

// ReconcileExpiry переводит истёкший статус в expired. Запись выполняется,
// только если что-то изменилось.
func (e *Engine) ReconcileExpiry(ctx context.Context, userID int64) (Result, error) {
	return e.execute(ctx, System, userID, ReconcileExpiry{})
}

// SetBlocked блокирует или разблокирует пользователя.
func (e *Engine) SetBlocked(ctx context.Context, actor Actor, userID int64, blocked bool) (Result, error) {
	const op = "entitlement.SetBlocked"
	log := e.log.With(slog.String("op", op), slog.Int64("user_id", userID), slog.Bool("blocked", blocked))

	action := models.ActionUserUnblock
	if blocked {
		action = models.ActionUserBlock
	}

	var res Result
	err := e.withRetry(ctx, log, func(ctx context.Context, tx storage.EntitlementTx) error {
		u, err := loadUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		res = Result{User: u}
		if u.IsBlocked == blocked {
			return nil
		}
		if err = tx.SetBlocked(ctx, userID, blocked); err != nil {
			return err
		}
		if err = e.audit(ctx, tx, actor, userID, action, ""); err != nil {
			return err
		}
		u.IsBlocked = blocked
		res.Changed = true
		return nil
	})
	if err != nil {
		log.Error("failed to change block flag", sl.Err(err))
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if res.Changed {
		e.invalidate(ctx, log, res.User)
		log.Info("block flag changed", slog.Int64("actor_id", actor.UserID))
	}
	return res, nil
}

// SetRole меняет роль пользователя.
func (e *Engine) SetRole(ctx context.Context, actor Actor, userID int64, role models.Role) (Result, error) {
	const op = "entitlement.SetRole"
	log := e.log.With(slog.String("op", op), slog.Int64("user_id", userID), slog.String("role", string(role)))

	if !role.Valid() {
		return Result{}, fmt.Errorf("%s: %w: unknown role %q", op, ErrInvalidCommand, role)
	}

	var res Result
	err := e.withRetry(ctx, log, func(ctx context.Context, tx storage.EntitlementTx) error {
		u, err := loadUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		res = Result{User: u}
		if u.Role == role {
			return nil
		}
		if err = tx.SetRole(ctx, userID, role); err != nil {
			return err
		}
		details := fmt.Sprintf("%s -> %s", u.Role, role)
		if err = e.audit(ctx, tx, actor, userID, models.ActionRoleChange, details); err != nil {
			return err
		}
		u.Role = role
		res.Changed = true
		return nil
	})
	if err != nil {
		log.Error("failed to change role", sl.Err(err))
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if res.Changed {
		e.invalidate(ctx, log, res.User)
	}
	return res, nil
}

// ActivateSubscriptionTx активирует подписку внутри уже открытой единицы работы.
// Фиксацию и повтор при конфликте выполняет вызывающий.
func (e *Engine) ActivateSubscriptionTx(ctx context.Context, tx storage.EntitlementTx, actor Actor, userID int64, planName string, days int) (Result, error) {
	return e.applyTx(ctx, tx, actor, userID, ActivateSubscription{PlanName: planName, Days: days})
}

// Activation подписка, которую нужно активировать после шага расчёта.
type Activation struct {
	UserID   int64
	PlanName string
	Days     int
}

// Settle выполняет шаг step и активацию подписки в одной единице работы.
// Если step вернул nil, активации нет, а фиксируются только записи step.
// При конфликте версий единица работы повторяется целиком.
func (e *Engine) Settle(ctx context.Context, step func(ctx context.Context, tx storage.Tx) (*Activation, error)) (Result, error) {
	const op = "entitlement.Settle"
	log := e.log.With(slog.String("op", op))

	var res Result
	err := e.withRetry(ctx, log, func(ctx context.Context, tx storage.EntitlementTx) error {
		res = Result{}
		act, err := step(ctx, tx)
		if err != nil {
			return err
		}
		if act == nil {
			return nil
		}
		res, err = e.ActivateSubscriptionTx(ctx, tx, System, act.UserID, act.PlanName, act.Days)
		return err
	})
	if err != nil {
		e.record(ActivateSubscription{}.Name(), outcome(err))
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if res.User != nil {
		e.record(ActivateSubscription{}.Name(), "changed")
		e.invalidate(ctx, log, res.User)
		log.Info("subscription activated",
			slog.Int64("user_id", res.User.ID),
			slog.Any("expires_at", res.User.Entitlement.SubscriptionExpiresAt),
		)
	}
	return res, nil
}

// NotifyTrialEnding отмечает отправку уведомления о скором окончании пробного
// периода и вызывает deliver в той же единице работы. Ошибка deliver откатывает
// отметку. Возвращает true, если уведомление доставлено этим вызовом.
//
// deliver вызывается не больше одного раза: при повторе единицы работы после
// конфликта версий повторяется только отметка. Если фиксация не удалась после
// доставки, отметка не сохраняется и следующий проход отправит уведомление
// ещё раз (доставка не реже одного раза).
func (e *Engine) NotifyTrialEnding(ctx context.Context, userID int64, from, to time.Time,
	deliver func(ctx context.Context, u *models.User) error) (bool, error) {
	const op = "entitlement.NotifyTrialEnding"
	log := e.log.With(slog.String("op", op), slog.Int64("user_id", userID))

	var (
		res       Result
		delivered bool
	)
	err := e.withRetry(ctx, log, func(ctx context.Context, tx storage.EntitlementTx) error {
		u, err := loadUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if u.IsBlocked {
			res = Result{User: u}
			return nil
		}
		res, err = e.applyTx(ctx, tx, System, userID, markTrialEndingNotified{from: from, to: to})
		if err != nil || !res.Changed || delivered {
			return err
		}
		if err = deliver(ctx, res.User); err != nil {
			return err
		}
		delivered = true
		return nil
	})
	switch {
	case errors.Is(err, ErrInvalidTransition):
		if delivered {
			log.Warn("notice delivered but no longer due after retry")
		}
		return delivered, nil
	case err != nil:
		if delivered {
			log.Warn("notice delivered but mark was not saved", sl.Err(err))
		}
		return delivered, fmt.Errorf("%s: %w", op, err)
	}
	if res.Changed {
		e.invalidate(ctx, log, res.User)
	}
	return delivered, nil
}

func (e *Engine) execute(ctx context.Context, actor Actor, userID int64, cmd Command) (Result, error) {
	const op = "entitlement.execute"
	log := e.log.With(
		slog.String("op", op),
		slog.String("command", cmd.Name()),
		slog.Int64("user_id", userID),
	)

	var res Result
	err := e.withRetry(ctx, log, func(ctx context.Context, tx storage.EntitlementTx) error {
		var err error
		res, err = e.applyTx(ctx, tx, actor, userID, cmd)
		return err
	})
	switch {
	case errors.Is(err, ErrInvalidTransition):
		e.record(cmd.Name(), "warning")
		log.Warn("command is not applicable", sl.Err(err))
		return Result{User: res.User, Warning: err.Error()}, nil
	case err != nil:
		e.record(cmd.Name(), outcome(err))
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidCommand) {
			log.Error("command failed", sl.Err(err))
		}
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	if !res.Changed {
		e.record(cmd.Name(), "unchanged")
		return res, nil
	}
	e.record(cmd.Name(), "changed")
	e.invalidate(ctx, log, res.User)
	log.Info("entitlement changed",
		slog.String("status", string(res.User.Entitlement.Status)),
		slog.Int64("version", res.User.Entitlement.Version),
		slog.Int64("actor_id", actor.UserID),
	)
	return res, nil
}

// applyTx читает пользователя, вычисляет команду и записывает результат
// сравнением версии. Для администратора добавляет запись журнала.
func (e *Engine) applyTx(ctx context.Context, tx storage.EntitlementTx, actor Actor, userID int64, cmd Command) (Result, error) {
	u, err := loadUser(ctx, tx, userID)
	if err != nil {
		return Result{}, err
	}
	next, err := cmd.Apply(u.Entitlement, e.Now())
	if err != nil {
		return Result{User: u}, err
	}
	if Equal(next, u.Entitlement) {
		return Result{User: u}, nil
	}
	if err = tx.CompareAndSwapEntitlement(ctx, u.ID, u.Entitlement.Version, next); err != nil {
		return Result{}, err
	}
	if err = e.audit(ctx, tx, actor, u.ID, cmd.action(), cmd.Name()); err != nil {
		return Result{}, err
	}
	next.Version = u.Entitlement.Version + 1
	u.Entitlement = next
	return Result{User: u, Changed: true}, nil
}

func (e *Engine) audit(ctx context.Context, tx storage.EntitlementTx, actor Actor, targetID int64, action models.AdminAction, details string) error {
	if !actor.Admin || action == "" {
		return nil
	}
	return tx.AddAdminLog(ctx, models.AdminLogEntry{
		AdminUserID:  actor.UserID,
		TargetUserID: &targetID,
		Action:       action,
		Details:      details,
	})
}

// withRetry выполняет fn в единице работы и повторяет её при конфликте версий.
func (e *Engine) withRetry(ctx context.Context, log *slog.Logger, fn func(ctx context.Context, tx storage.EntitlementTx) error) error {
	for attempt := 1; ; attempt++ {
		err := e.store.InEntitlementTx(ctx, fn)
		if !errors.Is(err, storage.ErrVersionConflict) {
			return err
		}
		if attempt >= e.maxRetries {
			log.Warn("giving up after version conflicts", slog.Int("attempts", attempt))
			return fmt.Errorf("%w: %d attempts", ErrConcurrentModification, attempt)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug("entitlement version conflict, retrying", slog.Int("attempt", attempt))
	}
}

// ForgetUser удаляет закэшированную проекцию пользователя после записей вне
// группы полей подписки, например счётчика запросов.
func (e *Engine) ForgetUser(ctx context.Context, u *models.User) {
	e.invalidate(ctx, e.log.With(slog.String("op", "entitlement.ForgetUser")), u)
}

func (e *Engine) invalidate(ctx context.Context, log *slog.Logger, u *models.User) {
	if e.cache == nil || u == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, cache.UserKey(u.ID), cache.ExternalUserKey(u.ExternalID)); err != nil {
		log.Warn("failed to invalidate user cache", sl.Err(err))
	}
}

func (e *Engine) record(command, result string) {
	if e.recorder != nil {
		e.recorder.Transition(command, result)
	}
}

func loadUser(ctx context.Context, tx storage.Tx, userID int64) (*models.User, error) {
	u, err := tx.UserByID(ctx, userID)
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, userID)
	}
	return u, err
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid"
	}
	return "error"
}
