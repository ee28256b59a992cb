// Package gate решает для каждого входящего запроса, передать ли его в
// прикладную логику. Запрещённый запрос до обработчика не доходит.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Fllarpell/btrainer/internal/entitlement"
	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/storage"
)

// Kind вид входящего события.
type Kind string

const (
	KindCommand  Kind = "command"
	KindText     Kind = "text"
	KindCallback Kind = "callback"
	KindPayment  Kind = "payment"
)

// Valid сообщает, является ли значение известным видом события.
func (k Kind) Valid() bool {
	switch k {
	case KindCommand, KindText, KindCallback, KindPayment:
		return true
	}
	return false
}

// Decision решение шлюза.
type Decision string

const (
	Allow             Decision = "allow"
	DenyBlocked       Decision = "deny_blocked"
	DenyNoAccount     Decision = "deny_no_account"
	DenyNoEntitlement Decision = "deny_no_entitlement"
)

// Тексты отказов для транспорта.
const (
	ReasonNoAccount     = "Не удалось найти ваш аккаунт. Пожалуйста, начните с команды /start."
	ReasonBlocked       = "Ваш аккаунт заблокирован. Обратитесь к администратору."
	ReasonNoEntitlement = "Эта функция доступна по подписке. Откройте «Тарифы и подписка», чтобы оформить её."
)

// Request входящее событие от транспорта.
type Request struct {
	ExternalID int64
	Kind       Kind
	// Tag метка запроса для списка разрешённых без подписки: start, help, plans и т. п.
	Tag string
}

// Verdict решение по запросу. User nil, если аккаунта ещё нет.
type Verdict struct {
	Decision Decision
	Reason   string
	User     *models.User
}

// Allowed сообщает, что запрос можно передать обработчику.
func (v Verdict) Allowed() bool {
	return v.Decision == Allow
}

// Users чтение пользователя по идентификатору в Telegram.
type Users interface {
	UserByExternalID(ctx context.Context, externalID int64) (*models.User, error)
}

// Engine операции движка, которые вызывает шлюз.
type Engine interface {
	ReconcileExpiry(ctx context.Context, userID int64) (entitlement.Result, error)
	SetRole(ctx context.Context, actor entitlement.Actor, userID int64, role models.Role) (entitlement.Result, error)
	ForgetUser(ctx context.Context, u *models.User)
	Now() time.Time
}

// Recorder учитывает решения шлюза.
type Recorder interface {
	GateDecision(decision string)
}

// Gate шлюз доступа.
type Gate struct {
	users        Users
	engine       Engine
	uow          storage.Runner
	allowlist    map[string]struct{}
	bootstrapTag string
	admins       map[int64]struct{}
	recorder     Recorder
	log          *slog.Logger
}

// New создаёт шлюз. Список администраторов передаётся явно.
func New(users Users, engine Engine, uow storage.Runner, allowlist []string, bootstrapTag string,
	adminIDs []int64, recorder Recorder, log *slog.Logger) *Gate {
	g := &Gate{
		users:        users,
		engine:       engine,
		uow:          uow,
		allowlist:    make(map[string]struct{}, len(allowlist)+1),
		bootstrapTag: bootstrapTag,
		admins:       make(map[int64]struct{}, len(adminIDs)),
		recorder:     recorder,
		log:          log,
	}
	for _, tag := range allowlist {
		g.allowlist[tag] = struct{}{}
	}
	g.allowlist[bootstrapTag] = struct{}{}
	for _, id := range adminIDs {
		g.admins[id] = struct{}{}
	}
	return g
}

// Check принимает решение по запросу.
func (g *Gate) Check(ctx context.Context, req Request) (Verdict, error) {
	const op = "gate.Check"
	log := g.log.With(
		slog.String("op", op),
		slog.Int64("external_id", req.ExternalID),
		slog.String("tag", req.Tag),
	)

	u, err := g.users.UserByExternalID(ctx, req.ExternalID)
	if errors.Is(err, storage.ErrUserNotFound) {
		if req.Tag == g.bootstrapTag {
			return g.verdict(Allow, "", nil), nil
		}
		return g.verdict(DenyNoAccount, ReasonNoAccount, nil), nil
	}
	if err != nil {
		log.Error("failed to load user", sl.Err(err))
		return Verdict{}, fmt.Errorf("%s: %w", op, err)
	}

	if u.IsBlocked {
		log.Info("blocked user denied", slog.Int64("user_id", u.ID))
		return g.verdict(DenyBlocked, ReasonBlocked, u), nil
	}

	res, err := g.engine.ReconcileExpiry(ctx, u.ID)
	switch {
	case err != nil:
		// Доступ считается по отметкам времени, поэтому решение верно и без сверки.
		log.Warn("failed to reconcile expiry", slog.Int64("user_id", u.ID), sl.Err(err))
	case res.User != nil:
		u = res.User
	}

	if entitlement.HasAccess(u, g.engine.Now()) || g.allowed(req) {
		return g.verdict(Allow, "", u), nil
	}
	return g.verdict(DenyNoEntitlement, ReasonNoEntitlement, u), nil
}

// Handle пропускает запрос через шлюз и вызывает next только для разрешённых.
// next выполняется в единице работы, которую можно получить через
// storage.TxFromContext. Счётчик запросов существующего пользователя
// увеличивается в той же единице работы и откатывается вместе с ней.
func (g *Gate) Handle(ctx context.Context, req Request, next func(ctx context.Context) error) (Verdict, error) {
	const op = "gate.Handle"

	v, err := g.Check(ctx, req)
	if err != nil {
		return Verdict{}, err
	}
	if !v.Allowed() {
		return v, nil
	}

	err = g.uow.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := next(storage.WithTx(ctx, tx)); err != nil {
			return err
		}
		if v.User == nil {
			return nil
		}
		return tx.TouchActivity(ctx, v.User.ID, g.engine.Now())
	})
	if err != nil {
		return v, fmt.Errorf("%s: %w", op, err)
	}
	if v.User != nil {
		g.engine.ForgetUser(ctx, v.User)
	}
	return v, nil
}

// Bootstrap создаёт аккаунт со статусом none при первом обращении. Повторный
// вызов возвращает существующего пользователя. Идентификаторы из списка
// администраторов получают роль admin.
func (g *Gate) Bootstrap(ctx context.Context, externalID int64, username string) (*models.User, bool, error) {
	const op = "gate.Bootstrap"
	log := g.log.With(slog.String("op", op), slog.Int64("external_id", externalID))

	role := models.RoleUser
	if g.IsAdmin(externalID) {
		role = models.RoleAdmin
	}

	var (
		u       *models.User
		created bool
	)
	err := g.uow.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		u, err = tx.CreateUser(ctx, models.User{ExternalID: externalID, Username: username, Role: role})
		if err == nil {
			created = true
		}
		return err
	})
	if errors.Is(err, storage.ErrUserExists) {
		u, err = g.users.UserByExternalID(ctx, externalID)
	}
	if err != nil {
		log.Error("failed to bootstrap user", sl.Err(err))
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	if !created && role == models.RoleAdmin && u.Role != models.RoleAdmin {
		res, err := g.engine.SetRole(ctx, entitlement.System, u.ID, models.RoleAdmin)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", op, err)
		}
		u = res.User
	}
	if created {
		log.Info("user created", slog.Int64("user_id", u.ID), slog.String("role", string(u.Role)))
	}
	return u, created, nil
}

// IsAdmin сообщает, входит ли идентификатор в список администраторов.
func (g *Gate) IsAdmin(externalID int64) bool {
	_, ok := g.admins[externalID]
	return ok
}

func (g *Gate) allowed(req Request) bool {
	if req.Kind == KindPayment {
		return true
	}
	_, ok := g.allowlist[req.Tag]
	return ok
}

func (g *Gate) verdict(d Decision, reason string, u *models.User) Verdict {
	if g.recorder != nil {
		g.recorder.GateDecision(string(d))
	}
	return Verdict{Decision: d, Reason: reason, User: u}
}
