// Package inmemory реализует хранилище состояния доступа в памяти процесса.
// Единица работы оптимистичная: записи копятся в транзакции и применяются
// при фиксации, если версии прочитанных строк не изменились.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/storage"
)

type txnRow struct {
	t   models.Transaction
	rev int64
}

type activity struct {
	count int64
	last  *time.Time
}

// Store хранилище в памяти. Безопасно для конкурентного использования.
type Store struct {
	mu           sync.Mutex
	users        map[int64]*models.User
	byExternal   map[int64]int64
	activity     map[int64]activity
	transactions map[string]*txnRow
	keysByID     map[int64]string
	logs         []models.AdminLogEntry
	nextUserID   int64
	nextTxnID    int64
	nextLogID    int64
	injected     map[string][]error

	// Now источник времени для служебных отметок.
	Now func() time.Time
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		users:        make(map[int64]*models.User),
		byExternal:   make(map[int64]int64),
		activity:     make(map[int64]activity),
		transactions: make(map[string]*txnRow),
		keysByID:     make(map[int64]string),
		injected:     make(map[string][]error),
		Now:          time.Now,
	}
}

// InjectError заставляет следующий вызов операции op вернуть err.
// Повторные вызовы ставят ошибки в очередь.
func (s *Store) InjectError(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected[op] = append(s.injected[op], err)
}

func (s *Store) popInjected(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.injected[op]
	if len(q) == 0 {
		return nil
	}
	s.injected[op] = q[1:]
	return q[0]
}

// PutUser сохраняет пользователя как есть, минуя единицу работы.
// Нулевой ID заменяется следующим свободным.
func (s *Store) PutUser(u models.User) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		s.nextUserID++
		u.ID = s.nextUserID
	} else if u.ID > s.nextUserID {
		s.nextUserID = u.ID
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	if u.Entitlement.Status == "" {
		u.Entitlement.Status = models.StatusNone
	}
	if u.RegisteredAt.IsZero() {
		u.RegisteredAt = s.Now()
	}
	s.users[u.ID] = cloneUser(&u)
	s.byExternal[u.ExternalID] = u.ID
	return s.userLocked(u.ID)
}

// UserByID возвращает зафиксированное состояние пользователя.
func (s *Store) UserByID(_ context.Context, id int64) (*models.User, error) {
	const op = "inmemory.UserByID"
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userLocked(id)
	if u == nil {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return u, nil
}

// UserByExternalID возвращает пользователя по идентификатору в Telegram.
func (s *Store) UserByExternalID(_ context.Context, externalID int64) (*models.User, error) {
	const op = "inmemory.UserByExternalID"
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return s.userLocked(id), nil
}

// TransactionByKey возвращает зафиксированную транзакцию.
func (s *Store) TransactionByKey(_ context.Context, key string) (*models.Transaction, error) {
	const op = "inmemory.TransactionByKey"
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.transactions[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTransactionNotFound)
	}
	t := row.t
	return &t, nil
}

// TrialEndingCandidates находит пользователей, чей пробный период заканчивается в [from, to).
func (s *Store) TrialEndingCandidates(_ context.Context, from, to time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, u := range s.users {
		e := u.Entitlement
		if e.Status != models.StatusTrial || e.TrialEndingNotificationSent || u.IsBlocked || e.TrialEndsAt == nil {
			continue
		}
		if !e.TrialEndsAt.Before(from) && e.TrialEndsAt.Before(to) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// AdminLogs возвращает записи журнала от новых к старым.
func (s *Store) AdminLogs(_ context.Context, targetUserID *int64, limit int) ([]models.AdminLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.AdminLogEntry
	for i := len(s.logs) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		e := s.logs[i]
		if targetUserID != nil && (e.TargetUserID == nil || *e.TargetUserID != *targetUserID) {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// InTx выполняет fn в единице работы.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	t := newTx(s)
	if err := fn(ctx, t); err != nil {
		return err
	}
	return t.commit()
}

// InEntitlementTx выполняет fn в единице работы с правом записи состояния доступа.
func (s *Store) InEntitlementTx(ctx context.Context, fn func(ctx context.Context, tx storage.EntitlementTx) error) error {
	t := newTx(s)
	if err := fn(ctx, t); err != nil {
		return err
	}
	return t.commit()
}

func (s *Store) userLocked(id int64) *models.User {
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	c := cloneUser(u)
	a := s.activity[id]
	c.RequestCount = a.count
	c.LastActiveAt = clonePtr(a.last)
	return c
}

func cloneUser(u *models.User) *models.User {
	c := *u
	c.LastActiveAt = clonePtr(u.LastActiveAt)
	c.Entitlement.TrialStartedAt = clonePtr(u.Entitlement.TrialStartedAt)
	c.Entitlement.TrialEndsAt = clonePtr(u.Entitlement.TrialEndsAt)
	c.Entitlement.SubscriptionExpiresAt = clonePtr(u.Entitlement.SubscriptionExpiresAt)
	c.Entitlement.CurrentPlanName = clonePtr(u.Entitlement.CurrentPlanName)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// EntitlementStats считает сводку по зафиксированному состоянию.
func (s *Store) EntitlementStats(_ context.Context) (models.EntitlementStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st models.EntitlementStats
	for id, u := range s.users {
		e := u.Entitlement
		st.TotalUsers++
		switch e.Status {
		case models.StatusTrial:
			st.TrialUsers++
		case models.StatusActive:
			st.ActiveUsers++
		case models.StatusExpired:
			st.ExpiredUsers++
		}
		if u.IsBlocked {
			st.BlockedUsers++
		}
		if e.TrialEndsAt != nil || e.Status == models.StatusActive {
			st.TrialOrPaidUsers++
		}
		if e.ConvertedFromTrial {
			st.ConvertedFromTrial++
		}
		st.TotalRequests += s.activity[id].count
	}
	return st, nil
}
