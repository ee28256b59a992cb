package inmemory

import (
	"context"
	"fmt"
	"time"

	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/storage"
)

// tx копит чтения и записи одной единицы работы.
type tx struct {
	s *Store

	users        map[int64]*models.User
	newUsers     map[int64]bool
	casBase      map[int64]int64
	blockedDirty map[int64]bool
	roleDirty    map[int64]bool
	touches      map[int64]time.Time
	touchCount   map[int64]int64

	txns     map[string]*models.Transaction
	txnRevs  map[string]int64
	newTxns  []string
	txnDirty map[string]bool
	logs     []models.AdminLogEntry
}

func newTx(s *Store) *tx {
	return &tx{
		s:            s,
		users:        make(map[int64]*models.User),
		newUsers:     make(map[int64]bool),
		casBase:      make(map[int64]int64),
		blockedDirty: make(map[int64]bool),
		roleDirty:    make(map[int64]bool),
		touches:      make(map[int64]time.Time),
		touchCount:   make(map[int64]int64),
		txns:         make(map[string]*models.Transaction),
		txnRevs:      make(map[string]int64),
		txnDirty:     make(map[string]bool),
	}
}

func (t *tx) user(id int64) *models.User {
	if u, ok := t.users[id]; ok {
		return u
	}
	t.s.mu.Lock()
	u := t.s.userLocked(id)
	t.s.mu.Unlock()
	if u != nil {
		t.users[id] = u
	}
	return u
}

func (t *tx) UserByID(_ context.Context, id int64) (*models.User, error) {
	const op = "inmemory.UserByID"
	u := t.user(id)
	if u == nil {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return cloneUser(u), nil
}

func (t *tx) UserByExternalID(ctx context.Context, externalID int64) (*models.User, error) {
	const op = "inmemory.UserByExternalID"
	for _, u := range t.users {
		if u.ExternalID == externalID {
			return cloneUser(u), nil
		}
	}
	t.s.mu.Lock()
	id, ok := t.s.byExternal[externalID]
	t.s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return t.UserByID(ctx, id)
}

func (t *tx) CreateUser(_ context.Context, user models.User) (*models.User, error) {
	const op = "inmemory.CreateUser"
	for _, u := range t.users {
		if u.ExternalID == user.ExternalID {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
	}
	t.s.mu.Lock()
	if _, ok := t.s.byExternal[user.ExternalID]; ok {
		t.s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
	}
	t.s.nextUserID++
	id := t.s.nextUserID
	t.s.mu.Unlock()

	u := models.User{
		ID:           id,
		ExternalID:   user.ExternalID,
		Username:     user.Username,
		Role:         user.Role,
		Entitlement:  models.Entitlement{Status: models.StatusNone},
		RegisteredAt: t.s.Now(),
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	t.users[id] = &u
	t.newUsers[id] = true
	return cloneUser(&u), nil
}

func (t *tx) TouchActivity(_ context.Context, userID int64, at time.Time) error {
	const op = "inmemory.TouchActivity"
	if err := t.s.popInjected("TouchActivity"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if t.user(userID) == nil {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	t.touchCount[userID]++
	t.touches[userID] = at
	return nil
}

func (t *tx) CompareAndSwapEntitlement(_ context.Context, userID, expectedVersion int64, e models.Entitlement) error {
	const op = "inmemory.CompareAndSwapEntitlement"
	if err := t.s.popInjected("CompareAndSwapEntitlement"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	u := t.user(userID)
	if u == nil {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	if u.Entitlement.Version != expectedVersion {
		return fmt.Errorf("%s: %w", op, storage.ErrVersionConflict)
	}
	if _, ok := t.casBase[userID]; !ok {
		t.casBase[userID] = expectedVersion
	}
	e.Version = expectedVersion + 1
	u.Entitlement = e
	return nil
}

func (t *tx) SetBlocked(_ context.Context, userID int64, blocked bool) error {
	const op = "inmemory.SetBlocked"
	u := t.user(userID)
	if u == nil {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	u.IsBlocked = blocked
	t.blockedDirty[userID] = true
	return nil
}

func (t *tx) SetRole(_ context.Context, userID int64, role models.Role) error {
	const op = "inmemory.SetRole"
	u := t.user(userID)
	if u == nil {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	u.Role = role
	t.roleDirty[userID] = true
	return nil
}

func (t *tx) AddAdminLog(_ context.Context, entry models.AdminLogEntry) error {
	const op = "inmemory.AddAdminLog"
	if err := t.s.popInjected("AddAdminLog"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	t.logs = append(t.logs, entry)
	return nil
}

func (t *tx) CreateTransaction(_ context.Context, tr models.Transaction) (*models.Transaction, error) {
	const op = "inmemory.CreateTransaction"
	if _, ok := t.txns[tr.IdempotencyKey]; ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTransactionExists)
	}
	t.s.mu.Lock()
	if _, ok := t.s.transactions[tr.IdempotencyKey]; ok {
		t.s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTransactionExists)
	}
	t.s.nextTxnID++
	tr.ID = t.s.nextTxnID
	t.s.mu.Unlock()

	now := t.s.Now()
	tr.Status = models.TransactionPending
	tr.ProviderRef = nil
	tr.CreatedAt = now
	tr.UpdatedAt = now
	t.txns[tr.IdempotencyKey] = &tr
	t.newTxns = append(t.newTxns, tr.IdempotencyKey)
	c := tr
	return &c, nil
}

func (t *tx) TransactionByKey(_ context.Context, key string) (*models.Transaction, error) {
	const op = "inmemory.TransactionByKey"
	tr, err := t.loadTxn(key, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c := *tr
	return &c, nil
}

func (t *tx) LockTransactionByKey(_ context.Context, key string) (*models.Transaction, error) {
	const op = "inmemory.LockTransactionByKey"
	tr, err := t.loadTxn(key, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c := *tr
	return &c, nil
}

func (t *tx) loadTxn(key string, lock bool) (*models.Transaction, error) {
	if tr, ok := t.txns[key]; ok {
		return tr, nil
	}
	t.s.mu.Lock()
	row, ok := t.s.transactions[key]
	var (
		tr  models.Transaction
		rev int64
	)
	if ok {
		tr, rev = row.t, row.rev
	}
	t.s.mu.Unlock()
	if !ok {
		return nil, storage.ErrTransactionNotFound
	}
	t.txns[key] = &tr
	if lock {
		t.txnRevs[key] = rev
	}
	return &tr, nil
}

func (t *tx) FinalizeTransaction(_ context.Context, id int64, status models.TransactionStatus, providerRef *string) error {
	const op = "inmemory.FinalizeTransaction"
	if err := t.s.popInjected("FinalizeTransaction"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	t.s.mu.Lock()
	key, ok := t.s.keysByID[id]
	t.s.mu.Unlock()
	if !ok {
		for k, tr := range t.txns {
			if tr.ID == id {
				key, ok = k, true
			}
		}
	}
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrTransactionNotFound)
	}
	tr, err := t.loadTxn(key, true)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tr.Status != models.TransactionPending {
		return fmt.Errorf("%s: pending transaction %d: %w", op, id, storage.ErrTransactionNotFound)
	}
	tr.Status = status
	if providerRef != nil {
		tr.ProviderRef = clonePtr(providerRef)
	}
	tr.UpdatedAt = t.s.Now()
	t.txnDirty[key] = true
	return nil
}

// commit проверяет версии прочитанных с блокировкой строк и применяет записи.
func (t *tx) commit() error {
	const op = "inmemory.Commit"
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, base := range t.casBase {
		if t.newUsers[id] {
			continue
		}
		cur, ok := s.users[id]
		if !ok {
			return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		if cur.Entitlement.Version != base {
			return fmt.Errorf("%s: %w", op, storage.ErrVersionConflict)
		}
	}
	for key, rev := range t.txnRevs {
		if row, ok := s.transactions[key]; ok && row.rev != rev {
			return fmt.Errorf("%s: %w", op, storage.ErrVersionConflict)
		}
	}
	for id := range t.newUsers {
		if _, ok := s.byExternal[t.users[id].ExternalID]; ok {
			return fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
	}
	for _, key := range t.newTxns {
		if _, ok := s.transactions[key]; ok {
			return fmt.Errorf("%s: %w", op, storage.ErrTransactionExists)
		}
	}

	for id := range t.newUsers {
		u := t.users[id]
		s.users[id] = cloneUser(u)
		s.byExternal[u.ExternalID] = id
	}
	for id := range t.casBase {
		s.users[id].Entitlement = cloneUser(t.users[id]).Entitlement
	}
	for id := range t.blockedDirty {
		s.users[id].IsBlocked = t.users[id].IsBlocked
	}
	for id := range t.roleDirty {
		s.users[id].Role = t.users[id].Role
	}
	for id, n := range t.touchCount {
		a := s.activity[id]
		a.count += n
		at := t.touches[id]
		a.last = &at
		s.activity[id] = a
	}
	for _, key := range t.newTxns {
		s.transactions[key] = &txnRow{t: *t.txns[key]}
		s.keysByID[t.txns[key].ID] = key
	}
	for key := range t.txnDirty {
		row, ok := s.transactions[key]
		if !ok {
			continue
		}
		row.t = *t.txns[key]
		row.rev++
	}
	for _, e := range t.logs {
		s.nextLogID++
		e.ID = s.nextLogID
		e.CreatedAt = s.Now()
		s.logs = append(s.logs, e)
	}
	return nil
}
