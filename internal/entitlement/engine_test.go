package entitlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/storage"
	"github.com/Fllarpell/btrainer/internal/storage/inmemory"
)

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// clock управляемое время для тестов.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type CacheMock struct {
	mock.Mock
}

func (m *CacheMock) Invalidate(ctx context.Context, keys ...string) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

var admin = Actor{UserID: 1, Admin: true}

func setupEngine(t *testing.T, opts ...Option) (*Engine, *inmemory.Store, *clock) {
	t.Helper()
	store := inmemory.New()
	clk := &clock{now: testNow}
	store.Now = clk.Now
	store.PutUser(models.User{ID: 1, ExternalID: 100, Role: models.RoleAdmin})
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return New(store, newNoopLogger(), opts...), store, clk
}

func TestEngine_FreshUserScenario(t *testing.T) {
	engine, store, clk := setupEngine(t)
	ctx := context.Background()
	u := store.PutUser(models.User{ExternalID: 200})

	assert.False(t, HasAccess(u, clk.Now()))

	res, err := engine.GrantTrial(ctx, admin, u.ID, 7)
	require.NoError(t, err)
	require.True(t, res.Changed)
	assert.True(t, HasAccess(res.User, clk.Now()))
	assert.Equal(t, clk.Now().Add(7*24*time.Hour), *res.User.Entitlement.TrialEndsAt)

	clk.Advance(7*24*time.Hour + time.Second)
	stored, err := store.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, HasAccess(stored, clk.Now()), "access is computed from timestamps before reconcile")

	res, err = engine.ReconcileExpiry(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, models.StatusExpired, res.User.Entitlement.Status)
	assert.False(t, HasAccess(res.User, clk.Now()))

	stored, err = store.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, stored.Entitlement.Status)
}

func TestEngine_ReconcileIdempotent(t *testing.T) {
	engine, store, _ := setupEngine(t)
	ctx := context.Background()
	u := store.PutUser(models.User{ExternalID: 201, Entitlement: models.Entitlement{
		Status: models.StatusActive, SubscriptionExpiresAt: at(-time.Hour),
	}})

	first, err := engine.ReconcileExpiry(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, first.Changed)

	second, err := engine.ReconcileExpiry(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.True(t, Equal(first.User.Entitlement, second.User.Entitlement))

	logs, err := store.AdminLogs(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, logs, "system reconcile is not audited")
}

func TestEngine_AdditiveRenewal(t *testing.T) {
	engine, store, clk := setupEngine(t)
	ctx := context.Background()
	expiry := testNow.Add(10 * 24 * time.Hour)
	u := store.PutUser(models.User{ExternalID: 202, Entitlement: models.Entitlement{
		Status: models.StatusActive, SubscriptionExpiresAt: &expiry, CurrentPlanName: ptr("base_1m"),
	}})

	clk.Advance(24 * time.Hour)
	res, err := engine.ActivateSubscription(ctx, admin, u.ID, "pro_1m", 30)
	require.NoError(t, err)
	assert.Equal(t, expiry.AddDate(0, 0, 30), *res.User.Entitlement.SubscriptionExpiresAt)
	assert.Equal(t, "pro_1m", *res.User.Entitlement.CurrentPlanName)
}

func TestEngine_ConversionFlagIsSticky(t *testing.T) {
	engine, store, clk := setupEngine(t)
	ctx := context.Background()
	u := store.PutUser(models.User{ExternalID: 203})

	_, err := engine.GrantTrial(ctx, admin, u.ID, 7)
	require.NoError(t, err)

	res, err := engine.ActivateSubscription(ctx, admin, u.ID, "pro_1m", 30)
	require.NoError(t, err)
	assert.True(t, res.User.Entitlement.ConvertedFromTrial)

	clk.Advance(time.Hour)
	res, err = engine.DeactivateSubscription(ctx, admin, u.ID)
	require.NoError(t, err)
	assert.True(t, res.User.Entitlement.ConvertedFromTrial)

	res, err = engine.ActivateSubscription(ctx, admin, u.ID, "pro_3m", 90)
	require.NoError(t, err)
	assert.True(t, res.User.Entitlement.ConvertedFromTrial)
	assert.Equal(t, clk.Now().AddDate(0, 0, 90), *res.User.Entitlement.SubscriptionExpiresAt)
}

func TestEngine_NoOpWithWarning(t *testing.T) {
	engine, store, _ := setupEngine(t)
	ctx := context.Background()
	u := store.PutUser(models.User{ExternalID: 204})

	res, err := engine.CancelTrial(ctx, admin, u.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.NotEmpty(t, res.Warning)
	require.NotNil(t, res.User)
	assert.Equal(t, models.StatusNone, res.User.Entitlement.Status)

	res, err = engine.DeactivateSubscription(ctx, admin, u.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warning)

	stored, err := store.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Entitlement.Version)
	logs, err := store.AdminLogs(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestEngine_Errors(t *testing.T) {
	engine, store, _ := setupEngine(t)
	ctx := context.Background()
	u := store.PutUser(models.User{ExternalID: 205})

	_, err := engine.GrantTrial(ctx, admin, 9999, 7)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = engine.GrantTrial(ctx, admin, u.ID, 0)
	require.ErrorIs(t, err, ErrInvalidCommand)

	_, err = engine.SetRole(ctx, admin, u.ID, models.Role("owner"))
	require.ErrorIs(t, err, ErrInvalidCommand)
}

func TestEngine_AuditLog(t *testing.T) {
	engine, store, _ := setupEngine(t)
	ctx := context.Background()
	u := store.PutUser(models.User{ExternalID: 206})

	_, err := engine.GrantTrial(ctx, admin, u.ID, 7)
	require.NoError(t, err)
	_, err = engine.CancelTrial(ctx, admin, u.ID)
	require.NoError(t, err)
	_, err = engine.ActivateSubscription(ctx, System, u.ID, "pro_1m", 30)
	require.NoError(t, err)
	_, err = engine.SetBlocked(ctx, admin, u.ID, true)
	require.NoError(t, err)

	logs, err := store.AdminLogs(ctx, &u.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, models.ActionUserBlock, logs[0].Action)
	assert.Equal(t, models.ActionTrialCancelled, logs[1].Action)
	assert.Equal(t, models.ActionTrialGranted, logs[2].Action)
	for _, l := range logs {
		assert.Equal(t, admin.UserID, l.AdminUserID)
	}
}

func TestEngine_AuditFailureRollsBackState(t *testing.T) {
	engine, store, _ := setupEngine(t)
	ctx := context.Background()
	u := store.PutUser(models.User{ExternalID: 207})

	store.InjectError("AddAdminLog", errors.New("disk full"))
	_, err := engine.GrantTrial(ctx, admin, u.ID, 7)
	require.Error(t, err)

	stored, err := store.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNone, stored.Entitlement.Status)
	assert.Equal(t, int64(0), stored.Entitlement.Version)
}

func TestEngine_RetriesOnConflict(t *testing.T) {
	engine, store, _ := setupEngine(t, WithMaxRetries(3))
	ctx := context.Background()
	u := store.PutUser(models.User{ExternalID: 208})

	store.InjectError("CompareAndSwapEntitlement", storage.ErrVersionConflict)
	store.InjectError("CompareAndSwapEntitlement", storage.ErrVersionConflict)
	res, err := engine.GrantTrial(ctx, admin, u.ID, 7)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	for range 3 {
		store.InjectError("CompareAndSwapEntitlement", storage.ErrVersionConflict)
	}
	_, err = engine.CancelTrial(ctx, admin, u.ID)
	require.ErrorIs(t, err, ErrConcurrentModification)

	stored, err := store.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTrial, stored.Entitlement.Status)
	logs, err := store.AdminLogs(ctx, &u.ID, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1, "failed attempts leave no audit entries")
}

func TestEngine_ConcurrentRenewalsCompose(t *testing.T) {
	engine, store, clk := setupEngine(t, WithMaxRetries(10))
	ctx := context.Background()
	u := store.PutUser(models.User{ExternalID: 209, Entitlement: models.Entitlement{Status: models.StatusExpired}})

	const workers = 2
	results := make([]Result, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = engine.ActivateSubscription(ctx, System, u.ID, "plan", 30)
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	now := clk.Now()
	expiries := []time.Time{
		*results[0].User.Entitlement.SubscriptionExpiresAt,
		*results[1].User.Entitlement.SubscriptionExpiresAt,
	}
	assert.ElementsMatch(t, []time.Time{now.AddDate(0, 0, 30), now.AddDate(0, 0, 60)}, expiries,
		"exactly one activation computes base=now, the other extends it")

	stored, err := store.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, 60), *stored.Entitlement.SubscriptionExpiresAt)
	assert.Equal(t, int64(2), stored.Entitlement.Version)
}

func TestEngine_InvalidatesCache(t *testing.T) {
	cacheMock := new(CacheMock)
	engine, store, _ := setupEngine(t, WithCache(cacheMock))
	ctx := context.Background()
	u := store.PutUser(models.User{ID: 50, ExternalID: 5000})

	cacheMock.On("Invalidate", mock.Anything, []string{"user:50", "user:ext:5000"}).Return(nil).Once()

	_, err := engine.GrantTrial(ctx, admin, u.ID, 7)
	require.NoError(t, err)

	_, err = engine.ReconcileExpiry(ctx, u.ID)
	require.NoError(t, err)

	cacheMock.AssertExpectations(t)
	cacheMock.AssertNumberOfCalls(t, "Invalidate", 1)
}

func TestEngine_CacheFailureDoesNotFailCommand(t *testing.T) {
	cacheMock := new(CacheMock)
	engine, store, _ := setupEngine(t, WithCache(cacheMock))
	u := store.PutUser(models.User{ExternalID: 5001})

	cacheMock.On("Invalidate", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	res, err := engine.GrantTrial(context.Background(), admin, u.ID, 7)
	require.NoError(t, err)
	assert.True(t, res.Changed)
}

func TestEngine_SetBlocked(t *testing.T) {
	engine, store, clk := setupEngine(t)
	ctx := context.Background()
	u := store.PutUser(models.User{ExternalID: 210, Role: models.RoleAdmin})

	res, err := engine.SetBlocked(ctx, admin, u.ID, true)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, HasAccess(res.User, clk.Now()), "blocked admin is denied")

	res, err = engine.SetBlocked(ctx, admin, u.ID, true)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	res, err = engine.SetBlocked(ctx, admin, u.ID, false)
	require.NoError(t, err)
	assert.True(t, HasAccess(res.User, clk.Now()))
}

func TestEngine_Settle(t *testing.T) {
	engine, store, clk := setupEngine(t)
	ctx := context.Background()
	u := store.PutUser(models.User{ExternalID: 211, Entitlement: models.Entitlement{
		Status: models.StatusTrial, TrialEndsAt: at(time.Hour),
	}})

	res, err := engine.Settle(ctx, func(ctx context.Context, tx storage.Tx) (*Activation, error) {
		return &Activation{UserID: u.ID, PlanName: "pro_1m", Days: 30}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, res.User.Entitlement.Status)
	assert.True(t, res.User.Entitlement.ConvertedFromTrial)
	assert.Equal(t, clk.Now().AddDate(0, 0, 30), *res.User.Entitlement.SubscriptionExpiresAt)

	res, err = engine.Settle(ctx, func(ctx context.Context, tx storage.Tx) (*Activation, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, res.User)

	boom := errors.New("boom")
	_, err = engine.Settle(ctx, func(ctx context.Context, tx storage.Tx) (*Activation, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestEngine_NotifyTrialEnding(t *testing.T) {
	engine, store, _ := setupEngine(t)
	ctx := context.Background()
	from, to := testNow.Add(5*time.Hour), testNow.Add(6*time.Hour)

	due := store.PutUser(models.User{ExternalID: 212, Entitlement: models.Entitlement{
		Status: models.StatusTrial, TrialEndsAt: at(5*time.Hour + 30*time.Minute),
	}})
	blocked := store.PutUser(models.User{ExternalID: 213, IsBlocked: true, Entitlement: models.Entitlement{
		Status: models.StatusTrial, TrialEndsAt: at(5*time.Hour + 30*time.Minute),
	}})

	var delivered []int64
	deliver := func(_ context.Context, u *models.User) error {
		delivered = append(delivered, u.ExternalID)
		return nil
	}

	sent, err := engine.NotifyTrialEnding(ctx, due.ID, from, to, deliver)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = engine.NotifyTrialEnding(ctx, due.ID, from, to, deliver)
	require.NoError(t, err)
	assert.False(t, sent, "second notice is skipped")

	sent, err = engine.NotifyTrialEnding(ctx, blocked.ID, from, to, deliver)
	require.NoError(t, err)
	assert.False(t, sent)

	assert.Equal(t, []int64{212}, delivered)

	t.Run("delivery failure keeps flag unset", func(t *testing.T) {
		u := store.PutUser(models.User{ExternalID: 214, Entitlement: models.Entitlement{
			Status: models.StatusTrial, TrialEndsAt: at(5*time.Hour + 10*time.Minute),
		}})
		boom := errors.New("broker down")
		_, err := engine.NotifyTrialEnding(ctx, u.ID, from, to, func(context.Context, *models.User) error {
			return boom
		})
		require.ErrorIs(t, err, boom)

		stored, err := store.UserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.False(t, stored.Entitlement.TrialEndingNotificationSent)
	})
}

func TestEngine_NotifyTrialEndingDeliversOnceAcrossRetries(t *testing.T) {
	engine, store, _ := setupEngine(t, WithMaxRetries(3))
	ctx := context.Background()
	from, to := testNow.Add(5*time.Hour), testNow.Add(6*time.Hour)

	tests := []struct {
		name       string
		external   int64
		// concurrent запись, которая фиксируется, пока уведомление отправляется.
		concurrent func(u models.User) models.User
		wantSent   bool
		wantFlag   bool
	}{
		{
			name:     "unrelated write bumps version",
			external: 220,
			concurrent: func(u models.User) models.User {
				u.Entitlement.Version++
				return u
			},
			wantSent: true,
			wantFlag: true,
		},
		{
			name:     "other sweep marks the notice",
			external: 221,
			concurrent: func(u models.User) models.User {
				u.Entitlement.Version++
				u.Entitlement.TrialEndingNotificationSent = true
				return u
			},
			wantSent: true,
			wantFlag: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := store.PutUser(models.User{ExternalID: tt.external, Entitlement: models.Entitlement{
				Status: models.StatusTrial, TrialEndsAt: at(5*time.Hour + 30*time.Minute),
			}})

			calls := 0
			sent, err := engine.NotifyTrialEnding(ctx, u.ID, from, to, func(context.Context, *models.User) error {
				calls++
				if calls == 1 {
					current, err := store.UserByID(ctx, u.ID)
					require.NoError(t, err)
					store.PutUser(tt.concurrent(*current))
				}
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantSent, sent)
			assert.Equal(t, 1, calls, "notice is delivered once")

			stored, err := store.UserByID(ctx, u.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFlag, stored.Entitlement.TrialEndingNotificationSent)
		})
	}
}
