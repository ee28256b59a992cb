package notification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Fllarpell/btrainer/internal/entitlement"
	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/rabbitmq"
	"github.com/Fllarpell/btrainer/internal/storage/inmemory"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) Publish(ctx context.Context, routingKey string, message any) error {
	args := m.Called(ctx, routingKey, message)
	return args.Error(0)
}

type fixedCandidates []int64

func (f fixedCandidates) TrialEndingCandidates(context.Context, time.Time, time.Time) ([]int64, error) {
	return f, nil
}

func trialEndingIn(d time.Duration) models.Entitlement {
	started := testNow.Add(-7 * 24 * time.Hour)
	ends := testNow.Add(d)
	return models.Entitlement{Status: models.StatusTrial, TrialStartedAt: &started, TrialEndsAt: &ends}
}

func setup(t *testing.T) (*inmemory.Store, *entitlement.Engine, *NotifierMock) {
	t.Helper()
	store := inmemory.New()
	store.Now = func() time.Time { return testNow }
	engine := entitlement.New(store, newNoopLogger(), entitlement.WithClock(func() time.Time { return testNow }))
	return store, engine, new(NotifierMock)
}

func TestService_NotifyTrialEndingSoon(t *testing.T) {
	store, engine, notifier := setup(t)
	ctx := context.Background()

	due := store.PutUser(models.User{ExternalID: 1, Username: "due", Entitlement: trialEndingIn(5*time.Hour + 30*time.Minute)})
	store.PutUser(models.User{ExternalID: 2, Entitlement: trialEndingIn(2 * time.Hour)})
	notified := trialEndingIn(5*time.Hour + 10*time.Minute)
	notified.TrialEndingNotificationSent = true
	store.PutUser(models.User{ExternalID: 3, Entitlement: notified})
	store.PutUser(models.User{ExternalID: 4, IsBlocked: true, Entitlement: trialEndingIn(5*time.Hour + 20*time.Minute)})

	notifier.On("Publish", mock.Anything, rabbitmq.RoutingKeyTrialEnding, models.TrialEndingNotice{
		UserID:      due.ID,
		ExternalID:  1,
		Username:    "due",
		TrialEndsAt: testNow.Add(5*time.Hour + 30*time.Minute),
	}).Return(nil).Once()

	s := New(store, engine, notifier, nil, newNoopLogger())

	report, err := s.NotifyTrialEndingSoon(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Found: 1, Notified: 1}, report)

	u, err := store.UserByID(ctx, due.ID)
	require.NoError(t, err)
	assert.True(t, u.Entitlement.TrialEndingNotificationSent)

	report, err = s.NotifyTrialEndingSoon(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)

	notifier.AssertExpectations(t)
}

func TestService_NotifyTrialEndingSoon_DeliveryFailure(t *testing.T) {
	store, engine, notifier := setup(t)
	ctx := context.Background()

	first := store.PutUser(models.User{ExternalID: 1, Entitlement: trialEndingIn(5*time.Hour + 15*time.Minute)})
	second := store.PutUser(models.User{ExternalID: 2, Entitlement: trialEndingIn(5*time.Hour + 45*time.Minute)})

	isUser := func(id int64) any {
		return mock.MatchedBy(func(n models.TrialEndingNotice) bool { return n.UserID == id })
	}
	notifier.On("Publish", mock.Anything, rabbitmq.RoutingKeyTrialEnding, isUser(first.ID)).
		Return(errors.New("broker down")).Once()
	notifier.On("Publish", mock.Anything, rabbitmq.RoutingKeyTrialEnding, isUser(second.ID)).
		Return(nil).Once()

	s := New(store, engine, notifier, nil, newNoopLogger())
	report, err := s.NotifyTrialEndingSoon(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Found)
	assert.Equal(t, 1, report.Notified)
	assert.Equal(t, 1, report.Failed)

	u, err := store.UserByID(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, u.Entitlement.TrialEndingNotificationSent, "failed delivery must not mark the user")

	notifier.On("Publish", mock.Anything, rabbitmq.RoutingKeyTrialEnding, isUser(first.ID)).
		Return(nil).Once()
	report, err = s.NotifyTrialEndingSoon(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Found: 1, Notified: 1}, report)

	notifier.AssertExpectations(t)
}

func TestService_NotifyTrialEndingSoon_StaleCandidate(t *testing.T) {
	store, engine, notifier := setup(t)
	ctx := context.Background()

	converted := store.PutUser(models.User{ExternalID: 1, Entitlement: models.Entitlement{Status: models.StatusActive}})

	s := New(fixedCandidates{converted.ID}, engine, notifier, nil, newNoopLogger())
	report, err := s.NotifyTrialEndingSoon(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Found: 1, Skipped: 1}, report)

	notifier.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_NotifyTrialEndingSoon_InvalidWindow(t *testing.T) {
	store, engine, notifier := setup(t)
	s := New(store, engine, notifier, nil, newNoopLogger())

	_, err := s.NotifyTrialEndingSoon(context.Background(), 0)
	require.Error(t, err)
}
