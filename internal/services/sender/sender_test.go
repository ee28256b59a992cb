package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Fllarpell/btrainer/internal/models"
)

type MockMessenger struct {
	mock.Mock
}

func (m *MockMessenger) SendMessage(ctx context.Context, chatID int64, text string) error {
	args := m.Called(ctx, chatID, text)
	return args.Error(0)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func noticeBody(t *testing.T, n models.TrialEndingNotice) []byte {
	t.Helper()
	body, err := json.Marshal(n)
	require.NoError(t, err)
	return body
}

var endsAt = time.Date(2025, 3, 10, 18, 30, 0, 0, time.UTC)

func TestSenderService_FormatDate(t *testing.T) {
	s := NewSenderService(nil, nil, newNoopLogger())

	assert.Equal(t, "10.03.2025 21:30", s.FormatDate(endsAt))
	assert.Equal(t, "ближайшее время", s.FormatDate(time.Time{}))
}

func TestSenderService_SendTrialEndingNotice(t *testing.T) {
	notice := models.TrialEndingNotice{UserID: 7, ExternalID: 1001, Username: "alice", TrialEndsAt: endsAt}

	tests := []struct {
		name       string
		body       []byte
		setupMocks func(*MockMessenger)
		wantErr    bool
	}{
		{
			name: "user and admins notified",
			body: noticeBody(t, notice),
			setupMocks: func(m *MockMessenger) {
				m.On("SendMessage", mock.Anything, int64(1001), mock.MatchedBy(func(text string) bool {
					return strings.Contains(text, "скоро завершится (10.03.2025 21:30 МСК)")
				})).Return(nil).Once()
				m.On("SendMessage", mock.Anything, int64(1), mock.MatchedBy(func(text string) bool {
					return strings.Contains(text, "TG ID 1001 (DB ID 7)") && strings.Contains(text, "@alice")
				})).Return(nil).Once()
				m.On("SendMessage", mock.Anything, int64(2), mock.Anything).Return(nil).Once()
			},
		},
		{
			name: "user delivery failure is returned",
			body: noticeBody(t, notice),
			setupMocks: func(m *MockMessenger) {
				m.On("SendMessage", mock.Anything, int64(1001), mock.Anything).Return(errors.New("timeout")).Once()
			},
			wantErr: true,
		},
		{
			name: "admin delivery failure is ignored",
			body: noticeBody(t, notice),
			setupMocks: func(m *MockMessenger) {
				m.On("SendMessage", mock.Anything, int64(1001), mock.Anything).Return(nil).Once()
				m.On("SendMessage", mock.Anything, int64(1), mock.Anything).Return(errors.New("blocked")).Once()
				m.On("SendMessage", mock.Anything, int64(2), mock.Anything).Return(nil).Once()
			},
		},
		{
			name: "missing username",
			body: noticeBody(t, models.TrialEndingNotice{UserID: 8, ExternalID: 1002, TrialEndsAt: endsAt}),
			setupMocks: func(m *MockMessenger) {
				m.On("SendMessage", mock.Anything, int64(1002), mock.Anything).Return(nil).Once()
				m.On("SendMessage", mock.Anything, mock.Anything, mock.MatchedBy(func(text string) bool {
					return strings.Contains(text, "@N/A")
				})).Return(nil).Twice()
			},
		},
		{
			name:       "malformed message is dropped",
			body:       []byte("{not json"),
			setupMocks: func(*MockMessenger) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(MockMessenger)
			tt.setupMocks(m)
			s := NewSenderService(m, []int64{1, 2}, newNoopLogger())

			err := s.SendTrialEndingNotice(context.Background(), tt.body)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			m.AssertExpectations(t)
		})
	}
}
