package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Fllarpell/btrainer/internal/migrations"
	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/storage"
)

// setupTestDatabase поднимает PostgreSQL в контейнере и применяет миграции.
func setupTestDatabase(t *testing.T) *Storage {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err, "failed to start container")
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	migrationsPath, err := filepath.Abs("../../../migrations")
	require.NoError(t, err)
	_, err = migrations.Run(s.DB, migrationsPath)
	require.NoError(t, err)
	require.NoError(t, CheckDatabaseReady(ctx, s))

	return s
}

// testDataFactory создаёт тестовые данные через публичный API хранилища.
type testDataFactory struct {
	storage *Storage
}

func (f *testDataFactory) createUser(t *testing.T, externalID int64, role models.Role) *models.User {
	t.Helper()
	var created *models.User
	err := f.storage.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		created, err = tx.CreateUser(ctx, models.User{ExternalID: externalID, Username: "tester", Role: role})
		return err
	})
	require.NoError(t, err)
	return created
}

func (f *testDataFactory) setEntitlement(t *testing.T, u *models.User, e models.Entitlement) *models.User {
	t.Helper()
	var updated *models.User
	err := f.storage.InEntitlementTx(context.Background(), func(ctx context.Context, tx storage.EntitlementTx) error {
		if err := tx.CompareAndSwapEntitlement(ctx, u.ID, u.Entitlement.Version, e); err != nil {
			return err
		}
		var err error
		updated, err = tx.UserByID(ctx, u.ID)
		return err
	})
	require.NoError(t, err)
	return updated
}
