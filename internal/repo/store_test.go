package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"epay-reconciler/internal/database"
	"epay-reconciler/internal/repo"
	"epay-reconciler/internal/repo/repotest"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("epay"),
		postgres.WithUsername("epay"),
		postgres.WithPassword("epay"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	db, err := database.NewPostgres(database.Config{
		Host:     host,
		Port:     port.Port(),
		Database: "epay",
		Username: "epay",
		Password: "epay",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, database.Migrate(migrateCtx, db))

	repotest.Run(t, func(t *testing.T) repo.Store {
		_, err := db.ExecContext(ctx, `TRUNCATE outbox_events, gateway_errors, payments, orders, invoices`)
		require.NoError(t, err)
		return repo.NewStore(db)
	})
}
