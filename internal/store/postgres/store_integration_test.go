//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/coursepulse/internal/models"
	"github.com/wolfeidau/coursepulse/internal/store"
	"github.com/wolfeidau/coursepulse/internal/store/storetest"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) *pgxpool.Pool {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := NewPool(ctx, &PoolConfig{
		ConnString: fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxConns:   10,
		MinConns:   1,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	return pool
}

func TestPostgresStoreConformance(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgresContainer(t, ctx)

	profiles := 0
	storetest.Run(t, func(t *testing.T) (store.SharedSessionStore, store.SharedSessionStore) {
		profiles++
		cfg := &StoreConfig{Profile: fmt.Sprintf("profile-%d", profiles)}

		a, err := NewStore(ctx, pool, cfg)
		require.NoError(t, err)
		b, err := NewStore(ctx, pool, cfg)
		require.NoError(t, err)

		t.Cleanup(func() {
			_ = a.Close()
			_ = b.Close()
		})
		return a, b
	})
}

func TestPostgresStoreProfilesAreIsolated(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgresContainer(t, ctx)

	a, err := NewStore(ctx, pool, &StoreConfig{Profile: "alpha"})
	require.NoError(t, err)
	defer a.Close()

	b, err := NewStore(ctx, pool, &StoreConfig{Profile: "beta"})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Write(ctx, storetest.SampleRecord(models.RoleAdmin)))

	_, err = b.Read(ctx)
	require.ErrorIs(t, err, store.ErrSessionAbsent)
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgresContainer(t, ctx)

	require.NoError(t, RunMigrations(ctx, pool))
}

type changeLog struct {
	mu      sync.Mutex
	changes []store.Change
}

func (c *changeLog) record(change store.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, change)
}

func (c *changeLog) sawSession(present bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, change := range c.changes {
		if change.Key == store.KeySession && change.Present == present {
			return true
		}
	}
	return false
}

func TestPostgresStoreListenerReconnects(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgresContainer(t, ctx)

	fast := func() backoff.BackOff { return backoff.NewConstantBackOff(50 * time.Millisecond) }

	a, err := NewStore(ctx, pool, &StoreConfig{Profile: "reconnect"})
	require.NoError(t, err)
	defer a.Close()

	b, err := NewStore(ctx, pool, &StoreConfig{Profile: "reconnect", newBackOff: fast})
	require.NoError(t, err)
	defer b.Close()

	changes := &changeLog{}
	unsubscribe := b.OnChange(store.KeySession, changes.record)
	defer unsubscribe()

	pid := b.listenConn.Conn().PgConn().PID()

	// the write lands while b has no listener, so b only hears of it on replay
	_, err = pool.Exec(ctx, `SELECT pg_terminate_backend($1)`, pid)
	require.NoError(t, err)
	require.NoError(t, a.Write(ctx, storetest.SampleRecord(models.RoleStudent)))

	require.Eventually(t, func() bool {
		return changes.sawSession(true)
	}, 10*time.Second, 50*time.Millisecond)

	// and the restored listener keeps delivering
	require.NoError(t, a.Clear(ctx))
	require.Eventually(t, func() bool {
		return changes.sawSession(false)
	}, 10*time.Second, 50*time.Millisecond)
}
