package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"ConsolLedger/internal/guard"
	"ConsolLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *Client {
	t.Helper()
	testutil.RequireIntegration(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockManager_AcquireRelease(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()
	a := NewLockManager(c, "consol:")
	b := NewLockManager(c, "consol:")

	unlock, err := a.Acquire(ctx, "batch:stable", time.Minute)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, "batch:stable", time.Minute)
	assert.ErrorIs(t, err, guard.ErrLockHeld)

	held, err := b.Held(ctx, "batch:stable")
	require.NoError(t, err)
	assert.True(t, held)

	unlock()
	unlock()
	held, err = b.Held(ctx, "batch:stable")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestLockManager_ExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()
	lm := NewLockManager(c, "consol:")

	stale, err := lm.Acquire(ctx, "batch:conv-BTC", 100*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)

	fresh, err := lm.Acquire(ctx, "batch:conv-BTC", time.Minute)
	require.NoError(t, err)
	stale()

	held, err := lm.Held(ctx, "batch:conv-BTC")
	require.NoError(t, err)
	assert.True(t, held)
	fresh()
}

func TestGuardOverRedis_RejectsSecondReplica(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()
	replicaA := guard.New(NewLockManager(c, "consol:"))
	replicaB := guard.New(NewLockManager(c, "consol:"))

	var inner error
	q := guard.Func{Queue: "stable", Fn: func(ctx context.Context, n int, d uuid.UUID) error {
		inner = replicaB.Process(ctx, guard.Func{Queue: "stable", Fn: func(context.Context, int, uuid.UUID) error {
			return nil
		}}, n, d)
		return nil
	}}
	require.NoError(t, replicaA.Process(ctx, q, 1, uuid.New()))
	assert.ErrorIs(t, inner, guard.ErrBatchInFlight)
}
