package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type payload struct {
	Coin   string  `json:"coin"`
	Volume float64 `json:"volume"`
}

// exerciseCache runs the shared contract against any implementation.
func exerciseCache(t *testing.T, c Cache) {
	ctx := context.Background()

	var got payload
	hit, err := c.Get(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Set(ctx, "whale_analysis:pepe:24h", payload{Coin: "pepe", Volume: 125_000}, time.Minute))
	hit, err = c.Get(ctx, "whale_analysis:pepe:24h", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, payload{Coin: "pepe", Volume: 125_000}, got)

	require.NoError(t, c.Set(ctx, "a", 1, 0))
	require.NoError(t, c.Set(ctx, "b", 2, 0))
	require.NoError(t, c.Delete(ctx, "a", "b", "never-set"))

	var n int
	hit, err = c.Get(ctx, "a", &n)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Delete(ctx))
}

func TestMemory_Contract(t *testing.T) {
	exerciseCache(t, NewMemory())
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory()
	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", "x", 10*time.Second))
	require.NoError(t, m.Set(ctx, "long", "y", time.Hour))
	require.NoError(t, m.Set(ctx, "forever", "z", 0))

	var s string
	hit, _ := m.Get(ctx, "short", &s)
	assert.True(t, hit)

	current = current.Add(10 * time.Second)
	hit, _ = m.Get(ctx, "short", &s)
	assert.False(t, hit, "Entries expire at exactly their TTL")
	assert.Equal(t, 2, m.Len(), "Expired entries are dropped on read")

	current = current.Add(2 * time.Hour)
	assert.Equal(t, 1, m.Sweep())

	hit, _ = m.Get(ctx, "forever", &s)
	assert.True(t, hit)
	assert.Equal(t, "z", s)
}

func TestMemory_DecodeError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", "text", 0))

	var n int
	_, err := m.Get(ctx, "k", &n)
	assert.Error(t, err)
}

func TestRedis_Contract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	r, err := NewRedis(ctx, RedisOptions{Addr: fmt.Sprintf("%s:%s", host, port.Port()), Prefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Health(ctx))
	exerciseCache(t, r)
}
