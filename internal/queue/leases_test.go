package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGroupLeases(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	leases := NewMemoryGroupLeases()
	leases.now = clock.Now

	ok, err := leases.TryAcquire(ctx, "g1", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, leases.Busy("g1"))

	ok, err = leases.TryAcquire(ctx, "g1", "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// re-entrant for the holder
	ok, err = leases.TryAcquire(ctx, "g1", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// a foreign release is ignored
	require.NoError(t, leases.Release(ctx, "g1", "w2"))
	assert.True(t, leases.Busy("g1"))

	require.NoError(t, leases.Release(ctx, "g1", "w1"))
	assert.False(t, leases.Busy("g1"))
}

func TestMemoryGroupLeases_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	leases := NewMemoryGroupLeases()
	leases.now = clock.Now

	ok, err := leases.TryAcquire(ctx, "g1", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(30 * time.Second)
	require.NoError(t, leases.Extend(ctx, "g1", "w1", time.Minute))

	clock.Advance(45 * time.Second)
	ok, err = leases.TryAcquire(ctx, "g1", "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Minute)
	ok, err = leases.TryAcquire(ctx, "g1", "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisGroupLeases(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)
	leases := NewRedisGroupLeases(client, "")

	ok, err := leases.TryAcquire(ctx, "10:0xsource", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("queue:group:10:0xsource"))

	ok, err = leases.TryAcquire(ctx, "10:0xsource", "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = leases.TryAcquire(ctx, "10:0xsource", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, leases.Release(ctx, "10:0xsource", "w2"))
	assert.True(t, mr.Exists("queue:group:10:0xsource"))

	require.NoError(t, leases.Release(ctx, "10:0xsource", "w1"))
	assert.False(t, mr.Exists("queue:group:10:0xsource"))
}

func TestRedisGroupLeases_ExtendAndExpire(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)
	leases := NewRedisGroupLeases(client, "test:")

	ok, err := leases.TryAcquire(ctx, "g", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, leases.Extend(ctx, "g", "w1", 5*time.Minute))
	assert.Equal(t, 5*time.Minute, mr.TTL("test:g"))

	// only the holder can extend
	require.NoError(t, leases.Extend(ctx, "g", "w2", time.Hour))
	assert.Equal(t, 5*time.Minute, mr.TTL("test:g"))

	mr.FastForward(6 * time.Minute)
	ok, err = leases.TryAcquire(ctx, "g", "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisGroupLeases_ConnectionError(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)
	leases := NewRedisGroupLeases(client, "")
	mr.Close()

	_, err := leases.TryAcquire(ctx, "g", "w1", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to acquire group g")
}
