package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/parapheur/model"
)

func approvedResult() model.ActionResult {
	return model.ActionResult{
		Success:     true,
		Status:      model.StatusInProgress,
		CurrentStep: 2,
		NextStep:    &model.StepSummary{Name: "Visa du cabinet", RequiredRoles: []string{"cabinet"}},
	}
}

// runStoreContract exercises the behaviour both stores share.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	key := Key("inst-1", "u-1", "retry-1")
	hash := HashInput(model.ActionInput{Action: model.ActionApprove, Comment: "vu"})

	t.Run("miss", func(t *testing.T) {
		result, found, err := store.Check(ctx, Key("inst-1", "u-1", "never"), hash)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, result)
	})

	t.Run("hit", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, key, hash, approvedResult(), time.Minute))

		result, found, err := store.Check(ctx, key, hash)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, approvedResult(), *result)
	})

	t.Run("different input conflicts", func(t *testing.T) {
		other := HashInput(model.ActionInput{Action: model.ActionReject})
		_, found, err := store.Check(ctx, key, other)
		assert.True(t, found)
		assert.True(t, model.IsErrorCode(err, model.ErrConflict), "err = %v", err)
	})

	t.Run("overwrite", func(t *testing.T) {
		replaced := model.ActionResult{Success: true, Status: model.StatusApproved, CurrentStep: 3}
		require.NoError(t, store.Save(ctx, key, hash, replaced, time.Minute))

		result, found, err := store.Check(ctx, key, hash)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, model.StatusApproved, result.Status)
		assert.Nil(t, result.NextStep)
	})
}

// --- MemoryStore ---

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	ctx := context.Background()
	key := Key("inst-1", "u-1", "k")
	require.NoError(t, store.Save(ctx, key, "h", approvedResult(), time.Minute))
	assert.Equal(t, 1, store.Len())

	now = now.Add(2 * time.Minute)
	_, found, err := store.Check(ctx, key, "h")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, store.Len(), "expired entry should be evicted on check")
}

func TestMemoryStore_SavePrunesAbandonedKeys(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(ctx, Key("inst-1", "u-1", k), "h", approvedResult(), time.Minute))
	}
	require.NoError(t, store.Save(ctx, Key("inst-1", "u-1", "long"), "h", approvedResult(), time.Hour))
	assert.Equal(t, 4, store.Len())

	// Inside the prune interval nothing is swept yet.
	now = now.Add(30 * time.Second)
	require.NoError(t, store.Save(ctx, Key("inst-2", "u-1", "d"), "h", approvedResult(), time.Minute))
	assert.Equal(t, 5, store.Len())

	now = now.Add(2 * time.Minute)
	require.NoError(t, store.Save(ctx, Key("inst-3", "u-1", "e"), "h", approvedResult(), time.Minute))
	assert.Equal(t, 2, store.Len(), "only the long-lived key and the new one remain")

	_, found, err := store.Check(ctx, Key("inst-1", "u-1", "long"), "h")
	require.NoError(t, err)
	assert.True(t, found)
}

// --- RedisStore ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := newTestRedis(t)
	runStoreContract(t, NewRedisStore(client))
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()
	key := Key("inst-1", "u-1", "k")

	require.NoError(t, store.Save(ctx, key, "h", approvedResult(), 10*time.Second))
	assert.True(t, mr.Exists(key))

	mr.FastForward(11 * time.Second)

	_, found, err := store.Check(ctx, key, "h")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	key := Key("inst-1", "u-1", "k")
	require.NoError(t, mr.Set(key, "{not json"))

	_, _, err := store.Check(context.Background(), key, "h")
	assert.Error(t, err)
}

func TestRedisStore_HealthCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)

	assert.NoError(t, store.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, store.HealthCheck(context.Background()))
}

// --- Keys and hashes ---

func TestKey(t *testing.T) {
	assert.Equal(t, "idem:inst-1:u-1:abc", Key("inst-1", "u-1", "abc"))
	assert.NotEqual(t, Key("inst-1", "u-1", "abc"), Key("inst-1", "u-2", "abc"))
}

func TestHashInput(t *testing.T) {
	a := HashInput(model.ActionInput{Action: model.ActionApprove, Comment: "ok"})
	b := HashInput(model.ActionInput{Action: model.ActionApprove, Comment: "ok"})
	c := HashInput(model.ActionInput{Action: model.ActionApprove, Comment: "ok!"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
