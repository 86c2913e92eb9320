package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*DecisionCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewDecisionCache(client, time.Minute, nil), mr
}

func TestDecideCachesResult(t *testing.T) {
	cache, _ := newTestCache(t)
	calls := 0
	compute := func() (bool, error) {
		calls++
		return true, nil
	}

	allowed, err := cache.Decide(context.Background(), 10, "forums.forum.view", compute)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, 1, calls)

	// Second lookup is served from the cache.
	allowed, err = cache.Decide(context.Background(), 10, "forums.forum.view", compute)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, 1, calls)

	// A different member computes its own entry.
	_, err = cache.Decide(context.Background(), 11, "forums.forum.view", compute)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestDecideCachesDenials(t *testing.T) {
	cache, _ := newTestCache(t)
	calls := 0
	compute := func() (bool, error) {
		calls++
		return false, nil
	}

	allowed, err := cache.Decide(context.Background(), 10, "payments.global.edit", compute)
	require.NoError(t, err)
	require.False(t, allowed)

	allowed, err = cache.Decide(context.Background(), 10, "payments.global.edit", compute)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, 1, calls)
}

func TestDecideComputeErrorNotCached(t *testing.T) {
	cache, _ := newTestCache(t)
	fail := true
	calls := 0
	compute := func() (bool, error) {
		calls++
		if fail {
			return false, ErrDefaultMissing
		}
		return true, nil
	}

	_, err := cache.Decide(context.Background(), 10, "mystery.model.view", compute)
	require.ErrorIs(t, err, ErrDefaultMissing)

	fail = false
	allowed, err := cache.Decide(context.Background(), 10, "mystery.model.view", compute)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, 2, calls)
}

func TestInvalidateBumpsGeneration(t *testing.T) {
	cache, _ := newTestCache(t)
	result := true
	calls := 0
	compute := func() (bool, error) {
		calls++
		return result, nil
	}

	allowed, err := cache.Decide(context.Background(), 10, "forums.forum.view", compute)
	require.NoError(t, err)
	require.True(t, allowed)

	result = false
	cache.Invalidate(context.Background())

	allowed, err = cache.Decide(context.Background(), 10, "forums.forum.view", compute)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, 2, calls)
}

func TestDecideNilCachePassesThrough(t *testing.T) {
	var cache *DecisionCache
	allowed, err := cache.Decide(context.Background(), 10, "forums.forum.view", func() (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	require.True(t, allowed)

	// Invalidate on a nil cache is a no-op.
	cache.Invalidate(context.Background())
}

func TestDecideDegradesWhenRedisDown(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()

	allowed, err := cache.Decide(context.Background(), 10, "forums.forum.view", func() (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	require.True(t, allowed)
}

type countingObserver struct {
	hits   int
	misses int
}

func (o *countingObserver) ObserveCache(result string) {
	switch result {
	case "hit":
		o.hits++
	case "miss":
		o.misses++
	}
}

func TestDecideReportsHitsAndMisses(t *testing.T) {
	cache, _ := newTestCache(t)
	obs := &countingObserver{}
	cache.WithObserver(obs)
	compute := func() (bool, error) { return true, nil }

	_, err := cache.Decide(context.Background(), 10, "forums.forum.view", compute)
	require.NoError(t, err)
	_, err = cache.Decide(context.Background(), 10, "forums.forum.view", compute)
	require.NoError(t, err)

	require.Equal(t, 1, obs.misses)
	require.Equal(t, 1, obs.hits)
}
