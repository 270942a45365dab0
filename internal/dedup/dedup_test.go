package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/pkg/config"
)

func testDedupConfig() config.DedupConfig {
	return config.DedupConfig{
		TTL:        5 * time.Minute,
		MaxEntries: 3,
		Backend:    "memory",
		SweepEvery: time.Minute,
	}
}

func sampleResponse(providerID string) *CachedResponse {
	return &CachedResponse{
		Content:    "four",
		Model:      "gpt-4o-mini",
		ProviderID: providerID,
		TokensIn:   12,
		TokensOut:  3,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("planner", "what is 2+2", "session 1")
	b := Fingerprint("planner", "what is 2+2", "session 1")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprint_Distinguishes(t *testing.T) {
	base := Fingerprint("planner", "what is 2+2", "session 1")

	assert.NotEqual(t, base, Fingerprint("reviewer", "what is 2+2", "session 1"))
	assert.NotEqual(t, base, Fingerprint("planner", "what is 2+3", "session 1"))
	assert.NotEqual(t, base, Fingerprint("planner", "what is 2+2", "session 2"))
}

func TestFingerprint_NormalizesWhitespace(t *testing.T) {
	a := Fingerprint("planner", "what  is\t2+2", "ctx")
	b := Fingerprint("planner", " what is 2+2 ", "ctx")
	assert.Equal(t, a, b)
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore(testDedupConfig(), nil)
	defer store.Close()

	ctx := context.Background()
	fp := Fingerprint("planner", "task", "ctx")

	_, ok, err := store.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.False(t, ok)

	want := sampleResponse("openai")
	require.NoError(t, store.Store(ctx, fp, want))

	got, ok, err := store.Lookup(ctx, fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestMemoryStore_ExpiresLazily(t *testing.T) {
	store := NewMemoryStore(testDedupConfig(), nil)
	defer store.Close()

	clock := time.Now()
	store.nowFunc = func() time.Time { return clock }

	ctx := context.Background()
	fp := Fingerprint("planner", "task", "ctx")
	require.NoError(t, store.Store(ctx, fp, sampleResponse("openai")))

	clock = clock.Add(5*time.Minute + time.Second)

	_, ok, err := store.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len(), "expired entry must be removed on lookup")
}

func TestMemoryStore_SweepRemovesExpired(t *testing.T) {
	store := NewMemoryStore(testDedupConfig(), nil)
	defer store.Close()

	clock := time.Now()
	store.nowFunc = func() time.Time { return clock }

	ctx := context.Background()
	require.NoError(t, store.Store(ctx, "a", sampleResponse("openai")))
	require.NoError(t, store.Store(ctx, "b", sampleResponse("openai")))

	clock = clock.Add(10 * time.Minute)
	store.sweep()

	assert.Equal(t, 0, store.Len())
}

func TestMemoryStore_EvictsOldestWhenFull(t *testing.T) {
	store := NewMemoryStore(testDedupConfig(), nil)
	defer store.Close()

	clock := time.Now()
	store.nowFunc = func() time.Time { return clock }

	ctx := context.Background()
	for _, fp := range []string{"a", "b", "c"} {
		require.NoError(t, store.Store(ctx, fp, sampleResponse("openai")))
		clock = clock.Add(time.Second)
	}

	require.NoError(t, store.Store(ctx, "d", sampleResponse("openai")))

	assert.Equal(t, 3, store.Len())
	_, ok, _ := store.Lookup(ctx, "a")
	assert.False(t, ok, "oldest entry must be evicted")
	for _, fp := range []string{"b", "c", "d"} {
		_, ok, _ := store.Lookup(ctx, fp)
		assert.True(t, ok, "entry %s must survive eviction", fp)
	}
}

func TestMemoryStore_OverwriteDoesNotEvict(t *testing.T) {
	store := NewMemoryStore(testDedupConfig(), nil)
	defer store.Close()

	ctx := context.Background()
	for _, fp := range []string{"a", "b", "c"} {
		require.NoError(t, store.Store(ctx, fp, sampleResponse("openai")))
	}

	// Re-storing an existing fingerprint refreshes it in place.
	require.NoError(t, store.Store(ctx, "b", sampleResponse("anthropic")))
	assert.Equal(t, 3, store.Len())

	got, ok, err := store.Lookup(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "anthropic", got.ProviderID)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, 5*time.Minute)
	defer store.Close()

	ctx := context.Background()
	fp := Fingerprint("planner", "task", "ctx")

	_, ok, err := store.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.False(t, ok)

	want := sampleResponse("openai")
	require.NoError(t, store.Store(ctx, fp, want))

	got, ok, err := store.Lookup(ctx, fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestRedisStore_TTLExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, time.Minute)
	defer store.Close()

	ctx := context.Background()
	fp := Fingerprint("planner", "task", "ctx")
	require.NoError(t, store.Store(ctx, fp, sampleResponse("openai")))

	mr.FastForward(2 * time.Minute)

	_, ok, err := store.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.False(t, ok)
}
