// SPDX-License-Identifier: MIT

package artifact

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	c := NewRedisCache(srv.Addr(), ttl)
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, srv := newTestRedisCache(t, 30*time.Second)

	states := map[Kind]State{
		KindThumbnail: StatePresent,
		KindMetadata:  StateStale,
	}
	require.NoError(t, c.Put(ctx, "movies/a.mp4", states))

	got, ok := c.Get(ctx, "movies/a.mp4")
	require.True(t, ok)
	require.Equal(t, StatePresent, got[KindThumbnail])
	require.Equal(t, StateStale, got[KindMetadata])

	// Entries honor the TTL.
	srv.FastForward(31 * time.Second)
	_, ok = c.Get(ctx, "movies/a.mp4")
	require.False(t, ok)
}

func TestRedisCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedisCache(t, time.Minute)

	require.NoError(t, c.Put(ctx, "a.mp4", map[Kind]State{
		KindThumbnail: StatePresent,
		KindMetadata:  StateAbsent,
	}))
	require.NoError(t, c.Invalidate(ctx, "a.mp4", KindThumbnail))

	got, ok := c.Get(ctx, "a.mp4")
	require.True(t, ok)
	_, has := got[KindThumbnail]
	require.False(t, has)

	require.NoError(t, c.Drop(ctx, "a.mp4"))
	_, ok = c.Get(ctx, "a.mp4")
	require.False(t, ok)
}

func TestRedisCacheSkipsGarbageFields(t *testing.T) {
	ctx := context.Background()
	c, srv := newTestRedisCache(t, time.Minute)

	srv.HSet(redisKey("a.mp4"), "not-a-kind", "present")
	srv.HSet(redisKey("a.mp4"), string(KindThumbnail), "bogus-state")

	_, ok := c.Get(ctx, "a.mp4")
	require.False(t, ok, "record with only garbage fields must miss")
}
