package catalog_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/apiclient"
	"github.com/book-expert/tts-studio/internal/catalog"
	"github.com/book-expert/tts-studio/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	languageCalls atomic.Int32
	speakerCalls  atomic.Int32
	fail          atomic.Bool
}

func (f *fakeAPI) Languages(context.Context) ([]apiclient.Language, error) {
	f.languageCalls.Add(1)

	if f.fail.Load() {
		return nil, errors.New("backend down")
	}

	return []apiclient.Language{{Code: "en", Name: "English"}}, nil
}

func (f *fakeAPI) Speakers(context.Context) ([]apiclient.Speaker, error) {
	f.speakerCalls.Add(1)

	if f.fail.Load() {
		return nil, errors.New("backend down")
	}

	return []apiclient.Speaker{{ID: "ryan", Name: "Ryan"}}, nil
}

func newLoader(t *testing.T, api catalog.API, clock *scheduler.Virtual) *catalog.Loader {
	t.Helper()

	log, err := logger.New(t.TempDir(), "catalog-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	return catalog.NewLoader(api, time.Minute, clock.Now, log)
}

func TestCache_Freshness(t *testing.T) {
	t.Parallel()

	clock := scheduler.NewVirtual(time.Unix(100, 0))
	cache := catalog.NewCache[int](10*time.Second, clock.Now)

	_, _, ok := cache.Get("k")
	assert.False(t, ok)

	cache.Set("k", 7)

	clock.Advance(9*time.Second + 999*time.Millisecond)

	entry, fresh, ok := cache.Get("k")
	require.True(t, ok)
	assert.True(t, fresh)
	assert.Equal(t, 7, entry.Value)
	assert.True(t, entry.Timestamp.Equal(time.Unix(100, 0)))

	clock.Advance(time.Millisecond)

	entry, fresh, ok = cache.Get("k")
	require.True(t, ok)
	assert.False(t, fresh)
	assert.Equal(t, 7, entry.Value)

	cache.Invalidate("k")

	_, _, ok = cache.Get("k")
	assert.False(t, ok)
}

func TestLoader_ServesFromCacheUntilStale(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	clock := scheduler.NewVirtual(time.Unix(0, 0))
	loader := newLoader(t, api, clock)
	ctx := context.Background()

	for range 3 {
		languages, err := loader.Languages(ctx)
		require.NoError(t, err)
		assert.Len(t, languages, 1)
	}

	assert.Equal(t, int32(1), api.languageCalls.Load())

	clock.Advance(time.Minute)

	_, err := loader.Languages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), api.languageCalls.Load())

	speakers, err := loader.Speakers(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ryan", speakers[0].ID)
	assert.Equal(t, int32(1), api.speakerCalls.Load())
}

func TestLoader_StaleFallback(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	clock := scheduler.NewVirtual(time.Unix(0, 0))
	loader := newLoader(t, api, clock)
	ctx := context.Background()

	_, err := loader.Speakers(ctx)
	require.NoError(t, err)

	api.fail.Store(true)
	clock.Advance(2 * time.Minute)

	speakers, err := loader.Speakers(ctx)
	require.NoError(t, err)
	assert.Len(t, speakers, 1)

	_, err = loader.Languages(ctx)
	require.Error(t, err)
}
