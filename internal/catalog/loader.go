package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/apiclient"
)

// DefaultTTL is how long fetched lists stay fresh.
const DefaultTTL = 5 * time.Minute

const (
	keyLanguages = "languages"
	keySpeakers  = "speakers"
)

// API is the part of the backend the loader reads.
type API interface {
	Languages(ctx context.Context) ([]apiclient.Language, error)
	Speakers(ctx context.Context) ([]apiclient.Speaker, error)
}

// Loader serves the language and speaker lists from cache, refreshing them
// from the backend when stale.
type Loader struct {
	api       API
	log       *logger.Logger
	languages *Cache[[]apiclient.Language]
	speakers  *Cache[[]apiclient.Speaker]
}

// NewLoader creates a loader. A non-positive ttl selects DefaultTTL.
func NewLoader(api API, ttl time.Duration, now Clock, log *logger.Logger) *Loader {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Loader{
		api:       api,
		log:       log,
		languages: NewCache[[]apiclient.Language](ttl, now),
		speakers:  NewCache[[]apiclient.Speaker](ttl, now),
	}
}

// Languages returns the supported languages.
func (l *Loader) Languages(ctx context.Context) ([]apiclient.Language, error) {
	return load(ctx, l, l.languages, keyLanguages, l.api.Languages)
}

// Speakers returns the preset speakers.
func (l *Loader) Speakers(ctx context.Context) ([]apiclient.Speaker, error) {
	return load(ctx, l, l.speakers, keySpeakers, l.api.Speakers)
}

func load[T any](
	ctx context.Context,
	l *Loader,
	cache *Cache[T],
	key string,
	fetch func(context.Context) (T, error),
) (T, error) {
	entry, fresh, ok := cache.Get(key)
	if ok && fresh {
		return entry.Value, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		if ok {
			l.log.Warn("Refreshing %s failed, serving stale copy: %v", key, err)

			return entry.Value, nil
		}

		var zero T

		return zero, fmt.Errorf("failed to load %s: %w", key, err)
	}

	cache.Set(key, value)

	return value, nil
}
