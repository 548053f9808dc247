package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader reads JSON values through a Cache, loading and filling on miss.
// Concurrent misses for one key share a single load. Cache failures fall
// back to the loader and are only logged.
//
// A load that overlaps an Invalidate returns its value but does not fill
// the cache, and later misses start a fresh load instead of joining it.
type Loader[T any] struct {
	log   *slog.Logger
	cache Cache
	ttl   time.Duration
	group singleflight.Group
	epoch atomic.Uint64
}

// NewLoader constructs a Loader. ttl <= 0 stores without expiry.
func NewLoader[T any](log *slog.Logger, c Cache, ttl time.Duration) *Loader[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Loader[T]{log: log, cache: c, ttl: ttl}
}

// Get returns the cached value for key or the result of load.
func (l *Loader[T]) Get(ctx context.Context, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T

	if b, err := l.cache.Get(ctx, key); err == nil {
		var v T
		if err := json.Unmarshal(b, &v); err == nil {
			return v, nil
		}
		l.log.Warn("cache.decode.fail", "key", key)
	} else if !errors.Is(err, ErrMiss) {
		l.log.Warn("cache.get.fail", "key", key, "err", err)
	}

	epoch := l.epoch.Load()
	res, err, _ := l.group.Do(key+"@"+strconv.FormatUint(epoch, 10), func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if l.epoch.Load() != epoch {
			l.log.Debug("cache.set.skip", "key", key, "reason", "invalidated during load")
			return v, nil
		}
		if b, err := json.Marshal(v); err == nil {
			if err := l.cache.Set(ctx, key, b, l.ttl); err != nil {
				l.log.Warn("cache.set.fail", "key", key, "err", err)
			}
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}

// Invalidate drops keys from the cache.
func (l *Loader[T]) Invalidate(ctx context.Context, keys ...string) {
	l.epoch.Add(1)
	if err := l.cache.Delete(ctx, keys...); err != nil {
		l.log.Warn("cache.delete.fail", "keys", keys, "err", err)
	}
}
