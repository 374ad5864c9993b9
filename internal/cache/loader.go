package cache

import (
	"golang.org/x/sync/singleflight"
)

// Loader memoizes the result of an expensive call per key. Concurrent
// callers for the same key share one in-flight load.
type Loader[T any] struct {
	cache Cache[T]
	group singleflight.Group
}

func NewLoader[T any](c Cache[T]) *Loader[T] {
	return &Loader[T]{cache: c}
}

// Get returns the cached value for key or runs load and caches its result.
// load's result is cached even when it describes a failure, so callers can
// memoize errors by returning them inside T.
func (l *Loader[T]) Get(key string, load func() T) T {
	if v, ok := l.cache.Get(key); ok {
		return v
	}
	v, _, _ := l.group.Do(key, func() (any, error) {
		if v, ok := l.cache.Get(key); ok {
			return v, nil
		}
		v := load()
		l.cache.Set(key, v)
		return v, nil
	})
	return v.(T)
}

// Forget drops the memoized value for key.
func (l *Loader[T]) Forget(key string) {
	l.cache.Delete(key)
}
