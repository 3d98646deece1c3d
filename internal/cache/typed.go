package cache

import (
	"context"
	"fmt"
	"strings"
)

// Typed is a view of the cache restricted to one namespace and one payload
// type, so entries of different entities cannot be confused.
type Typed[T any] struct {
	c  *Cache
	ns string
}

func NewTyped[T any](c *Cache, namespace string) Typed[T] {
	return Typed[T]{c: c, ns: namespace}
}

// Key joins scope parts under the namespace: Key("day", "2024-06-10") on
// namespace "appointments" is "appointments:day:2024-06-10".
func (t Typed[T]) Key(scope ...string) string {
	if len(scope) == 0 {
		return t.ns
	}
	return t.ns + ":" + strings.Join(scope, ":")
}

func (t Typed[T]) Get(ctx context.Context, key string) (T, bool) {
	var v T
	if !t.c.Get(ctx, key, &v) {
		var zero T
		return zero, false
	}
	return v, true
}

func (t Typed[T]) Set(ctx context.Context, key string, v T) {
	t.c.Set(ctx, key, v)
}

func (t Typed[T]) Delete(ctx context.Context, key string) {
	t.c.Delete(ctx, key)
}

// Invalidate drops every entry of the namespace.
func (t Typed[T]) Invalidate(ctx context.Context) int {
	return t.c.InvalidatePattern(ctx, t.ns+":")
}

// Load is a cache-aside read: a valid entry is returned as is, otherwise
// fetch is called and its result stored unless a fresher write landed in
// the meantime. Concurrent loads of the same key share one fetch.
func (t Typed[T]) Load(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := t.Get(ctx, key); ok {
		return v, nil
	}

	res, err, _ := t.c.flight.Do(key, func() (any, error) {
		seq := t.c.BeginFetch(key)
		v, err := fetch(ctx)
		if err != nil {
			t.c.AbortFetch(key)
			return nil, err
		}
		t.c.SetFetched(ctx, key, seq, v)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	v, ok := res.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache: key %q shared by different payload types", key)
	}
	return v, nil
}

// Refresh bypasses any cached value and reloads key from the backend.
func (t Typed[T]) Refresh(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	seq := t.c.BeginFetch(key)
	v, err := fetch(ctx)
	if err != nil {
		t.c.AbortFetch(key)
		var zero T
		return zero, err
	}
	t.c.SetFetched(ctx, key, seq, v)
	return v, nil
}
