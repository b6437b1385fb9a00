package persistence

// Option holds a backend that may be absent. Components receiving None run in
// degraded mode: reads return empty results and writes are no-ops.
type Option[T any] struct {
	value T
	ok    bool
}

// Some wraps a configured backend.
func Some[T any](value T) Option[T] {
	return Option[T]{value: value, ok: true}
}

// None is the absent backend.
func None[T any]() Option[T] {
	return Option[T]{}
}

// Get returns the backend and whether it is configured.
func (o Option[T]) Get() (T, bool) {
	return o.value, o.ok
}

// IsSome reports whether the backend is configured.
func (o Option[T]) IsSome() bool {
	return o.ok
}
