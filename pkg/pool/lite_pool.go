// Package pool provides a strongly typed wrapper around sync.Pool. Objects
// returned from Get() are guaranteed to be the correct type, and types
// implementing Resettable are zeroed on Put().
package pool

import "sync"

// Resettable is implemented by pooled objects that must be cleared before
// reuse.
type Resettable interface {
	Reset()
}

type Pool[T any] struct {
	pool sync.Pool
}

// New builds a typed pool around the given constructor. The constructor must
// not return nil.
func New[T any](newFn func() T) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any { return newFn() },
		},
	}
}

// NewBytes builds a pool of byte slices of the given capacity, for copy
// loops on hot paths.
func NewBytes(size int) *Pool[[]byte] {
	return New(func() []byte { return make([]byte, size) })
}

func (p *Pool[T]) Get() T {
	//nolint:forcetypeassert // the constructor fixes the element type
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(v T) {
	if r, ok := any(v).(Resettable); ok {
		r.Reset()
	}
	p.pool.Put(v)
}
