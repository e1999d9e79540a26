// Package pool caches long lived sink clients keyed by their connection parameters.
package pool

import (
	"context"
	"sync"
)

// Factory constructs the client for a key.
type Factory[K comparable, C any] func(ctx context.Context, key K) (C, error)

type entry[C any] struct {
	ready  chan struct{}
	client C
	err    error
}

// Pool lazily constructs at most one client per key. Construction runs
// outside the pool lock, so slow sinks never block unrelated keys.
type Pool[K comparable, C any] struct {
	factory Factory[K, C]

	mu      sync.Mutex
	entries map[K]*entry[C]
}

func New[K comparable, C any](factory Factory[K, C]) *Pool[K, C] {
	return &Pool[K, C]{
		factory: factory,
		entries: make(map[K]*entry[C]),
	}
}

// GetOrCreate returns the cached client for key, constructing it on first use.
// Failed constructions are not cached; the next caller retries.
func (p *Pool[K, C]) GetOrCreate(ctx context.Context, key K) (C, error) {
	for {
		p.mu.Lock()

		e, ok := p.entries[key]
		if !ok {
			e = &entry[C]{ready: make(chan struct{})}
			p.entries[key] = e
			p.mu.Unlock()

			return p.construct(ctx, key, e)
		}

		p.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			var zero C

			return zero, ctx.Err()
		}

		if e.err == nil {
			return e.client, nil
		}
		// The builder removed the failed entry; try again as a new builder.
	}
}

func (p *Pool[K, C]) construct(ctx context.Context, key K, e *entry[C]) (C, error) {
	e.client, e.err = p.factory(ctx, key)

	if e.err != nil {
		p.mu.Lock()
		delete(p.entries, key)
		p.mu.Unlock()
	}

	close(e.ready)

	return e.client, e.err
}

// Len returns the number of constructed or in-flight clients.
func (p *Pool[K, C]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.entries)
}

// Range calls fn for every successfully constructed client.
func (p *Pool[K, C]) Range(fn func(key K, client C) bool) {
	p.mu.Lock()
	ready := make(map[K]*entry[C], len(p.entries))

	for key, e := range p.entries {
		select {
		case <-e.ready:
			if e.err == nil {
				ready[key] = e
			}
		default:
		}
	}
	p.mu.Unlock()

	for key, e := range ready {
		if !fn(key, e.client) {
			return
		}
	}
}
