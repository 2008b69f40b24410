// Package syncutil holds keyed locking helpers.
package syncutil

import (
	"context"
	"hash/maphash"
	"sync"
)

// DefaultShards is the pool size used when NewKeyedMutex gets n <= 0.
const DefaultShards = 256

// KeyedMutex serialises work per key (a tenant id, a customer ref) over a
// fixed pool of shards, so memory does not grow with the number of keys.
// Two keys can land on the same shard and then wait on each other.
type KeyedMutex struct {
	seed   maphash.Seed
	shards []chan struct{}
}

// NewKeyedMutex returns a KeyedMutex with n shards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{seed: maphash.MakeSeed(), shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock waits for key's shard or for ctx to end. The returned unlock func
// is safe to call more than once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slot := m.shard(key)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-slot }) }, nil
}

func (m *KeyedMutex) shard(key string) chan struct{} {
	return m.shards[maphash.String(m.seed, key)%uint64(len(m.shards))]
}
