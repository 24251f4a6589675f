// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyLock serialises work per string key. Memory is bounded: keys share a
// fixed pool of locks, so two keys may occasionally contend.
type KeyLock struct {
	shards [shardCount]chan struct{}
}

// NewKeyLock returns an unlocked KeyLock.
func NewKeyLock() *KeyLock {
	k := &KeyLock{}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock acquires the lock for key or returns ctx.Err(). The returned
// function releases it and must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.shards[shardFor(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
