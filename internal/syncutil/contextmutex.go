// Package syncutil provides in-process per-key locking.
package syncutil

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

const shardCount = 256

// ContextShardedMutex provides a fixed-size pool of channel-based mutexes
// that support context cancellation. Callers can bail out if their context
// is cancelled while waiting to acquire a lock. Memory is bounded regardless
// of how many keys are seen, at the cost of occasional false sharing between
// keys that hash to the same shard.
type ContextShardedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// LockContext acquires the mutex for the given key, respecting context cancellation.
// On success, returns an unlock function and nil error. The caller MUST call the
// unlock function when done.
// On context cancellation, returns nil and the context error.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	return m.LockKeys(ctx, key)
}

// LockKeys acquires the mutexes for all keys. Shards are taken in ascending
// order and each shard at most once, so two callers locking overlapping key
// sets cannot deadlock. On cancellation every shard already taken is released.
func (m *ContextShardedMutex) LockKeys(ctx context.Context, keys ...string) (func(), error) {
	m.init()

	idx := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		i := int(shardIdx(k))
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)

	held := make([]*chanMutex, 0, len(idx))
	release := func() {
		for j := len(held) - 1; j >= 0; j-- {
			held[j].ch <- struct{}{}
		}
	}

	for _, i := range idx {
		shard := &m.shards[i]
		select {
		case <-shard.ch:
			held = append(held, shard)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
