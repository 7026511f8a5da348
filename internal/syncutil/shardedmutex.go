package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Unlike sync.Map-based per-key locks, this uses bounded memory regardless
// of how many keys are seen, at the cost of occasional false sharing between
// keys that hash to the same shard.
//
// The wallet memory store uses one of these keyed by user ID so that all
// mutations of a given wallet serialize, mirroring row-level locking in the
// PostgreSQL store.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

// Lock2 acquires the mutexes for two keys in a deadlock-safe order and
// returns a single unlock function. Used for transfers that touch two
// wallets at once.
func (s *ShardedMutex) Lock2(a, b string) func() {
	ia, ib := shardIndex(a), shardIndex(b)
	if ia == ib {
		return s.Lock(a)
	}
	if ia > ib {
		ia, ib = ib, ia
	}
	s.shards[ia].Lock()
	s.shards[ib].Lock()
	return func() {
		s.shards[ib].Unlock()
		s.shards[ia].Unlock()
	}
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	return &s.shards[shardIndex(key)]
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
