package incident

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyLock serializes read-decide-write sequences per fingerprint
// without imposing ordering across different fingerprints. Sharded so
// lock memory stays bounded regardless of fingerprint cardinality; two
// fingerprints sharing a shard contend, which is harmless for
// correctness.
type keyLock struct {
	shards [lockShards]sync.Mutex
}

func (l *keyLock) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.shards[h.Sum32()%lockShards]
	mu.Lock()
	return mu
}
