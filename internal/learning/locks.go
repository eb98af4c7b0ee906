package learning

import (
	"hash/fnv"
	"sync"
)

// idShards is the number of stripes in the per-id lock map. A fixed
// power-of-two count keeps the modulo a cheap mask while still spreading
// unrelated ids across independent mutexes.
const idShards = 64

// idLocks is a striped lock keyed by collection/id, used to serialize the
// read-modify-write sequence (store.Get -> mutate Stats/Reinforcement ->
// store.Upsert) against both concurrent requests touching the same pattern
// and the background decay tick.
type idLocks struct {
	stripes [idShards]sync.Mutex
}

func (l *idLocks) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.stripes[h.Sum32()%idShards]
}

// lock acquires the stripe for key and returns the matching unlock func.
func (l *idLocks) lock(key string) func() {
	m := l.stripe(key)
	m.Lock()
	return m.Unlock
}

func lockKey(collection, id string) string {
	return collection + "/" + id
}
