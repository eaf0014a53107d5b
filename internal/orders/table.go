package orders

import (
	"hash/fnv"
	"sync"
)

const tableShards = 64

// table is the concurrent order map keyed by ClOrdID. Sharded locking keeps
// mutations single-order-scoped: update runs its function under the owning
// shard's lock, which gives each order strictly sequential state transitions
// without a global lock on the hot path.
type table struct {
	shards [tableShards]tableShard
}

type tableShard struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

func newTable() *table {
	t := &table{}
	for i := range t.shards {
		t.shards[i].orders = make(map[string]*Order)
	}
	return t
}

func (t *table) shardFor(clOrdID string) *tableShard {
	h := fnv.New32a()
	h.Write([]byte(clOrdID))
	return &t.shards[h.Sum32()%tableShards]
}

func (t *table) insert(o *Order) bool {
	s := t.shardFor(o.ClOrdID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ClOrdID]; exists {
		return false
	}
	s.orders[o.ClOrdID] = o
	return true
}

// update applies fn to the order under its shard lock. fn sees the live order
// and may mutate it; an error from fn leaves whatever fn did (fn is expected
// to mutate only after its own checks pass).
func (t *table) update(clOrdID string, fn func(*Order) error) error {
	s := t.shardFor(clOrdID)
	s.mu.Lock()
	defer s.mu.Unlock()
	o, exists := s.orders[clOrdID]
	if !exists {
		return ErrUnknownOrder
	}
	return fn(o)
}

// get returns a deep-copy snapshot; callers never see live mutable state.
func (t *table) get(clOrdID string) (Order, bool) {
	s := t.shardFor(clOrdID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, exists := s.orders[clOrdID]
	if !exists {
		return Order{}, false
	}
	return o.snapshot(), true
}

// snapshotWhere collects copies of all orders matching the predicate. Each
// shard is locked in turn, so the result is consistent per shard and free of
// torn reads across a concurrent mutation.
func (t *table) snapshotWhere(match func(*Order) bool) []Order {
	var out []Order
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, o := range s.orders {
			if match(o) {
				out = append(out, o.snapshot())
			}
		}
		s.mu.RUnlock()
	}
	return out
}
