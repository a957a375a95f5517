package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"guardianrails/internal/guardian"
	"guardianrails/internal/store"
)

// syncTimeout bounds a shared fetch, which runs detached from the callers
// waiting on it.
const syncTimeout = 10 * time.Second

// Cache holds the relationship list one owner sees from one perspective.
// Published slices are never mutated; every change swaps in a new one.
type Cache struct {
	store       store.RecordStore
	owner       string
	perspective guardian.Perspective

	records atomic.Pointer[[]guardian.Relationship]
	group   singleflight.Group

	// seq numbers fetches in start order. A fetch older than the last
	// published one is discarded.
	seq       atomic.Uint64
	mu        sync.Mutex
	published uint64
}

func NewCache(s store.RecordStore, owner string, p guardian.Perspective) *Cache {
	return &Cache{store: s, owner: owner, perspective: p}
}

func (c *Cache) Owner() string                     { return c.owner }
func (c *Cache) Perspective() guardian.Perspective { return c.perspective }

// Loaded reports whether the cache has been filled at least once.
func (c *Cache) Loaded() bool {
	return c.records.Load() != nil
}

// Snapshot returns the current records. Callers must not modify the slice.
func (c *Cache) Snapshot() []guardian.Relationship {
	p := c.records.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Refresh reloads the records from the store with a fetch of its own,
// started after the call, on ctx. A slower fetch that began earlier cannot
// overwrite its result.
func (c *Cache) Refresh(ctx context.Context) error {
	return c.fetch(ctx)
}

// Sync fills the cache for readers. Concurrent calls share one fetch, which
// may have started before this call. Use Refresh when the view must reflect a
// change the caller knows has happened.
func (c *Cache) Sync(ctx context.Context) error {
	ch := c.group.DoChan("sync", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), syncTimeout)
		defer cancel()
		return nil, c.fetch(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *Cache) fetch(ctx context.Context) error {
	seq := c.seq.Add(1)
	records, err := c.store.FetchRelationships(ctx, c.owner, c.perspective)
	if err != nil {
		return err
	}
	c.publish(seq, records)
	return nil
}

func (c *Cache) publish(seq uint64, records []guardian.Relationship) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq < c.published {
		return
	}
	c.published = seq
	c.records.Store(&records)
}

// Drop publishes a copy of the records without the given guardian's.
func (c *Cache) Drop(guardianWallet string) {
	for {
		old := c.records.Load()
		if old == nil {
			return
		}
		next := make([]guardian.Relationship, 0, len(*old))
		for _, rec := range *old {
			if !guardian.SameAddress(rec.GuardianWallet, guardianWallet) {
				next = append(next, rec)
			}
		}
		if c.records.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Find returns the record whose other party is counterparty.
func (c *Cache) Find(counterparty string) (guardian.Relationship, bool) {
	for _, rec := range c.Snapshot() {
		if guardian.SameAddress(rec.Counterparty(c.perspective), counterparty) {
			return rec, true
		}
	}
	return guardian.Relationship{}, false
}

// Caches hands out one Cache per owner and perspective.
type Caches struct {
	store store.RecordStore

	mu     sync.Mutex
	caches map[cacheKey]*Cache
}

type cacheKey struct {
	owner       string
	perspective guardian.Perspective
}

func NewCaches(s store.RecordStore) *Caches {
	return &Caches{store: s, caches: make(map[cacheKey]*Cache)}
}

// Get returns the cache for owner, creating an empty one on first use. owner
// must already be a valid address.
func (cs *Caches) Get(owner string, p guardian.Perspective) *Cache {
	key := cacheKey{owner: common.HexToAddress(owner).Hex(), perspective: p}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.caches[key]
	if !ok {
		c = NewCache(cs.store, key.owner, p)
		cs.caches[key] = c
	}
	return c
}
