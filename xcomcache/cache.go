package xcomcache

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/maps/treemap"

	"xcom/xcomproto"
)

const (
	MinCapacity     = 16
	MaxCapacity     = 1 << 22
	DefaultCapacity = 50000
)

var (
	ErrCacheFull        = errors.New("instance cache full and nothing evictable")
	ErrInvalidCacheSize = errors.New("cache size out of range")
	ErrForgotten        = errors.New("synode already removed from the cache")
)

func synodeComparator(a, b interface{}) int {
	return a.(xcomproto.Synode).Compare(b.(xcomproto.Synode))
}

// Cache is the bounded synode -> PaxMachine map. Only finished machines below
// the delivered watermark are evicted, oldest first, and at least
// RetentionFloor of them are kept for lagging learners.
type Cache struct {
	mu          sync.Mutex
	entries     *treemap.Map
	capacity    int
	watermark   xcomproto.Synode
	useMark     bool
	lastRemoved xcomproto.Synode
	evictions   uint64
}

func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		entries:  treemap.NewWith(synodeComparator),
		capacity: capacity,
	}
}

func ValidateCapacity(n uint64) error {
	if n < MinCapacity || n > MaxCapacity {
		return errors.Wrapf(ErrInvalidCacheSize, "%d not in [%d, %d]", n, MinCapacity, MaxCapacity)
	}
	return nil
}

// SetCapacity changes the bound and evicts what it can above it. The bound is
// kept unchanged on error.
func (c *Cache) SetCapacity(n uint64) error {
	if err := ValidateCapacity(n); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = int(n)
	for c.entries.Size() > c.capacity {
		if !c.evictOne() {
			break
		}
	}
	return nil
}

func (c *Cache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

func (c *Cache) RetentionFloor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity / 10
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Size()
}

// LastRemoved is the highest synode dropped from the cache so far.
func (c *Cache) LastRemoved() xcomproto.Synode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRemoved
}

func (c *Cache) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

// SetDeliveredWatermark protects finished machines at or above s, which have
// not been delivered yet, from eviction. Without a watermark every finished
// machine is evictable.
func (c *Cache) SetDeliveredWatermark(s xcomproto.Synode) {
	c.mu.Lock()
	c.watermark = s
	c.useMark = true
	c.mu.Unlock()
}

func (c *Cache) Lookup(s xcomproto.Synode) *PaxMachine {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, found := c.entries.Get(s); found {
		return v.(*PaxMachine)
	}
	return nil
}

// GetOrCreate returns the single machine for s, creating it on a miss.
func (c *Cache) GetOrCreate(s xcomproto.Synode) (*PaxMachine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, found := c.entries.Get(s); found {
		return v.(*PaxMachine), nil
	}
	if !c.lastRemoved.IsNull() && !c.lastRemoved.Less(s) {
		return nil, errors.Wrapf(ErrForgotten, "%s", s)
	}
	if c.entries.Size() >= c.capacity && !c.evictOne() {
		return nil, errors.Wrapf(ErrCacheFull, "capacity %d", c.capacity)
	}
	p := newPaxMachine(s)
	c.entries.Put(s, p)
	return p, nil
}

// Finish records the learned value of s and reports whether that finished
// the machine. Synodes not in the cache are left alone.
func (c *Cache) Finish(s xcomproto.Synode, learned *xcomproto.PaxMsg) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, found := c.entries.Get(s)
	if !found {
		return false
	}
	return v.(*PaxMachine).Finish(learned)
}

// ForgetBefore drops every machine strictly below s, finished or not.
func (c *Cache) ForgetBefore(s xcomproto.Synode) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var drop []interface{}
	it := c.entries.Iterator()
	for it.Next() {
		k := it.Key().(xcomproto.Synode)
		if !k.Less(s) {
			break
		}
		drop = append(drop, k)
	}
	for _, k := range drop {
		c.remove(k.(xcomproto.Synode))
	}
	return len(drop)
}

func (c *Cache) evictable(p *PaxMachine) bool {
	if !p.Finished() || p.Locked() {
		return false
	}
	return !c.useMark || p.Synode.Less(c.watermark)
}

// evictOne removes the oldest evictable machine, provided RetentionFloor
// evictable machines remain afterwards.
func (c *Cache) evictOne() bool {
	floor := c.capacity / 10
	var victim *PaxMachine
	count := 0
	it := c.entries.Iterator()
	for it.Next() && count <= floor {
		p := it.Value().(*PaxMachine)
		if !c.evictable(p) {
			continue
		}
		if victim == nil {
			victim = p
		}
		count++
	}
	if victim == nil || count <= floor {
		return false
	}
	c.remove(victim.Synode)
	c.evictions++
	return true
}

func (c *Cache) remove(s xcomproto.Synode) {
	c.entries.Remove(s)
	if c.lastRemoved.Less(s) {
		c.lastRemoved = s
	}
}
