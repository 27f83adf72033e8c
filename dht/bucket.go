package dht

import (
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/opd-ai/mojito/kuid"
)

type idKey = [kuid.Length]byte

// Bucket is a leaf of the routing trie. It covers every ID whose first depth
// bits equal those of prefix.
//
// Both the live set and the replacement cache are kept in least recently
// seen first order: the front element is the oldest.
type Bucket struct {
	prefix   kuid.KUID
	depth    int
	live     *orderedmap.OrderedMap[idKey, *Contact]
	cache    *orderedmap.OrderedMap[idKey, *Contact]
	maxLive  int
	maxCache int
	touched  time.Time
}

func newBucket(prefix kuid.KUID, depth, maxLive, maxCache int, now time.Time) *Bucket {
	return &Bucket{
		prefix:   prefix,
		depth:    depth,
		live:     orderedmap.NewOrderedMap[idKey, *Contact](),
		cache:    orderedmap.NewOrderedMap[idKey, *Contact](),
		maxLive:  maxLive,
		maxCache: maxCache,
		touched:  now,
	}
}

// Contains reports whether id falls into the bucket's prefix range.
func (b *Bucket) Contains(id kuid.KUID) bool {
	return b.prefix.CommonPrefixLen(id) >= b.depth
}

func (b *Bucket) isFull() bool { return b.live.Len() >= b.maxLive }

func (b *Bucket) getLive(id kuid.KUID) (*Contact, bool) { return b.live.Get(id.Array()) }

func (b *Bucket) getCached(id kuid.KUID) (*Contact, bool) { return b.cache.Get(id.Array()) }

// touchLive moves a live contact to the most recently seen position.
func (b *Bucket) touchLive(c *Contact) {
	b.live.Delete(c.ID().Array())
	b.live.Set(c.ID().Array(), c)
}

func (b *Bucket) addLive(c *Contact) {
	b.live.Set(c.ID().Array(), c)
}

func (b *Bucket) removeLive(id kuid.KUID) bool {
	return b.live.Delete(id.Array())
}

// addCached inserts or refreshes c in the replacement cache, evicting the
// least recently seen entry when the cache is full. It returns the evicted
// contact, if any.
func (b *Bucket) addCached(c *Contact) *Contact {
	key := c.ID().Array()
	if b.cache.Delete(key) {
		b.cache.Set(key, c)
		return nil
	}

	var evicted *Contact
	if b.maxCache > 0 && b.cache.Len() >= b.maxCache {
		if el := b.cache.Front(); el != nil {
			evicted = el.Value
			b.cache.Delete(el.Key)
		}
	}
	if b.maxCache > 0 {
		b.cache.Set(key, c)
	}
	return evicted
}

func (b *Bucket) removeCached(id kuid.KUID) bool {
	return b.cache.Delete(id.Array())
}

// popMostRecentCached removes and returns the most recently seen cached
// contact that is not dead.
func (b *Bucket) popMostRecentCached() *Contact {
	for el := b.cache.Back(); el != nil; el = el.Prev() {
		if el.Value.IsDead() {
			continue
		}
		c := el.Value
		b.cache.Delete(el.Key)
		return c
	}
	return nil
}

// leastRecentlySeen returns the oldest live contact.
func (b *Bucket) leastRecentlySeen() *Contact {
	if el := b.live.Front(); el != nil {
		return el.Value
	}
	return nil
}

// firstDead returns the oldest dead live contact.
func (b *Bucket) firstDead() *Contact {
	for el := b.live.Front(); el != nil; el = el.Next() {
		if el.Value.IsDead() {
			return el.Value
		}
	}
	return nil
}

func (b *Bucket) liveContacts() []*Contact {
	out := make([]*Contact, 0, b.live.Len())
	for el := b.live.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

func (b *Bucket) cachedContacts() []*Contact {
	out := make([]*Contact, 0, b.cache.Len())
	for el := b.cache.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// BucketInfo is a read-only snapshot of a bucket.
type BucketInfo struct {
	Prefix  kuid.KUID
	Depth   int
	Live    int
	Cached  int
	Touched time.Time
}

func (b *Bucket) info() BucketInfo {
	return BucketInfo{
		Prefix:  b.prefix,
		Depth:   b.depth,
		Live:    b.live.Len(),
		Cached:  b.cache.Len(),
		Touched: b.touched,
	}
}
