package dht

import (
	"container/heap"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mojito/crypto"
	"github.com/opd-ai/mojito/dhterr"
	"github.com/opd-ai/mojito/kuid"
)

// AddResult tells where RouteTable.Add placed a contact.
type AddResult uint8

const (
	// Dropped means the contact was not stored anywhere.
	Dropped AddResult = iota
	// AddedLive means the contact is now a bucket member.
	AddedLive
	// Cached means the contact went into a replacement cache.
	Cached
	// Updated means an existing entry was refreshed in place.
	Updated
)

// String returns the result name.
func (r AddResult) String() string {
	switch r {
	case AddedLive:
		return "live"
	case Cached:
		return "cached"
	case Updated:
		return "updated"
	default:
		return "dropped"
	}
}

// ContactPinger checks a contact's liveness. The routing table calls it
// for the least recently seen bucket member when a newcomer had to be
// cached, and for a live contact whose ID was claimed from another address.
type ContactPinger func(c *Contact)

// RouteTable is the capability set the rest of the DHT needs from a
// routing table. Implementations must make Add, Select and Remove atomic
// with respect to each other.
type RouteTable interface {
	LocalNode() *Contact
	SetLocalNode(local *Contact)
	Add(c *Contact) (AddResult, error)
	Get(id kuid.KUID) *Contact
	Select(target kuid.KUID, count int, excludeDead bool) []*Contact
	Remove(id kuid.KUID) bool
	HandleFailure(id kuid.KUID, addr net.Addr)
	Touch(id kuid.KUID)
	RefreshIDs(force bool) []kuid.KUID
	Contacts() []*Contact
	ActiveContacts() []*Contact
	Buckets() []BucketInfo
	Size() int
	Purge()
	Stats() RouteTableStats
}

// RouteTableConfig holds routing table settings.
type RouteTableConfig struct {
	// Bucket capacity (Kademlia K)
	K int
	// Replacement cache capacity per bucket
	MaxCacheSize int
	// A bucket untouched for this long is due for refresh
	RefreshInterval time.Duration
	// Liveness thresholds and timeouts
	Contact *ContactConfig
	// Failures reported without a successful Add in between before further
	// failures are ignored; 0 disables the limit
	MaxConsecutiveFailures int
}

// DefaultRouteTableConfig returns the default routing table settings.
func DefaultRouteTableConfig() *RouteTableConfig {
	return &RouteTableConfig{
		K:                      20,
		MaxCacheSize:           16,
		RefreshInterval:        30 * time.Minute,
		Contact:                DefaultContactConfig(),
		MaxConsecutiveFailures: 20,
	}
}

// RouteTableStats counts routing table events.
type RouteTableStats struct {
	Added      uint64
	Cached     uint64
	Replaced   uint64
	Splits     uint64
	DeadEvicts uint64
	Spoofs     uint64
}

// trieNode is an inner node or a leaf of the bucket trie. Leaves carry a
// bucket; inner nodes carry two children indexed by the next bit.
type trieNode struct {
	bucket   *Bucket
	children [2]*trieNode
}

// TrieRouteTable is a RouteTable backed by a binary trie of buckets.
// Only the bucket covering the local ID ever splits.
type TrieRouteTable struct {
	mu     sync.RWMutex
	local  *Contact
	root   *trieNode
	config *RouteTableConfig
	clock  crypto.TimeProvider
	pinger ContactPinger
	stats  RouteTableStats
	// failures since the last Add
	consecutiveFailures int
}

// NewRouteTable creates a routing table for the given local contact.
func NewRouteTable(local *Contact, config *RouteTableConfig, clock crypto.TimeProvider) *TrieRouteTable {
	if config == nil {
		config = DefaultRouteTableConfig()
	}
	if config.Contact == nil {
		config.Contact = DefaultContactConfig()
	}
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}

	rt := &TrieRouteTable{
		local:  local,
		config: config,
		clock:  clock,
	}
	rt.root = rt.newLeaf(kuid.MinNodeID, 0)
	return rt
}

func (rt *TrieRouteTable) newLeaf(prefix kuid.KUID, depth int) *trieNode {
	return &trieNode{bucket: newBucket(prefix, depth, rt.config.K, rt.config.MaxCacheSize, rt.clock.Now())}
}

// SetContactPinger installs the liveness check Add uses.
func (rt *TrieRouteTable) SetContactPinger(p ContactPinger) {
	rt.mu.Lock()
	rt.pinger = p
	rt.mu.Unlock()
}

// Config returns the table settings.
func (rt *TrieRouteTable) Config() *RouteTableConfig { return rt.config }

// LocalNode returns the local contact.
func (rt *TrieRouteTable) LocalNode() *Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.local
}

// SetLocalNode replaces the local contact and rebuilds the trie around the
// new ID, re-adding every known contact.
func (rt *TrieRouteTable) SetLocalNode(local *Contact) {
	rt.mu.Lock()
	old := rt.collectLocked(true)
	rt.local = local
	rt.root = rt.newLeaf(kuid.MinNodeID, 0)
	rt.mu.Unlock()

	for _, c := range old {
		if c.ID().Equal(local.ID()) {
			continue
		}
		if _, err := rt.Add(c); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "TrieRouteTable.SetLocalNode",
				"node_id":  c.ID().Hex(),
				"error":    err.Error(),
			}).Debug("Dropped contact while rebuilding routing table")
		}
	}
}

// leafFor walks the trie to the bucket covering id.
func (rt *TrieRouteTable) leafFor(id kuid.KUID) *trieNode {
	n := rt.root
	depth := 0
	for n.bucket == nil {
		bit := 0
		if id.BitAt(depth) {
			bit = 1
		}
		n = n.children[bit]
		depth++
	}
	return n
}

// Add inserts or refreshes a contact.
//
// A known contact is merged in place unless the update looks like a spoof:
// a non-live claim from a new address for a live contact. A new contact
// joins its bucket when there is room; a full bucket covering the local ID
// splits; any other full bucket replaces a dead member or caches the
// newcomer, never evicting a live member.
func (rt *TrieRouteTable) Add(c *Contact) (AddResult, error) {
	if c == nil {
		return Dropped, fmt.Errorf("%w: nil contact", dhterr.ErrInvalidArgument)
	}
	if c.ID().Kind() != kuid.NodeID {
		return Dropped, fmt.Errorf("%w: contact ID has kind %s", dhterr.ErrInvalidArgument, c.ID().Kind())
	}

	rt.mu.Lock()
	result, ping := rt.addLocked(c)
	pinger := rt.pinger
	rt.mu.Unlock()

	if ping != nil && pinger != nil {
		pinger(ping)
	}

	logrus.WithFields(logrus.Fields{
		"function": "TrieRouteTable.Add",
		"node_id":  c.ID().Hex(),
		"addr":     c.Addr(),
		"result":   result.String(),
	}).Debug("Processed routing table insertion")

	return result, nil
}

func (rt *TrieRouteTable) addLocked(c *Contact) (AddResult, *Contact) {
	now := rt.clock.Now()

	if rt.local != nil && c.ID().Equal(rt.local.ID()) {
		return Dropped, nil
	}
	rt.consecutiveFailures = 0

	for {
		leaf := rt.leafFor(c.ID())
		b := leaf.bucket

		if existing, ok := b.getLive(c.ID()); ok {
			return rt.updateExisting(b, existing, c, now, true)
		}
		if existing, ok := b.getCached(c.ID()); ok {
			return rt.updateExisting(b, existing, c, now, false)
		}

		if c.IsFirewalled() {
			return Dropped, nil
		}

		if !b.isFull() {
			b.addLive(c)
			b.touched = now
			rt.stats.Added++
			return AddedLive, nil
		}

		if rt.canSplit(b) {
			rt.split(leaf)
			continue
		}

		if dead := b.firstDead(); dead != nil {
			b.removeLive(dead.ID())
			b.addLive(c)
			rt.stats.Replaced++
			return AddedLive, nil
		}

		b.addCached(c)
		rt.stats.Cached++
		return Cached, b.leastRecentlySeen()
	}
}

// updateExisting refreshes a known contact from a fresh sighting. A live
// contact never moves to another address here: the claim is dropped and the
// known contact is returned for a ping. Only once failures have taken it out
// of the ALIVE state can a later sighting carry the new address.
func (rt *TrieRouteTable) updateExisting(b *Bucket, existing, fresh *Contact, now time.Time, live bool) (AddResult, *Contact) {
	if existing == fresh {
		if live && fresh.IsAlive() {
			b.touchLive(existing)
		}
		return Updated, nil
	}

	if existing.IsAlive() && !existing.SameAddr(fresh.Addr()) {
		rt.stats.Spoofs++
		logrus.WithFields(logrus.Fields{
			"function":  "TrieRouteTable.Add",
			"node_id":   existing.ID().Hex(),
			"known":     existing.Addr(),
			"claimed":   fresh.Addr(),
			"operation": "spoof_check",
		}).Warn("Ignoring address change for live contact")
		return Dropped, existing
	}

	existing.Merge(fresh, now)
	if live {
		if fresh.IsAlive() {
			b.touchLive(existing)
		}
	} else {
		b.addCached(existing)
	}
	return Updated, nil
}

func (rt *TrieRouteTable) canSplit(b *Bucket) bool {
	return rt.local != nil && b.Contains(rt.local.ID()) && b.depth < kuid.Bits
}

// split turns leaf into an inner node with two children and re-homes the
// live contacts and replacement cache of the old bucket.
func (rt *TrieRouteTable) split(leaf *trieNode) {
	old := leaf.bucket
	depth := old.depth

	left := rt.newLeaf(old.prefix.WithBitCleared(depth), depth+1)
	right := rt.newLeaf(old.prefix.WithBitSet(depth), depth+1)
	left.bucket.touched = old.touched
	right.bucket.touched = old.touched

	pick := func(c *Contact) *Bucket {
		if c.ID().BitAt(depth) {
			return right.bucket
		}
		return left.bucket
	}

	for _, c := range old.liveContacts() {
		pick(c).addLive(c)
	}
	for _, c := range old.cachedContacts() {
		nb := pick(c)
		if !nb.isFull() {
			nb.addLive(c)
		} else {
			nb.addCached(c)
		}
	}

	leaf.bucket = nil
	leaf.children = [2]*trieNode{left, right}
	rt.stats.Splits++

	logrus.WithFields(logrus.Fields{
		"function": "TrieRouteTable.split",
		"depth":    depth + 1,
		"left":     left.bucket.live.Len(),
		"right":    right.bucket.live.Len(),
	}).Debug("Split bucket")
}

// Get returns the live or cached contact with the given ID.
func (rt *TrieRouteTable) Get(id kuid.KUID) *Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	b := rt.leafFor(id).bucket
	if c, ok := b.getLive(id); ok {
		return c
	}
	if c, ok := b.getCached(id); ok {
		return c
	}
	return nil
}

// Remove deletes a contact from its bucket or cache.
func (rt *TrieRouteTable) Remove(id kuid.KUID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.leafFor(id).bucket
	if b.removeLive(id) {
		if promoted := b.popMostRecentCached(); promoted != nil {
			promoted.Unknown()
			b.addLive(promoted)
		}
		return true
	}
	return b.removeCached(id)
}

// HandleFailure records a failed RPC against a contact. Failures reported
// for a different address than the one on record are ignored, as are all
// failures once MaxConsecutiveFailures have arrived without an Add in
// between, so a local outage cannot mark the whole table dead. A bucket
// member that becomes dead is evicted and replaced by the most recently
// seen cached contact.
func (rt *TrieRouteTable) HandleFailure(id kuid.KUID, addr net.Addr) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if limit := rt.config.MaxConsecutiveFailures; limit > 0 && rt.consecutiveFailures >= limit {
		logrus.WithFields(logrus.Fields{
			"function": "TrieRouteTable.HandleFailure",
			"node_id":  id.Hex(),
			"failures": rt.consecutiveFailures,
		}).Debug("Ignoring failure, possible local disconnect")
		return
	}
	rt.consecutiveFailures++

	now := rt.clock.Now()
	b := rt.leafFor(id).bucket

	if c, ok := b.getLive(id); ok {
		if addr != nil && !c.SameAddr(addr) {
			return
		}
		if c.RecordFailure(now, rt.config.Contact) != StateDead {
			return
		}

		promoted := b.popMostRecentCached()
		if promoted == nil {
			// Keep the dead contact until something can take its place.
			return
		}
		b.removeLive(id)
		promoted.Unknown()
		b.addLive(promoted)
		rt.stats.DeadEvicts++

		logrus.WithFields(logrus.Fields{
			"function": "TrieRouteTable.HandleFailure",
			"dead":     id.Hex(),
			"promoted": promoted.ID().Hex(),
		}).Debug("Replaced dead contact from cache")
		return
	}

	if c, ok := b.getCached(id); ok {
		if addr != nil && !c.SameAddr(addr) {
			return
		}
		if c.RecordFailure(now, rt.config.Contact) == StateDead {
			b.removeCached(id)
		}
	}
}

// Touch marks the bucket covering id as recently used.
func (rt *TrieRouteTable) Touch(id kuid.KUID) {
	rt.mu.Lock()
	rt.leafFor(id).bucket.touched = rt.clock.Now()
	rt.mu.Unlock()
}

// RefreshIDs returns one random ID inside the range of every bucket that
// is due for refresh (every bucket when force is set), skipping the bucket
// that covers the local ID.
func (rt *TrieRouteTable) RefreshIDs(force bool) []kuid.KUID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	now := rt.clock.Now()
	var ids []kuid.KUID
	rt.walk(func(b *Bucket) {
		if rt.local != nil && b.Contains(rt.local.ID()) {
			return
		}
		if force || now.Sub(b.touched) >= rt.config.RefreshInterval {
			ids = append(ids, kuid.PrefixRandom(b.prefix, b.depth))
		}
	})
	return ids
}

func (rt *TrieRouteTable) walk(fn func(b *Bucket)) {
	var visit func(n *trieNode)
	visit = func(n *trieNode) {
		if n.bucket != nil {
			fn(n.bucket)
			return
		}
		visit(n.children[0])
		visit(n.children[1])
	}
	visit(rt.root)
}

func (rt *TrieRouteTable) collectLocked(withCache bool) []*Contact {
	var out []*Contact
	rt.walk(func(b *Bucket) {
		out = append(out, b.liveContacts()...)
		if withCache {
			out = append(out, b.cachedContacts()...)
		}
	})
	return out
}

// Contacts returns every bucket member.
func (rt *TrieRouteTable) Contacts() []*Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.collectLocked(false)
}

// ActiveContacts returns every bucket member that is not dead.
func (rt *TrieRouteTable) ActiveContacts() []*Contact {
	all := rt.Contacts()
	out := all[:0]
	for _, c := range all {
		if !c.IsDead() {
			out = append(out, c)
		}
	}
	return out
}

// Buckets returns a snapshot of every bucket.
func (rt *TrieRouteTable) Buckets() []BucketInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []BucketInfo
	rt.walk(func(b *Bucket) { out = append(out, b.info()) })
	return out
}

// Size returns the number of bucket members.
func (rt *TrieRouteTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	n := 0
	rt.walk(func(b *Bucket) { n += b.live.Len() })
	return n
}

// Purge drops dead contacts and contacts that never answered, and clears
// the replacement caches.
func (rt *TrieRouteTable) Purge() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.walk(func(b *Bucket) {
		for _, c := range b.liveContacts() {
			if c.IsDead() || !c.HasBeenAlive() {
				b.removeLive(c.ID())
			}
		}
		for _, c := range b.cachedContacts() {
			b.removeCached(c.ID())
		}
	})
}

// Stats returns a copy of the event counters.
func (rt *TrieRouteTable) Stats() RouteTableStats {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.stats
}

// Select returns up to count bucket members ordered by XOR distance to
// target, nearest first. Ties are broken by raw ID order.
func (rt *TrieRouteTable) Select(target kuid.KUID, count int, excludeDead bool) []*Contact {
	if count <= 0 {
		return []*Contact{}
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	h := &contactHeap{target: target, contacts: make([]*Contact, 0, count)}
	rt.walk(func(b *Bucket) {
		for el := b.live.Front(); el != nil; el = el.Next() {
			c := el.Value
			if excludeDead && c.IsDead() {
				continue
			}
			if h.Len() < count {
				heap.Push(h, c)
			} else if CloserTo(target, c, h.contacts[0]) {
				heap.Pop(h)
				heap.Push(h, c)
			}
		}
	})

	result := make([]*Contact, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(*Contact)
	}
	return result
}

// CloserTo reports whether a orders before b by distance to target, with
// raw ID order as the tie-break.
func CloserTo(target kuid.KUID, a, b *Contact) bool {
	if d := kuid.CompareDistance(a.ID(), b.ID(), target); d != 0 {
		return d < 0
	}
	return a.ID().Compare(b.ID()) < 0
}

// contactHeap is a max-heap on distance to target keeping the count
// closest contacts seen so far.
type contactHeap struct {
	target   kuid.KUID
	contacts []*Contact
}

func (h *contactHeap) Len() int { return len(h.contacts) }

func (h *contactHeap) Less(i, j int) bool {
	return CloserTo(h.target, h.contacts[j], h.contacts[i])
}

func (h *contactHeap) Swap(i, j int) {
	h.contacts[i], h.contacts[j] = h.contacts[j], h.contacts[i]
}

func (h *contactHeap) Push(x interface{}) {
	h.contacts = append(h.contacts, x.(*Contact))
}

func (h *contactHeap) Pop() interface{} {
	old := h.contacts
	n := len(old)
	item := old[n-1]
	h.contacts = old[:n-1]
	return item
}
