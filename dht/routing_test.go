package dht

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mojito/dhterr"
	"github.com/opd-ai/mojito/kuid"
)

func newTestTable(t *testing.T, local kuid.KUID) (*TrieRouteTable, *testClockPinger) {
	t.Helper()
	clock := newTestClock()
	rt := NewRouteTable(NewLiveContact(local, newMockAddr("127.0.0.1:1"), testEpoch), DefaultRouteTableConfig(), clock)
	p := &testClockPinger{}
	rt.SetContactPinger(p.ping)
	return rt, p
}

type testClockPinger struct {
	mu     sync.Mutex
	pinged []*Contact
}

func (p *testClockPinger) ping(c *Contact) {
	p.mu.Lock()
	p.pinged = append(p.pinged, c)
	p.mu.Unlock()
}

// idWithFirstBit returns a random node ID whose most significant bit is set
// as requested.
func idWithFirstBit(set bool) kuid.KUID {
	id := kuid.RandomNodeID()
	if set {
		return id.WithBitSet(0)
	}
	return id.WithBitCleared(0)
}

func liveContact(id kuid.KUID) *Contact {
	return NewLiveContact(id, nextAddr(), testEpoch)
}

func TestRouteTableAddAndGet(t *testing.T) {
	rt, _ := newTestTable(t, kuid.RandomNodeID())

	c := liveContact(kuid.RandomNodeID())
	res, err := rt.Add(c)
	require.NoError(t, err)
	assert.Equal(t, AddedLive, res)
	assert.Same(t, c, rt.Get(c.ID()))
	assert.Equal(t, 1, rt.Size())

	res, err = rt.Add(c)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)
	assert.Equal(t, 1, rt.Size())
}

func TestRouteTableRejectsInvalidInput(t *testing.T) {
	rt, _ := newTestTable(t, kuid.RandomNodeID())

	_, err := rt.Add(nil)
	assert.ErrorIs(t, err, dhterr.ErrInvalidArgument)

	valueKeyed := &Contact{id: kuid.ValueIDFromBytes([]byte("x"))}
	_, err = rt.Add(valueKeyed)
	assert.ErrorIs(t, err, dhterr.ErrInvalidArgument)
	assert.Equal(t, 0, rt.Size())
}

func TestRouteTableIgnoresLocalAndFirewalled(t *testing.T) {
	local := kuid.RandomNodeID()
	rt, _ := newTestTable(t, local)

	res, _ := rt.Add(liveContact(local))
	assert.Equal(t, Dropped, res)

	fw := liveContact(kuid.RandomNodeID())
	fw.SetFirewalled(true)
	res, _ = rt.Add(fw)
	assert.Equal(t, Dropped, res)
	assert.Equal(t, 0, rt.Size())
}

func TestRouteTableSplitInvariant(t *testing.T) {
	local := kuid.RandomNodeID()
	rt, _ := newTestTable(t, local)
	k := rt.Config().K

	for i := 0; i < 2000; i++ {
		_, err := rt.Add(liveContact(kuid.RandomNodeID()))
		require.NoError(t, err)
	}

	seen := make(map[[kuid.Length]byte]bool)
	for _, c := range rt.Contacts() {
		key := c.ID().Array()
		assert.False(t, seen[key], "duplicate contact %s", c.ID())
		seen[key] = true
	}

	buckets := rt.Buckets()
	assert.Greater(t, len(buckets), 1, "table should have split")
	for _, b := range buckets {
		assert.LessOrEqual(t, b.Live, k)
	}
	assert.Equal(t, len(seen), rt.Size())
	assert.Greater(t, rt.Stats().Splits, uint64(0))
}

func TestRouteTableReplacementCache(t *testing.T) {
	// With the local ID in the 0 half, the 1 half never splits.
	local := idWithFirstBit(false)
	rt, pinger := newTestTable(t, local)
	cfg := rt.Config()

	members := make([]*Contact, 0, cfg.K)
	for len(members) < cfg.K {
		c := liveContact(idWithFirstBit(true))
		res, err := rt.Add(c)
		require.NoError(t, err)
		require.Equal(t, AddedLive, res)
		members = append(members, c)
	}

	cached := make([]*Contact, 0, cfg.MaxCacheSize)
	for len(cached) < cfg.MaxCacheSize {
		c := liveContact(idWithFirstBit(true))
		res, err := rt.Add(c)
		require.NoError(t, err)
		require.Equal(t, Cached, res)
		cached = append(cached, c)
	}

	overflow := liveContact(idWithFirstBit(true))
	res, err := rt.Add(overflow)
	require.NoError(t, err)
	assert.Equal(t, Cached, res)

	for _, m := range members {
		assert.Same(t, m, rt.Get(m.ID()), "live member must not be evicted")
	}
	assert.Nil(t, rt.Get(cached[0].ID()), "least recently seen cached contact is evicted first")
	for _, c := range cached[1:] {
		assert.NotNil(t, rt.Get(c.ID()))
	}
	assert.NotNil(t, rt.Get(overflow.ID()))

	pinger.mu.Lock()
	assert.NotEmpty(t, pinger.pinged, "least recently seen member should be pinged")
	assert.Same(t, members[0], pinger.pinged[0])
	pinger.mu.Unlock()
}

func TestRouteTableCacheRefreshMovesToFront(t *testing.T) {
	local := idWithFirstBit(false)
	rt, _ := newTestTable(t, local)
	cfg := rt.Config()

	for i := 0; i < cfg.K; i++ {
		rt.Add(liveContact(idWithFirstBit(true)))
	}
	cached := make([]*Contact, 0, cfg.MaxCacheSize)
	for i := 0; i < cfg.MaxCacheSize; i++ {
		c := liveContact(idWithFirstBit(true))
		rt.Add(c)
		cached = append(cached, c)
	}

	// Seeing the oldest cached contact again makes it the newest.
	res, _ := rt.Add(cached[0])
	assert.Equal(t, Updated, res)

	rt.Add(liveContact(idWithFirstBit(true)))
	assert.NotNil(t, rt.Get(cached[0].ID()))
	assert.Nil(t, rt.Get(cached[1].ID()))
}

func TestRouteTableDeadContactReplacedFromCache(t *testing.T) {
	local := idWithFirstBit(false)
	rt, _ := newTestTable(t, local)
	cfg := rt.Config()

	members := make([]*Contact, 0, cfg.K)
	for i := 0; i < cfg.K; i++ {
		c := liveContact(idWithFirstBit(true))
		rt.Add(c)
		members = append(members, c)
	}
	first := liveContact(idWithFirstBit(true))
	second := liveContact(idWithFirstBit(true))
	rt.Add(first)
	rt.Add(second)

	victim := members[3]
	for i := 0; i < cfg.Contact.MaxAliveFailures; i++ {
		rt.HandleFailure(victim.ID(), victim.Addr())
	}

	assert.Nil(t, rt.Get(victim.ID()))
	promoted := rt.Get(second.ID())
	require.NotNil(t, promoted)
	assert.Equal(t, StateUnknown, promoted.State())
	assert.Equal(t, cfg.K, rt.Size())
	assert.Equal(t, uint64(1), rt.Stats().DeadEvicts)
}

func TestRouteTableDeadMemberReplacedByNewcomer(t *testing.T) {
	local := idWithFirstBit(false)
	rt, _ := newTestTable(t, local)
	cfg := rt.Config()

	members := make([]*Contact, 0, cfg.K)
	for i := 0; i < cfg.K; i++ {
		c := liveContact(idWithFirstBit(true))
		rt.Add(c)
		members = append(members, c)
	}

	// No cache entries, so the dead member stays until a newcomer arrives.
	victim := members[0]
	for i := 0; i < cfg.Contact.MaxAliveFailures; i++ {
		rt.HandleFailure(victim.ID(), nil)
	}
	require.True(t, rt.Get(victim.ID()).IsDead())

	newcomer := liveContact(idWithFirstBit(true))
	res, _ := rt.Add(newcomer)
	assert.Equal(t, AddedLive, res)
	assert.Nil(t, rt.Get(victim.ID()))
}

func TestRouteTableFailureFromOtherAddressIgnored(t *testing.T) {
	rt, _ := newTestTable(t, kuid.RandomNodeID())
	c := NewContact(kuid.RandomNodeID(), newMockAddr("9.9.9.9:9"))
	rt.Add(c)

	for i := 0; i < 10; i++ {
		rt.HandleFailure(c.ID(), newMockAddr("8.8.8.8:8"))
	}
	assert.Equal(t, 0, c.Failures())
}

func TestRouteTableSpoofCheck(t *testing.T) {
	tests := []struct {
		name  string
		claim func(id kuid.KUID) *Contact
	}{
		{"unverified contact", func(id kuid.KUID) *Contact { return NewContact(id, newMockAddr("6.6.6.6:6")) }},
		{"inbound request", func(id kuid.KUID) *Contact { return NewLiveContact(id, newMockAddr("6.6.6.6:6"), testEpoch) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, pinger := newTestTable(t, kuid.RandomNodeID())
			id := kuid.RandomNodeID()
			known := NewLiveContact(id, newMockAddr("1.1.1.1:1"), testEpoch)
			rt.Add(known)

			res, err := rt.Add(tt.claim(id))
			require.NoError(t, err)
			assert.Equal(t, Dropped, res)
			assert.Equal(t, "1.1.1.1:1", rt.Get(id).Addr().String())
			assert.True(t, rt.Get(id).IsAlive())
			assert.Equal(t, uint64(1), rt.Stats().Spoofs)

			pinger.mu.Lock()
			require.Len(t, pinger.pinged, 1, "known address should be checked")
			assert.Same(t, known, pinger.pinged[0])
			pinger.mu.Unlock()
		})
	}
}

func TestRouteTableMoveAfterKnownAddressFails(t *testing.T) {
	rt, _ := newTestTable(t, kuid.RandomNodeID())
	id := kuid.RandomNodeID()
	rt.Add(NewLiveContact(id, newMockAddr("1.1.1.1:1"), testEpoch))

	res, _ := rt.Add(NewLiveContact(id, newMockAddr("2.2.2.2:2"), testEpoch))
	require.Equal(t, Dropped, res)

	// The check ping to the old address times out until the contact is dead.
	for i := 0; i < rt.Config().Contact.MaxAliveFailures; i++ {
		rt.HandleFailure(id, newMockAddr("1.1.1.1:1"))
	}
	require.True(t, rt.Get(id).IsDead())

	res, _ = rt.Add(NewLiveContact(id, newMockAddr("2.2.2.2:2"), testEpoch))
	assert.Equal(t, Updated, res)
	assert.Equal(t, "2.2.2.2:2", rt.Get(id).Addr().String())
	assert.True(t, rt.Get(id).IsAlive())
}

func TestRouteTableConsecutiveFailureLimit(t *testing.T) {
	tests := []struct {
		name       string
		limit      int
		rounds     int
		wantUsable int
	}{
		{"limit keeps table usable", 20, 4, 10},
		{"no limit", 0, 4, 0},
		{"below limit", 20, 1, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRouteTableConfig()
			cfg.MaxConsecutiveFailures = tt.limit
			rt := NewRouteTable(NewLiveContact(kuid.RandomNodeID(), nextAddr(), testEpoch), cfg, newTestClock())

			members := make([]*Contact, 0, 10)
			for i := 0; i < 10; i++ {
				c := liveContact(kuid.RandomNodeID())
				rt.Add(c)
				members = append(members, c)
			}

			for r := 0; r < tt.rounds; r++ {
				for _, c := range members {
					rt.HandleFailure(c.ID(), c.Addr())
				}
			}
			assert.Len(t, rt.Select(kuid.RandomNodeID(), 10, true), tt.wantUsable)
		})
	}
}

func TestRouteTableAddResetsFailureLimit(t *testing.T) {
	cfg := DefaultRouteTableConfig()
	cfg.MaxConsecutiveFailures = 2
	rt := NewRouteTable(NewLiveContact(kuid.RandomNodeID(), nextAddr(), testEpoch), cfg, newTestClock())

	victim := liveContact(kuid.RandomNodeID())
	rt.Add(victim)

	rt.HandleFailure(victim.ID(), nil)
	rt.HandleFailure(victim.ID(), nil)
	rt.HandleFailure(victim.ID(), nil)
	assert.Equal(t, 2, victim.Failures(), "failures past the limit are ignored")

	rt.Add(liveContact(kuid.RandomNodeID()))
	rt.HandleFailure(victim.ID(), nil)
	assert.Equal(t, 3, victim.Failures())
}

func TestRouteTableSelect(t *testing.T) {
	rt, _ := newTestTable(t, kuid.RandomNodeID())
	for i := 0; i < 200; i++ {
		rt.Add(liveContact(kuid.RandomNodeID()))
	}

	target := kuid.RandomNodeID()
	selected := rt.Select(target, 20, false)
	require.Len(t, selected, 20)

	for i := 1; i < len(selected); i++ {
		assert.True(t, selected[i-1].ID().IsNearer(selected[i].ID(), target))
	}

	// Nothing outside the selection is nearer than its farthest member.
	farthest := selected[len(selected)-1]
	inSelection := make(map[[kuid.Length]byte]bool)
	for _, c := range selected {
		inSelection[c.ID().Array()] = true
	}
	for _, c := range rt.Contacts() {
		if !inSelection[c.ID().Array()] {
			assert.False(t, c.ID().IsNearer(farthest.ID(), target))
		}
	}

	assert.Empty(t, rt.Select(target, 0, false))
}

func TestRouteTableSelectExcludesDead(t *testing.T) {
	rt, _ := newTestTable(t, kuid.RandomNodeID())
	dead := NewContact(kuid.RandomNodeID(), nextAddr())
	rt.Add(dead)
	rt.Add(liveContact(kuid.RandomNodeID()))

	for i := 0; i < rt.Config().Contact.MaxUnknownFailures; i++ {
		rt.HandleFailure(dead.ID(), nil)
	}

	assert.Len(t, rt.Select(dead.ID(), 10, false), 2)
	live := rt.Select(dead.ID(), 10, true)
	require.Len(t, live, 1)
	assert.False(t, live[0].ID().Equal(dead.ID()))
	assert.Len(t, rt.ActiveContacts(), 1)
}

func TestRouteTableRefreshIDs(t *testing.T) {
	local := kuid.RandomNodeID()
	clock := newTestClock()
	rt := NewRouteTable(NewLiveContact(local, nextAddr(), testEpoch), DefaultRouteTableConfig(), clock)
	for i := 0; i < 500; i++ {
		rt.Add(liveContact(kuid.RandomNodeID()))
	}

	buckets := rt.Buckets()
	forced := rt.RefreshIDs(true)
	assert.Len(t, forced, len(buckets)-1, "every bucket except the local one")

	for _, id := range forced {
		var owner *BucketInfo
		for i := range buckets {
			if buckets[i].Prefix.CommonPrefixLen(id) >= buckets[i].Depth {
				owner = &buckets[i]
			}
		}
		require.NotNil(t, owner)
		assert.Less(t, owner.Prefix.CommonPrefixLen(local), owner.Depth)
	}

	assert.Empty(t, rt.RefreshIDs(false), "nothing is stale yet")

	clock.Advance(rt.Config().RefreshInterval + time.Second)
	assert.Len(t, rt.RefreshIDs(false), len(buckets)-1)
}

func TestRouteTablePurge(t *testing.T) {
	rt, _ := newTestTable(t, kuid.RandomNodeID())
	alive := liveContact(kuid.RandomNodeID())
	unknown := NewContact(kuid.RandomNodeID(), nextAddr())
	rt.Add(alive)
	rt.Add(unknown)

	rt.Purge()
	assert.NotNil(t, rt.Get(alive.ID()))
	assert.Nil(t, rt.Get(unknown.ID()))
}

func TestRouteTableSetLocalNode(t *testing.T) {
	rt, _ := newTestTable(t, kuid.RandomNodeID())
	for i := 0; i < 100; i++ {
		rt.Add(liveContact(kuid.RandomNodeID()))
	}
	before := rt.Size()

	rt.SetLocalNode(NewLiveContact(kuid.RandomNodeID(), nextAddr(), testEpoch))
	assert.LessOrEqual(t, rt.Size(), before)
	assert.Greater(t, rt.Size(), 0)
	for _, b := range rt.Buckets() {
		assert.LessOrEqual(t, b.Live, rt.Config().K)
	}
}

func TestRouteTableConcurrentAccess(t *testing.T) {
	rt, _ := newTestTable(t, kuid.RandomNodeID())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c := liveContact(kuid.RandomNodeID())
				rt.Add(c)
				rt.Select(c.ID(), 10, true)
				if i%7 == 0 {
					rt.Remove(c.ID())
				}
			}
		}()
	}
	wg.Wait()

	for _, b := range rt.Buckets() {
		assert.LessOrEqual(t, b.Live, rt.Config().K)
	}
}
