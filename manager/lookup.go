package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/opd-ai/mojito/crypto"
	"github.com/opd-ai/mojito/database"
	"github.com/opd-ai/mojito/dht"
	"github.com/opd-ai/mojito/dhterr"
	"github.com/opd-ai/mojito/kuid"
	"github.com/opd-ai/mojito/message"
	"github.com/opd-ai/mojito/rpc"
	"github.com/opd-ai/mojito/transport"
)

// LookupConfig holds the iterative lookup settings.
type LookupConfig struct {
	// Parallel requests in flight per lookup
	Alpha int
	// Number of closest contacts a lookup converges on
	K int
	// Overall deadline of one lookup
	Timeout time.Duration
	// Keep querying the K closest nodes after a value was found
	Exhaustive bool
}

// DefaultLookupConfig returns the default lookup settings.
func DefaultLookupConfig() *LookupConfig {
	return &LookupConfig{
		Alpha:   3,
		K:       20,
		Timeout: 2 * time.Minute,
	}
}

// LookupResult is the outcome of a FIND_NODE or FIND_VALUE lookup.
type LookupResult struct {
	Target kuid.KUID
	// Closest nodes that answered, nearest first
	Contacts []*dht.Contact
	// Security tokens handed out by the nodes in Contacts, by node ID
	Tokens map[[kuid.Length]byte]string
	// Values found by a FIND_VALUE lookup
	Values []*database.KeyValue
	// Nodes that announced the local ID from another address
	Collisions []*dht.Contact
	Hops       int
	Queried    int
	Failures   int
	Elapsed    time.Duration
}

// Token returns the security token c handed out, if any.
func (r *LookupResult) Token(c *dht.Contact) (string, bool) {
	t, ok := r.Tokens[c.ID().Array()]
	return t, ok
}

// LookupManager runs iterative lookups.
type LookupManager struct {
	dispatcher rpc.MessageDispatcher
	rt         dht.RouteTable
	config     *LookupConfig
	clock      crypto.TimeProvider
}

// NewLookupManager creates a lookup manager.
func NewLookupManager(d rpc.MessageDispatcher, rt dht.RouteTable, config *LookupConfig, clock crypto.TimeProvider) *LookupManager {
	if config == nil {
		config = DefaultLookupConfig()
	}
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}
	return &LookupManager{dispatcher: d, rt: rt, config: config, clock: clock}
}

// Config returns the lookup settings.
func (m *LookupManager) Config() *LookupConfig { return m.config }

// FindNode returns the K closest live nodes to target.
func (m *LookupManager) FindNode(ctx context.Context, target kuid.KUID) (*LookupResult, error) {
	return m.run(ctx, transport.PacketFindNode, target.WithKind(kuid.NodeID))
}

// FindValue looks up the values stored under key. It stops at the first
// node returning values unless the lookup is exhaustive.
func (m *LookupManager) FindValue(ctx context.Context, key kuid.KUID) (*LookupResult, error) {
	if key.Kind() != kuid.ValueID {
		return nil, fmt.Errorf("%w: key %s has kind %s", dhterr.ErrInvalidArgument, key.Hex(), key.Kind())
	}
	return m.run(ctx, transport.PacketFindValue, key)
}

func (m *LookupManager) run(ctx context.Context, kind transport.PacketType, target kuid.KUID) (*LookupResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", dhterr.ErrCancelled, err)
	}

	lctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	l := newLookup(lctx, m, kind, target)
	stop := context.AfterFunc(lctx, func() { l.Act(nil, l.expire) })
	defer stop()

	m.rt.Touch(target)
	l.Act(nil, l.start)
	<-l.done

	if ctx.Err() != nil {
		return l.result, fmt.Errorf("%w: lookup %s: %v", dhterr.ErrCancelled, target.Hex(), ctx.Err())
	}
	return l.result, nil
}

type candidateState uint8

const (
	candidateNew candidateState = iota
	candidateQueried
	candidateResponded
	candidateFailed
)

type candidate struct {
	contact *dht.Contact
	state   candidateState
	hop     int
	token   string
}

// lookup owns the shortlist of one lookup. All state is touched only from
// its inbox.
type lookup struct {
	phony.Inbox

	ctx    context.Context
	m      *LookupManager
	kind   transport.PacketType
	target kuid.KUID
	local  *dht.Contact
	start0 time.Time

	shortlist []*candidate
	seen      map[[kuid.Length]byte]*candidate
	values    []*database.KeyValue
	valueSeen map[string]struct{}
	collide   []*dht.Contact
	active    int
	queried   int
	failures  int
	finished  bool

	result *LookupResult
	done   chan struct{}
}

func newLookup(ctx context.Context, m *LookupManager, kind transport.PacketType, target kuid.KUID) *lookup {
	return &lookup{
		ctx:       ctx,
		m:         m,
		kind:      kind,
		target:    target,
		local:     m.rt.LocalNode(),
		start0:    m.clock.Now(),
		seen:      make(map[[kuid.Length]byte]*candidate),
		valueSeen: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

func (l *lookup) start() {
	for _, c := range l.m.rt.Select(l.target, l.m.config.K, true) {
		l.consider(c, 0)
	}
	logrus.WithFields(logrus.Fields{
		"function": "lookup.start",
		"type":     l.kind.String(),
		"target":   l.target.Hex(),
		"seeds":    len(l.shortlist),
	}).Debug("Starting lookup")
	l.step()
}

// consider merges c into the shortlist. A node seen again before it was
// queried takes the most recently observed address.
func (l *lookup) consider(c *dht.Contact, hop int) {
	if l.local != nil && c.ID().Equal(l.local.ID()) {
		return
	}
	if existing, ok := l.seen[c.ID().Array()]; ok {
		if existing.state == candidateNew && !existing.contact.SameAddr(c.Addr()) {
			existing.contact = c
		}
		return
	}

	cand := &candidate{contact: c, hop: hop}
	l.seen[c.ID().Array()] = cand
	pos, _ := slices.BinarySearchFunc(l.shortlist, cand, func(a, b *candidate) int {
		if dht.CloserTo(l.target, a.contact, b.contact) {
			return -1
		}
		if dht.CloserTo(l.target, b.contact, a.contact) {
			return 1
		}
		return 0
	})
	l.shortlist = slices.Insert(l.shortlist, pos, cand)
}

// step issues requests to the closest unqueried candidates and finishes
// the lookup once the K closest live candidates have all answered.
func (l *lookup) step() {
	if l.finished {
		return
	}
	if l.ctx.Err() != nil {
		l.finish()
		return
	}
	if l.kind == transport.PacketFindValue && len(l.values) > 0 && !l.m.config.Exhaustive {
		l.finish()
		return
	}

	closest := 0
	pendingInWindow := false
	for _, cand := range l.shortlist {
		if closest >= l.m.config.K {
			break
		}
		if cand.state == candidateFailed {
			continue
		}
		closest++

		switch cand.state {
		case candidateQueried:
			pendingInWindow = true
		case candidateNew:
			pendingInWindow = true
			if l.active < l.m.config.Alpha {
				l.query(cand)
			}
		}
	}

	if !pendingInWindow && l.active == 0 {
		l.finish()
	}
}

func (l *lookup) query(cand *candidate) {
	cand.state = candidateQueried
	l.active++
	l.queried++

	req := l.m.dispatcher.NewRequest(l.kind)
	req.Target = string(l.target.Bytes())

	err := l.m.dispatcher.Send(l.ctx, cand.contact, req,
		func(resp *message.Message, from *dht.Contact, _ time.Duration) {
			l.Act(nil, func() { l.handleResponse(cand, resp) })
		},
		func(err error) {
			l.Act(nil, func() { l.handleFailure(cand, err) })
		})
	if err != nil {
		cand.state = candidateFailed
		l.active--
		l.failures++
		logrus.WithFields(logrus.Fields{
			"function": "lookup.query",
			"to":       cand.contact.String(),
			"error":    err.Error(),
		}).Debug("Lookup request not sent")
	}
}

func (l *lookup) handleResponse(cand *candidate, resp *message.Message) {
	l.active--
	if l.finished {
		return
	}
	cand.state = candidateResponded
	cand.token = resp.Token

	now := l.m.clock.Now()
	for _, v := range resp.Values {
		kv, err := v.ToKeyValue(cand.contact.ID(), now)
		if err != nil || kv.IsEmpty() {
			continue
		}
		sig := string(kv.Key.Bytes()) + string(kv.Creator.Bytes()) + string(kv.Value)
		if _, dup := l.valueSeen[sig]; dup {
			continue
		}
		l.valueSeen[sig] = struct{}{}
		l.values = append(l.values, kv)
	}

	for _, wc := range resp.Contacts {
		c, err := wc.ToContact(l.m.dispatcher.ResolveAddr, nil)
		if err != nil {
			continue
		}
		if l.local != nil && c.ID().Equal(l.local.ID()) {
			if !c.SameAddr(l.m.dispatcher.LocalAddr()) {
				l.collide = append(l.collide, c)
			}
			continue
		}
		if c.IsFirewalled() {
			continue
		}
		if _, err := l.m.rt.Add(c); err == nil {
			if known := l.m.rt.Get(c.ID()); known != nil {
				c = known
			}
		}
		l.consider(c, cand.hop+1)
	}

	l.step()
}

func (l *lookup) handleFailure(cand *candidate, err error) {
	l.active--
	cand.state = candidateFailed
	if !errors.Is(err, dhterr.ErrCancelled) {
		l.failures++
	}
	l.step()
}

func (l *lookup) expire() {
	if !l.finished {
		l.finish()
	}
}

func (l *lookup) finish() {
	l.finished = true

	r := &LookupResult{
		Target:     l.target,
		Tokens:     make(map[[kuid.Length]byte]string),
		Values:     l.values,
		Collisions: l.collide,
		Queried:    l.queried,
		Failures:   l.failures,
		Elapsed:    l.m.clock.Since(l.start0),
	}
	for _, cand := range l.shortlist {
		if cand.state != candidateResponded {
			continue
		}
		if len(r.Contacts) < l.m.config.K {
			r.Contacts = append(r.Contacts, cand.contact)
			if cand.token != "" {
				r.Tokens[cand.contact.ID().Array()] = cand.token
			}
		}
		if cand.hop > r.Hops {
			r.Hops = cand.hop
		}
	}
	l.result = r

	logrus.WithFields(logrus.Fields{
		"function": "lookup.finish",
		"type":     l.kind.String(),
		"target":   l.target.Hex(),
		"found":    len(r.Contacts),
		"values":   len(r.Values),
		"queried":  r.Queried,
		"failures": r.Failures,
		"hops":     r.Hops,
		"elapsed":  r.Elapsed,
	}).Debug("Lookup finished")

	close(l.done)
}
