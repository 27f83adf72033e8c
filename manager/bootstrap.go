package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/opd-ai/mojito/crypto"
	"github.com/opd-ai/mojito/dht"
	"github.com/opd-ai/mojito/dhterr"
	"github.com/opd-ai/mojito/kuid"
)

// BootstrapError tells which bootstrap phase failed and against what.
type BootstrapError struct {
	Phase string
	Node  string
	Cause error
}

func (e *BootstrapError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("bootstrap %s failed: %v", e.Phase, e.Cause)
	}
	return fmt.Sprintf("bootstrap %s failed for %s: %v", e.Phase, e.Node, e.Cause)
}

func (e *BootstrapError) Unwrap() error { return e.Cause }

// BootstrapConfig holds bootstrap settings.
type BootstrapConfig struct {
	// Rounds over the seed list after the first one
	SeedRetries uint64
	// First pause between seed rounds
	InitialBackoff time.Duration
	// Longest pause between seed rounds
	MaxBackoff time.Duration
	// Lookup failures in phase two that trigger a purge and one retry
	MaxBootstrapFailures int
	// Refresh lookups in flight during phase two
	RefreshParallelism int
}

// DefaultBootstrapConfig returns the default bootstrap settings.
func DefaultBootstrapConfig() *BootstrapConfig {
	return &BootstrapConfig{
		SeedRetries:          2,
		InitialBackoff:       500 * time.Millisecond,
		MaxBackoff:           5 * time.Second,
		MaxBootstrapFailures: 10,
		RefreshParallelism:   3,
	}
}

// BootstrapResult reports what a bootstrap achieved.
type BootstrapResult struct {
	// Whether any node was found
	Found bool
	// Seed that answered, nil when bootstrapping from the routing table
	Seed *dht.Contact
	// Closest nodes to the local ID after phase one
	Contacts []*dht.Contact
	// The local ID collided with another node and was replaced
	IDChanged bool
	// Phase two failed too often and the routing table was purged
	Purged    bool
	PhaseOne  time.Duration
	PhaseTwo  time.Duration
	Elapsed   time.Duration
	Refreshed int
}

// BootstrapManager joins the local node to the network. Concurrent calls
// share one bootstrap.
type BootstrapManager struct {
	rt      dht.RouteTable
	lookups *LookupManager
	ping    *PingManager
	config  *BootstrapConfig
	clock   crypto.TimeProvider
	group   singleflight.Group
}

// NewBootstrapManager creates a bootstrap manager.
func NewBootstrapManager(rt dht.RouteTable, lookups *LookupManager, ping *PingManager, config *BootstrapConfig, clock crypto.TimeProvider) *BootstrapManager {
	if config == nil {
		config = DefaultBootstrapConfig()
	}
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}
	return &BootstrapManager{rt: rt, lookups: lookups, ping: ping, config: config, clock: clock}
}

// Bootstrap pings the seeds until one answers, looks up the local ID and
// then refreshes every bucket. Without seeds the routing table must hold
// contacts, otherwise dhterr.ErrNoBootstrapHost is returned. When seeds
// exist but none answers the error wraps dhterr.ErrBootstrapFailed.
func (b *BootstrapManager) Bootstrap(ctx context.Context, seeds ...net.Addr) (*BootstrapResult, error) {
	v, err, shared := b.group.Do("bootstrap", func() (interface{}, error) {
		return b.bootstrap(ctx, seeds)
	})
	if shared {
		logrus.WithFields(logrus.Fields{
			"function": "BootstrapManager.Bootstrap",
		}).Debug("Joined running bootstrap")
	}
	if err != nil {
		return nil, err
	}
	return v.(*BootstrapResult), nil
}

func (b *BootstrapManager) bootstrap(ctx context.Context, seeds []net.Addr) (*BootstrapResult, error) {
	start := b.clock.Now()
	result := &BootstrapResult{}

	if len(seeds) == 0 {
		if len(b.rt.ActiveContacts()) == 0 {
			return nil, &BootstrapError{Phase: "seed", Cause: dhterr.ErrNoBootstrapHost}
		}
	} else {
		seed, err := b.pingSeeds(ctx, seeds)
		if err != nil {
			return nil, &BootstrapError{Phase: "seed", Node: joinAddrs(seeds), Cause: err}
		}
		result.Seed = seed
	}

	phaseOne := b.clock.Now()
	lookup, err := b.lookups.FindNode(ctx, b.rt.LocalNode().ID())
	if err != nil {
		return nil, &BootstrapError{Phase: "lookup", Cause: err}
	}
	if len(lookup.Collisions) > 0 {
		b.changeID(lookup.Collisions[0])
		result.IDChanged = true
		if lookup, err = b.lookups.FindNode(ctx, b.rt.LocalNode().ID()); err != nil {
			return nil, &BootstrapError{Phase: "lookup", Cause: err}
		}
	}
	result.PhaseOne = b.clock.Since(phaseOne)
	result.Contacts = lookup.Contacts

	if len(lookup.Contacts) == 0 {
		return nil, &BootstrapError{Phase: "lookup", Cause: fmt.Errorf("%w: no node answered", dhterr.ErrBootstrapFailed)}
	}
	result.Found = true

	phaseTwo := b.clock.Now()
	refreshed, failures, err := b.refresh(ctx, b.rt.RefreshIDs(true))
	if err == nil && failures > b.config.MaxBootstrapFailures {
		b.rt.Purge()
		result.Purged = true
		var more int
		more, _, err = b.refresh(ctx, b.rt.RefreshIDs(true))
		refreshed += more
	}
	if err != nil {
		return nil, &BootstrapError{Phase: "refresh", Cause: err}
	}
	result.Refreshed = refreshed
	result.PhaseTwo = b.clock.Since(phaseTwo)
	result.Elapsed = b.clock.Since(start)

	logrus.WithFields(logrus.Fields{
		"function":   "BootstrapManager.bootstrap",
		"found":      len(result.Contacts),
		"table_size": b.rt.Size(),
		"id_changed": result.IDChanged,
		"purged":     result.Purged,
		"elapsed":    result.Elapsed,
	}).Info("Bootstrap finished")
	return result, nil
}

// pingSeeds pings each seed in turn, retrying the whole list with
// exponential backoff, and returns the first node that answered.
func (b *BootstrapManager) pingSeeds(ctx context.Context, seeds []net.Addr) (*dht.Contact, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.config.InitialBackoff
	bo.MaxInterval = b.config.MaxBackoff
	bo.MaxElapsedTime = 0

	var found *dht.Contact
	op := func() error {
		for _, addr := range seeds {
			c, err := b.ping.Ping(ctx, addr)
			if err == nil {
				found = c
				return nil
			}
			if errors.Is(err, dhterr.ErrCancelled) {
				return backoff.Permanent(err)
			}
			logrus.WithFields(logrus.Fields{
				"function": "BootstrapManager.pingSeeds",
				"seed":     addr.String(),
				"error":    err.Error(),
			}).Debug("Seed did not answer")
		}
		return fmt.Errorf("%w: no seed answered", dhterr.ErrBootstrapFailed)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, b.config.SeedRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil && !errors.Is(err, dhterr.ErrCancelled) {
			return nil, fmt.Errorf("%w: %v", dhterr.ErrCancelled, ctx.Err())
		}
		return nil, err
	}
	return found, nil
}

// Refresh looks up a random ID in every bucket due for refresh, or in every
// bucket when force is set, and returns the number of lookups run.
func (b *BootstrapManager) Refresh(ctx context.Context, force bool) (int, error) {
	n, _, err := b.refresh(ctx, b.rt.RefreshIDs(force))
	return n, err
}

func (b *BootstrapManager) refresh(ctx context.Context, ids []kuid.KUID) (int, int, error) {
	var mu sync.Mutex
	failures := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.config.RefreshParallelism)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			r, err := b.lookups.FindNode(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			failures += r.Failures
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, failures, err
	}
	return len(ids), failures, nil
}

// changeID replaces the local ID after another node was found using it.
func (b *BootstrapManager) changeID(other *dht.Contact) {
	old := b.rt.LocalNode()
	fresh := dht.NewLiveContact(kuid.RandomNodeID(), old.Addr(), b.clock.Now())
	fresh.SetVendorVersion(old.Vendor(), old.Version())
	fresh.SetInstanceID(old.InstanceID())
	fresh.SetFirewalled(old.IsFirewalled())
	b.rt.SetLocalNode(fresh)

	logrus.WithFields(logrus.Fields{
		"function": "BootstrapManager.changeID",
		"old_id":   old.ID().Hex(),
		"new_id":   fresh.ID().Hex(),
		"other":    other.Addr(),
	}).Warn("Local node ID collision, picked a new ID")
}

func joinAddrs(addrs []net.Addr) string {
	s := make([]string, 0, len(addrs))
	for _, a := range addrs {
		s = append(s, a.String())
	}
	return strings.Join(s, ",")
}
