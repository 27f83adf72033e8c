package mojito

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mojito/crypto"
	"github.com/opd-ai/mojito/database"
	"github.com/opd-ai/mojito/dht"
	"github.com/opd-ai/mojito/dhterr"
	"github.com/opd-ai/mojito/kuid"
	"github.com/opd-ai/mojito/manager"
	"github.com/opd-ai/mojito/rpc"
	"github.com/opd-ai/mojito/transport"
)

// network holds everything that exists only while a Context is bound.
type network struct {
	transport  transport.Transport
	dispatcher rpc.MessageDispatcher
	lookups    *manager.LookupManager
	store      *manager.StoreManager
	ping       *manager.PingManager
	bootstrap  *manager.BootstrapManager
}

// Context is one DHT node. It owns the routing table and the value
// database and, once bound, the dispatcher and managers working on them.
type Context struct {
	options   *Options
	clock     crypto.TimeProvider
	rt        dht.RouteTable
	db        *database.Database
	estimator *dht.SizeEstimator
	tokens    *crypto.TokenProvider

	mu         sync.RWMutex
	net        *network
	maintainer *dht.Maintainer
	running    bool
	keyPair    *crypto.KeyPair
	ownsKey    bool
	restored   []savedContact

	// Cancelled by Stop to abort operations in flight
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an unbound Context with a random node ID.
func New(options *Options) (*Context, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}

	storage, err := openStorage(options.DatabasePath)
	if err != nil {
		return nil, err
	}
	tokens, err := crypto.NewTokenProvider()
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("create token provider: %w", err)
	}

	local := newLocalContact(options, kuid.RandomNodeID(), nil, 0)
	var rt dht.RouteTable
	if options.NewRouteTable != nil {
		rt = options.NewRouteTable(local, options.RouteTable, options.Clock)
	} else {
		rt = dht.NewRouteTable(local, options.RouteTable, options.Clock)
	}

	c := &Context{
		options:   options,
		clock:     options.Clock,
		rt:        rt,
		db:        database.New(options.Database, storage, options.Clock),
		estimator: dht.NewSizeEstimator(options.Estimator, options.Clock),
		tokens:    tokens,
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"node_id":  local.ID().Hex(),
		"storage":  options.DatabasePath,
	}).Info("Created DHT context")
	return c, nil
}

func openStorage(path string) (database.Storage, error) {
	if path == "" {
		return database.NewMemoryStorage(), nil
	}
	s, err := database.OpenLevelStorage(path)
	if err != nil {
		return nil, fmt.Errorf("open value store %s: %w", path, err)
	}
	return s, nil
}

func newLocalContact(options *Options, id kuid.KUID, addr net.Addr, instance uint8) *dht.Contact {
	local := dht.NewLiveContact(id, addr, options.Clock.Now())
	local.SetVendorVersion(options.Vendor, options.Version)
	local.SetInstanceID(instance)
	local.SetFirewalled(options.Firewalled)
	return local
}

// Bind opens a UDP socket on addr and binds the Context to it.
func (c *Context) Bind(addr string) error {
	tr, err := transport.NewUDPTransport(addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := c.BindTransport(tr); err != nil {
		tr.Close()
		return err
	}
	return nil
}

// BindTransport binds the Context to an already open transport. The
// Context owns tr afterwards and closes it on Stop.
func (c *Context) BindTransport(tr transport.Transport) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.net != nil {
		return fmt.Errorf("%w: already bound to %s", dhterr.ErrAlreadyRunning, c.net.transport.LocalAddr())
	}

	c.rt.LocalNode().SetAddr(tr.LocalAddr())

	handler := rpc.NewHandler(c.rt, c.db, c.tokens, c.clock, c.options.RouteTable.K)
	var d rpc.MessageDispatcher
	if c.options.NewDispatcher != nil {
		d = c.options.NewDispatcher(tr, c.rt, c.estimator, handler)
	} else {
		d = rpc.NewDispatcher(c.options.RPC, tr, c.rt, c.options.RouteTable.Contact, c.estimator, handler, c.clock)
	}

	lookups := manager.NewLookupManager(d, c.rt, c.options.Lookup, c.clock)
	ping := manager.NewPingManager(d)
	n := &network{
		transport:  tr,
		dispatcher: d,
		lookups:    lookups,
		store:      manager.NewStoreManager(d, lookups, c.db, c.options.Store),
		ping:       ping,
		bootstrap:  manager.NewBootstrapManager(c.rt, lookups, ping, c.options.Bootstrap, c.clock),
	}
	if p, ok := c.rt.(interface{ SetContactPinger(dht.ContactPinger) }); ok {
		p.SetContactPinger(ping.CheckLiveness)
	}

	c.net = n
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.addContactsLocked(c.restored)
	c.restored = nil

	logrus.WithFields(logrus.Fields{
		"function": "Context.BindTransport",
		"node_id":  c.rt.LocalNode().ID().Hex(),
		"addr":     tr.LocalAddr().String(),
	}).Info("Bound DHT context")
	return nil
}

// Start launches the periodic maintenance: bucket refresh, republishing
// of local values, expiry of remote values and token rotation.
func (c *Context) Start() error {
	c.mu.Lock()
	if c.net == nil {
		c.mu.Unlock()
		return dhterr.ErrNotBound
	}
	if c.running {
		c.mu.Unlock()
		return dhterr.ErrAlreadyRunning
	}
	c.maintainer = dht.NewMaintainer(c.options.Maintenance, dht.MaintenanceTasks{
		RefreshBuckets: c.refreshBuckets,
		Republish:      c.republish,
		ExpireValues:   func() { c.db.Expire() },
		RotateTokens:   c.rotateTokens,
	})
	c.running = true
	m := c.maintainer
	c.mu.Unlock()

	return m.Start()
}

// Stop halts maintenance, fails every pending request with
// dhterr.ErrCancelled and closes the transport. The Context may be bound
// again afterwards.
func (c *Context) Stop() {
	c.mu.Lock()
	m := c.maintainer
	n := c.net
	cancel := c.cancel
	c.maintainer = nil
	c.net = nil
	c.cancel = nil
	c.running = false
	c.mu.Unlock()

	if m != nil {
		m.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if n != nil {
		n.dispatcher.Close()
		n.transport.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Context.Stop",
		"node_id":  c.rt.LocalNode().ID().Hex(),
	}).Info("Stopped DHT context")
}

// Close stops the Context and closes its value store. A signing key
// restored from a snapshot is wiped.
func (c *Context) Close() error {
	c.Stop()

	c.mu.Lock()
	if c.ownsKey && c.keyPair != nil {
		c.keyPair.Wipe()
		c.keyPair = nil
		c.ownsKey = false
	}
	c.mu.Unlock()

	return c.db.Close()
}

// IsRunning reports whether maintenance is running.
func (c *Context) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// IsBound reports whether the Context has a transport.
func (c *Context) IsBound() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.net != nil
}

// LocalNode returns the local contact.
func (c *Context) LocalNode() *dht.Contact { return c.rt.LocalNode() }

// LocalAddr returns the bound address, or nil.
func (c *Context) LocalAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.net == nil {
		return nil
	}
	return c.net.transport.LocalAddr()
}

// RouteTable returns the routing table.
func (c *Context) RouteTable() dht.RouteTable { return c.rt }

// Database returns the value database.
func (c *Context) Database() *database.Database { return c.db }

// KeyPair returns the key pair that signed local values, or nil.
func (c *Context) KeyPair() *crypto.KeyPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keyPair
}

// Size returns the estimated number of nodes in the DHT.
func (c *Context) Size() int { return c.estimator.Size(c.rt) }

// begin checks the Context is bound and derives the operation context:
// cancelled by Stop, and bounded by OperationTimeout unless ctx already
// has a deadline.
func (c *Context) begin(ctx context.Context) (context.Context, context.CancelFunc, *network, error) {
	c.mu.RLock()
	n, root := c.net, c.ctx
	c.mu.RUnlock()
	if n == nil {
		return nil, nil, nil, dhterr.ErrNotBound
	}

	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); ok {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, c.options.OperationTimeout)
	}
	stop := context.AfterFunc(root, cancel)
	return ctx, func() {
		stop()
		cancel()
	}, n, nil
}

func (c *Context) resolve(n *network, addrs []string) ([]net.Addr, error) {
	out := make([]net.Addr, 0, len(addrs))
	for _, a := range addrs {
		addr, err := n.dispatcher.ResolveAddr(a)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve %s: %v", dhterr.ErrInvalidArgument, a, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Bootstrap joins the network through the given seed addresses, or through
// the routing table when no seed is given.
func (c *Context) Bootstrap(ctx context.Context, seeds ...string) (*manager.BootstrapResult, error) {
	ctx, done, n, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	addrs, err := c.resolve(n, seeds)
	if err != nil {
		return nil, err
	}
	return n.bootstrap.Bootstrap(ctx, addrs...)
}

// Ping pings the node at addr and returns its contact.
func (c *Context) Ping(ctx context.Context, addr string) (*dht.Contact, error) {
	ctx, done, n, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	addrs, err := c.resolve(n, []string{addr})
	if err != nil {
		return nil, err
	}
	return n.ping.Ping(ctx, addrs[0])
}

// Put stores value under key locally and on the nodes closest to key,
// signing it with signer when one is given. It reports whether the value
// was accepted locally or by at least one remote node; a value rejected
// by the local trust rules yields false without error. An empty value
// removes what the local node published under key.
func (c *Context) Put(ctx context.Context, key kuid.KUID, value []byte, signer *crypto.KeyPair) (bool, error) {
	if key.Kind() != kuid.ValueID {
		return false, fmt.Errorf("%w: key %s has kind %s", dhterr.ErrInvalidArgument, key.Hex(), key.Kind())
	}
	ctx, done, n, err := c.begin(ctx)
	if err != nil {
		return false, err
	}
	defer done()

	local := c.rt.LocalNode()
	kv := database.NewLocalValue(key, value, local.ID(), n.transport.LocalAddr().String(), c.clock.Now())
	if signer != nil {
		if err := kv.Sign(signer); err != nil {
			return false, err
		}
		c.mu.Lock()
		if c.ownsKey && c.keyPair != nil && c.keyPair != signer {
			c.keyPair.Wipe()
		}
		c.keyPair = signer
		c.ownsKey = false
		c.mu.Unlock()
		crypto.NewPackageLogger("mojito", "Context.Put").
			WithFields(crypto.SecureFieldHash(signer.Public[:], "public_key")).
			Debug("Signed value")
	}

	accepted, err := c.db.Put(kv)
	if errors.Is(err, dhterr.ErrStoreConflict) {
		logrus.WithFields(logrus.Fields{
			"function": "Context.Put",
			"key":      key.Hex(),
			"error":    err.Error(),
		}).Warn("Local store rejected value")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	result, err := n.store.Store(ctx, kv)
	if err != nil {
		return accepted, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Context.Put",
		"key":       key.Hex(),
		"size":      len(value),
		"locations": result.Locations(),
		"failed":    len(result.Failed),
	}).Info("Published value")
	return accepted || result.Locations() > 0, nil
}

// Remove publishes an empty value under key, which removes the value the
// local node stored there from every node that accepts the removal.
func (c *Context) Remove(ctx context.Context, key kuid.KUID) (bool, error) {
	var signer *crypto.KeyPair
	if existing := c.db.Lookup(key, c.rt.LocalNode().ID()); existing != nil && existing.IsSigned() {
		signer = c.KeyPair()
	}
	return c.Put(ctx, key, nil, signer)
}

// Get returns the values stored under key, locally and on the network. A
// key nobody stored yields an empty result. Signed values whose signature
// does not verify are dropped.
func (c *Context) Get(ctx context.Context, key kuid.KUID) ([]*database.KeyValue, error) {
	if key.Kind() != kuid.ValueID {
		return nil, fmt.Errorf("%w: key %s has kind %s", dhterr.ErrInvalidArgument, key.Hex(), key.Kind())
	}
	ctx, done, n, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	values := c.db.Get(key)
	seen := make(map[[kuid.Length]byte]struct{}, len(values))
	for _, kv := range values {
		seen[kv.Creator.Array()] = struct{}{}
	}

	result, err := n.lookups.FindValue(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, kv := range result.Values {
		if _, dup := seen[kv.Creator.Array()]; dup {
			continue
		}
		if kv.IsSigned() && !c.db.IsTrustworthy(kv) {
			logrus.WithFields(logrus.Fields{
				"function": "Context.Get",
				"key":      key.Hex(),
				"creator":  kv.Creator.Hex(),
			}).Warn("Dropped value with invalid signature")
			continue
		}
		seen[kv.Creator.Array()] = struct{}{}
		values = append(values, kv)
	}
	return values, nil
}

func (c *Context) bound() *network {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.net
}

func (c *Context) refreshBuckets(ctx context.Context) {
	n := c.bound()
	if n == nil {
		return
	}
	count, err := n.bootstrap.Refresh(ctx, false)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Context.refreshBuckets",
			"error":    err.Error(),
		}).Warn("Bucket refresh failed")
		return
	}
	if count > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Context.refreshBuckets",
			"buckets":  count,
		}).Debug("Refreshed buckets")
	}
}

func (c *Context) republish(ctx context.Context) {
	n := c.bound()
	if n == nil {
		return
	}
	for _, kv := range c.db.ValuesToRepublish() {
		if ctx.Err() != nil {
			return
		}
		if _, err := n.store.Store(ctx, kv); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Context.republish",
				"key":      kv.Key.Hex(),
				"error":    err.Error(),
			}).Warn("Republish failed")
		}
	}
}

func (c *Context) rotateTokens() {
	if err := c.tokens.Rotate(); err != nil {
		crypto.NewPackageLogger("mojito", "Context.rotateTokens").
			WithError(err, "rotate_tokens").
			Error("Token rotation failed")
	}
}
