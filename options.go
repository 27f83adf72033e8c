package mojito

import (
	"fmt"
	"time"

	"github.com/opd-ai/mojito/crypto"
	"github.com/opd-ai/mojito/database"
	"github.com/opd-ai/mojito/dht"
	"github.com/opd-ai/mojito/dhterr"
	"github.com/opd-ai/mojito/manager"
	"github.com/opd-ai/mojito/rpc"
	"github.com/opd-ai/mojito/transport"
)

// RouteTableFactory builds the routing table of a new Context.
type RouteTableFactory func(local *dht.Contact, config *dht.RouteTableConfig, clock crypto.TimeProvider) dht.RouteTable

// DispatcherFactory builds the message dispatcher when a Context is bound.
type DispatcherFactory func(tr transport.Transport, rt dht.RouteTable, estimator rpc.SizeEstimator, handler rpc.RequestHandler) rpc.MessageDispatcher

// Options contains configuration options for creating a Context.
type Options struct {
	// Announced implementation and protocol version
	Vendor  dht.Vendor
	Version uint16
	// Announce the local node as firewalled so peers never route to it
	Firewalled bool

	RouteTable  *dht.RouteTableConfig
	Estimator   *dht.EstimatorConfig
	Database    *database.Config
	RPC         *rpc.Config
	Lookup      *manager.LookupConfig
	Store       *manager.StoreConfig
	Bootstrap   *manager.BootstrapConfig
	Maintenance *dht.MaintenanceConfig

	// Directory of the goleveldb value store; empty keeps values in memory
	DatabasePath string
	// A snapshot older than this is loaded under a fresh node ID
	StaleThreshold time.Duration
	// Deadline applied to blocking calls whose context has none
	OperationTimeout time.Duration

	// Alternate routing table and dispatcher implementations
	NewRouteTable RouteTableFactory
	NewDispatcher DispatcherFactory

	Clock crypto.TimeProvider
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		Vendor:           dht.DefaultVendor,
		Version:          1,
		RouteTable:       dht.DefaultRouteTableConfig(),
		Estimator:        dht.DefaultEstimatorConfig(),
		Database:         database.DefaultConfig(),
		RPC:              rpc.DefaultConfig(),
		Lookup:           manager.DefaultLookupConfig(),
		Store:            manager.DefaultStoreConfig(),
		Bootstrap:        manager.DefaultBootstrapConfig(),
		Maintenance:      dht.DefaultMaintenanceConfig(),
		StaleThreshold:   24 * time.Hour,
		OperationTimeout: 3 * time.Minute,
		Clock:            crypto.DefaultTimeProvider{},
	}
}

// Validate fills unset sections with defaults and rejects values the DHT
// cannot run with.
func (o *Options) Validate() error {
	defaults := NewOptions()
	if o.RouteTable == nil {
		o.RouteTable = defaults.RouteTable
	}
	if o.RouteTable.Contact == nil {
		o.RouteTable.Contact = dht.DefaultContactConfig()
	}
	if o.Estimator == nil {
		o.Estimator = defaults.Estimator
	}
	if o.Database == nil {
		o.Database = defaults.Database
	}
	if o.RPC == nil {
		o.RPC = defaults.RPC
	}
	if o.Lookup == nil {
		o.Lookup = defaults.Lookup
	}
	if o.Store == nil {
		o.Store = defaults.Store
	}
	if o.Bootstrap == nil {
		o.Bootstrap = defaults.Bootstrap
	}
	if o.Maintenance == nil {
		o.Maintenance = defaults.Maintenance
	}
	if o.Clock == nil {
		o.Clock = defaults.Clock
	}

	checks := []struct {
		ok   bool
		what string
	}{
		{o.RouteTable.K > 0, "bucket size must be positive"},
		{o.RouteTable.MaxCacheSize >= 0, "replacement cache size must not be negative"},
		{o.RouteTable.MaxConsecutiveFailures >= 0, "consecutive failure limit must not be negative"},
		{o.RouteTable.Contact.MaxAliveFailures > 0, "alive failure threshold must be positive"},
		{o.RouteTable.Contact.MaxUnknownFailures > 0, "unknown failure threshold must be positive"},
		{o.RouteTable.Contact.MaxTimeout > 0, "contact timeout must be positive"},
		{o.Lookup.Alpha > 0, "lookup parallelism must be positive"},
		{o.Lookup.K > 0, "lookup result size must be positive"},
		{o.Lookup.Timeout > 0, "lookup timeout must be positive"},
		{o.Store.Parallelism > 0, "store parallelism must be positive"},
		{o.RPC.Workers > 0, "dispatcher workers must be positive"},
		{o.RPC.TagLength >= 8, "transaction tags must be at least 8 characters"},
		{o.Database.MaxValuesPerKey > 0, "values per key must be positive"},
		{o.Database.ExpirationTime > 0, "value expiration must be positive"},
		{o.Bootstrap.RefreshParallelism > 0, "refresh parallelism must be positive"},
		{o.StaleThreshold > 0, "stale threshold must be positive"},
		{o.OperationTimeout > 0, "operation timeout must be positive"},
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("%w: %s", dhterr.ErrInvalidArgument, c.what)
		}
	}
	return nil
}
