package database

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mojito/crypto"
	"github.com/opd-ai/mojito/dhterr"
	"github.com/opd-ai/mojito/kuid"
	"github.com/opd-ai/mojito/limits"
)

// Config holds the value store settings.
type Config struct {
	// Maximum number of remote values kept under one key
	MaxValuesPerKey int
	// Maximum number of remote values kept in total
	MaxDatabaseSize int
	// Lifetime of a remotely stored value since it was last stored
	ExpirationTime time.Duration
	// Base republish interval for local values
	RepublishInterval time.Duration
	// Lower bound for the per-value republish interval
	MinRepublishInterval time.Duration
	// Replication factor, used to scale the republish interval
	K int
	// Optional key whose signatures are trusted for every value
	MasterKey *[32]byte
}

// DefaultConfig returns the default value store settings.
func DefaultConfig() *Config {
	return &Config{
		MaxValuesPerKey:      5,
		MaxDatabaseSize:      16384,
		ExpirationTime:       60 * time.Minute,
		RepublishInterval:    30 * time.Minute,
		MinRepublishInterval: 2 * time.Minute,
		K:                    20,
	}
}

// Stats counts what the database did with incoming values.
type Stats struct {
	Stored   int
	Rejected int
	Removed  int
	Expired  int
	Count    int
}

// Database is the node's value store. Values are grouped in bags by key,
// one value per creator. It is safe for concurrent use.
type Database struct {
	mu      sync.Mutex
	config  *Config
	storage Storage
	clock   crypto.TimeProvider
	stats   Stats
}

// New creates a database on top of storage. A nil storage selects an
// in-memory backend.
func New(config *Config, storage Storage, clock crypto.TimeProvider) *Database {
	if config == nil {
		config = DefaultConfig()
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}
	return &Database{
		config:  config,
		storage: storage,
		clock:   clock,
	}
}

// Config returns the database settings.
func (d *Database) Config() *Config { return d.config }

// IsTrustworthy reports whether kv carries a valid signature. With a master
// key configured only master signatures count, otherwise the value's own
// public key is used.
func (d *Database) IsTrustworthy(kv *KeyValue) bool {
	if !kv.IsSigned() {
		return false
	}
	if d.config.MasterKey != nil {
		return kv.VerifyWith(*d.config.MasterKey)
	}
	return kv.VerifyOwn()
}

// Put stores kv, or removes the value it addresses when kv is empty. It
// returns false with an error wrapping dhterr.ErrStoreConflict when the
// trust rules reject the write, and false without error when an empty
// value addresses nothing.
func (d *Database) Put(kv *KeyValue) (bool, error) {
	if kv == nil {
		return false, fmt.Errorf("%w: nil value", dhterr.ErrInvalidArgument)
	}
	if kv.Key.Kind() != kuid.ValueID {
		return false, fmt.Errorf("%w: key %s has kind %s", dhterr.ErrInvalidArgument, kv.Key.Hex(), kv.Key.Kind())
	}
	if err := limits.ValidateValue(kv.Value); err != nil {
		return false, fmt.Errorf("%w: %v", dhterr.ErrInvalidArgument, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.storage.Lookup(kv.Key, kv.Creator)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", kv.Key.Hex(), err)
	}

	if kv.IsEmpty() {
		return d.removeLocked(kv, existing)
	}

	if reason := d.rejectLocked(kv, existing); reason != "" {
		d.stats.Rejected++
		logrus.WithFields(logrus.Fields{
			"function": "Database.Put",
			"key":      kv.Key.Hex(),
			"creator":  kv.Creator.Hex(),
			"reason":   reason,
		}).Debug("Rejected value")
		return false, fmt.Errorf("%w: %s", dhterr.ErrStoreConflict, reason)
	}

	stored := kv.Clone()
	if !stored.Local {
		stored.Created = d.clock.Now()
	} else if stored.Created.IsZero() {
		stored.Created = d.clock.Now()
	}
	if err := d.storage.Put(stored); err != nil {
		return false, fmt.Errorf("store %s: %w", kv.Key.Hex(), err)
	}
	d.stats.Stored++

	logrus.WithFields(logrus.Fields{
		"function": "Database.Put",
		"key":      kv.Key.Hex(),
		"creator":  kv.Creator.Hex(),
		"local":    kv.Local,
		"size":     len(kv.Value),
	}).Debug("Stored value")
	return true, nil
}

func (d *Database) rejectLocked(kv, existing *KeyValue) string {
	if existing == nil {
		if kv.Local {
			return ""
		}
		bag, err := d.storage.Get(kv.Key)
		if err != nil {
			return err.Error()
		}
		if len(bag) >= d.config.MaxValuesPerKey {
			return "too many values for key"
		}
		count, err := d.storage.Count()
		if err != nil {
			return err.Error()
		}
		if count >= d.config.MaxDatabaseSize {
			return "database full"
		}
		return ""
	}

	if existing.Local && !kv.Local {
		return "local value cannot be replaced remotely"
	}
	if !kv.Local && existing.IsDirect() && !kv.IsDirect() {
		return "indirect store cannot replace direct store"
	}
	if d.IsTrustworthy(existing) && !d.sameSigner(existing, kv) {
		return "value is signed by another key"
	}
	return ""
}

// sameSigner reports whether next is trustworthy and signed by the key that
// signed prev.
func (d *Database) sameSigner(prev, next *KeyValue) bool {
	if !d.IsTrustworthy(next) {
		return false
	}
	if d.config.MasterKey != nil {
		return true
	}
	return string(prev.PublicKey) == string(next.PublicKey)
}

func (d *Database) removeLocked(kv, existing *KeyValue) (bool, error) {
	if existing == nil {
		return false, nil
	}

	var reason string
	switch {
	case existing.Local && !kv.Local:
		reason = "local value cannot be removed remotely"
	case !kv.Local && !kv.IsDirect():
		reason = "only the creator may remove a value"
	case d.IsTrustworthy(existing) && !kv.Local && !d.sameSigner(existing, kv):
		reason = "removal is not signed by the value's key"
	}
	if reason != "" {
		d.stats.Rejected++
		return false, fmt.Errorf("%w: %s", dhterr.ErrStoreConflict, reason)
	}

	if err := d.storage.Delete(kv.Key, kv.Creator); err != nil {
		return false, fmt.Errorf("remove %s: %w", kv.Key.Hex(), err)
	}
	d.stats.Removed++

	logrus.WithFields(logrus.Fields{
		"function": "Database.Put",
		"key":      kv.Key.Hex(),
		"creator":  kv.Creator.Hex(),
	}).Debug("Removed value")
	return true, nil
}

// Restore writes a value read back from a snapshot as is, keeping its
// timestamps. Trust rules and limits are not applied.
func (d *Database) Restore(kv *KeyValue) error {
	if kv == nil || kv.Key.Kind() != kuid.ValueID {
		return fmt.Errorf("%w: restore needs a value key", dhterr.ErrInvalidArgument)
	}
	if kv.IsEmpty() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.storage.Put(kv.Clone()); err != nil {
		return fmt.Errorf("restore %s: %w", kv.Key.Hex(), err)
	}
	return nil
}

// Get returns copies of every non-empty value stored under key.
func (d *Database) Get(key kuid.KUID) []*KeyValue {
	d.mu.Lock()
	defer d.mu.Unlock()

	bag, err := d.storage.Get(key.WithKind(kuid.ValueID))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Database.Get",
			"key":      key.Hex(),
			"error":    err.Error(),
		}).Error("Failed to read values")
		return nil
	}

	out := make([]*KeyValue, 0, len(bag))
	for _, kv := range bag {
		if !kv.IsEmpty() {
			out = append(out, kv.Clone())
		}
	}
	return out
}

// Lookup returns a copy of the value stored under key by creator, or nil.
func (d *Database) Lookup(key, creator kuid.KUID) *KeyValue {
	d.mu.Lock()
	defer d.mu.Unlock()

	kv, err := d.storage.Lookup(key.WithKind(kuid.ValueID), creator)
	if err != nil || kv == nil {
		return nil
	}
	return kv.Clone()
}

// Values returns copies of all stored values.
func (d *Database) Values() []*KeyValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filterLocked(func(*KeyValue) bool { return true })
}

// LocalValues returns copies of the values originated by this node.
func (d *Database) LocalValues() []*KeyValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filterLocked(func(kv *KeyValue) bool { return kv.Local && !kv.IsEmpty() })
}

// Expire purges remote values older than ExpirationTime and returns how
// many were removed. Local values never expire.
func (d *Database) Expire() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	expired := d.filterLocked(func(kv *KeyValue) bool {
		return !kv.Local && now.Sub(kv.Created) >= d.config.ExpirationTime
	})
	for _, kv := range expired {
		if err := d.storage.Delete(kv.Key, kv.Creator); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Database.Expire",
				"key":      kv.Key.Hex(),
				"error":    err.Error(),
			}).Warn("Failed to delete expired value")
			continue
		}
		d.stats.Expired++
	}

	if len(expired) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Database.Expire",
			"expired":  len(expired),
		}).Info("Expired remote values")
	}
	return len(expired)
}

// RepublishDelay returns how long after its last publication kv is due
// again. Values stored on many nodes are republished less often.
func (d *Database) RepublishDelay(kv *KeyValue) time.Duration {
	delay := d.config.RepublishInterval
	if d.config.K > 0 && kv.Locations > 0 {
		delay = time.Duration(kv.Locations) * d.config.RepublishInterval / time.Duration(d.config.K)
	}
	if delay < d.config.MinRepublishInterval {
		delay = d.config.MinRepublishInterval
	}
	return delay
}

// ValuesToRepublish returns local values that were never published or whose
// republish delay has passed.
func (d *Database) ValuesToRepublish() []*KeyValue {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	return d.filterLocked(func(kv *KeyValue) bool {
		if !kv.Local || kv.IsEmpty() {
			return false
		}
		return kv.LastPublished.IsZero() || now.Sub(kv.LastPublished) >= d.RepublishDelay(kv)
	})
}

// MarkPublished records a publication of the local value under key and
// the number of nodes that accepted it.
func (d *Database) MarkPublished(key, creator kuid.KUID, locations int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kv, err := d.storage.Lookup(key.WithKind(kuid.ValueID), creator)
	if err != nil || kv == nil {
		return
	}
	updated := kv.Clone()
	updated.LastPublished = d.clock.Now()
	updated.Locations = locations
	if err := d.storage.Put(updated); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Database.MarkPublished",
			"key":      key.Hex(),
			"error":    err.Error(),
		}).Warn("Failed to record publication")
	}
}

// Count returns the number of stored values.
func (d *Database) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.storage.Count()
	if err != nil {
		return 0
	}
	return n
}

// Stats returns a snapshot of the database counters.
func (d *Database) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stats
	s.Count, _ = d.storage.Count()
	return s
}

// Clear drops every stored value.
func (d *Database) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	all, err := d.storage.All()
	if err != nil {
		return err
	}
	for _, kv := range all {
		if err := d.storage.Delete(kv.Key, kv.Creator); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the storage backend.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.storage.Close()
}

func (d *Database) filterLocked(keep func(*KeyValue) bool) []*KeyValue {
	all, err := d.storage.All()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Database.filterLocked",
			"error":    err.Error(),
		}).Error("Failed to scan values")
		return nil
	}

	var out []*KeyValue
	for _, kv := range all {
		if keep(kv) {
			out = append(out, kv.Clone())
		}
	}
	return out
}
