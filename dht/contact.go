package dht

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/mojito/kuid"
)

// State is the liveness state of a contact.
type State uint8

const (
	// StateUnknown is a contact that has never answered us.
	StateUnknown State = iota
	// StateAlive is a contact whose last RPC succeeded.
	StateAlive
	// StateDead is a contact that failed too many consecutive RPCs.
	StateDead
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAlive:
		return "ALIVE"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// ContactConfig drives the liveness state machine and the adaptive timeout.
type ContactConfig struct {
	// Consecutive failures after which a contact that has been alive before is dead
	MaxAliveFailures int
	// Consecutive failures after which a contact that never answered is dead
	MaxUnknownFailures int
	// Upper bound and fallback for the per-contact RPC timeout
	MaxTimeout time.Duration
	// Multiplier applied to the measured RTT
	RTTFactor int
}

// DefaultContactConfig returns the default liveness settings.
func DefaultContactConfig() *ContactConfig {
	return &ContactConfig{
		MaxAliveFailures:   4,
		MaxUnknownFailures: 2,
		MaxTimeout:         10 * time.Second,
		RTTFactor:          3,
	}
}

// DeadThreshold returns the failure count at which a contact becomes dead.
// Contacts that have been alive before get the larger allowance.
func (c *ContactConfig) DeadThreshold(hasBeenAlive bool) int {
	if hasBeenAlive {
		return c.MaxAliveFailures
	}
	return c.MaxUnknownFailures
}

// Vendor identifies the implementation a contact runs.
type Vendor uint32

// DefaultVendor is the vendor code this implementation announces ("MOJO").
const DefaultVendor Vendor = 0x4D4F4A4F

// String renders the vendor as its four ASCII characters.
func (v Vendor) String() string {
	b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	return string(b)
}

// Contact is a remote (or the local) participant of the DHT.
//
// The identifier is fixed for the lifetime of a Contact; everything else is
// updated as RPCs succeed and fail, so accessors take the contact lock.
type Contact struct {
	id kuid.KUID

	mu           sync.RWMutex
	addr         net.Addr
	vendor       Vendor
	version      uint16
	instanceID   uint8
	firewalled   bool
	state        State
	failures     int
	hasBeenAlive bool
	lastAlive    time.Time
	lastFailed   time.Time
	rtt          time.Duration
}

// NewContact creates a contact in the UNKNOWN state.
func NewContact(id kuid.KUID, addr net.Addr) *Contact {
	return &Contact{
		id:     id.WithKind(kuid.NodeID),
		addr:   addr,
		vendor: DefaultVendor,
		state:  StateUnknown,
	}
}

// NewLiveContact creates a contact that just answered us at now.
func NewLiveContact(id kuid.KUID, addr net.Addr, now time.Time) *Contact {
	c := NewContact(id, addr)
	c.state = StateAlive
	c.hasBeenAlive = true
	c.lastAlive = now
	return c
}

// ID returns the node identifier.
func (c *Contact) ID() kuid.KUID { return c.id }

// Addr returns the network address.
func (c *Contact) Addr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// SetAddr changes the network address.
func (c *Contact) SetAddr(addr net.Addr) {
	c.mu.Lock()
	c.addr = addr
	c.mu.Unlock()
}

// Vendor returns the vendor code.
func (c *Contact) Vendor() Vendor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vendor
}

// Version returns the protocol version.
func (c *Contact) Version() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// SetVendorVersion sets the vendor and protocol version.
func (c *Contact) SetVendorVersion(v Vendor, version uint16) {
	c.mu.Lock()
	c.vendor = v
	c.version = version
	c.mu.Unlock()
}

// InstanceID returns the generation counter of the remote process.
func (c *Contact) InstanceID() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instanceID
}

// SetInstanceID sets the generation counter.
func (c *Contact) SetInstanceID(id uint8) {
	c.mu.Lock()
	c.instanceID = id
	c.mu.Unlock()
}

// IsFirewalled reports whether the contact cannot accept unsolicited traffic.
func (c *Contact) IsFirewalled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.firewalled
}

// SetFirewalled sets the firewalled flag.
func (c *Contact) SetFirewalled(firewalled bool) {
	c.mu.Lock()
	c.firewalled = firewalled
	c.mu.Unlock()
}

// State returns the liveness state.
func (c *Contact) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsAlive reports whether the contact is in the ALIVE state.
func (c *Contact) IsAlive() bool { return c.State() == StateAlive }

// IsDead reports whether the contact is in the DEAD state.
func (c *Contact) IsDead() bool { return c.State() == StateDead }

// HasBeenAlive reports whether the contact ever answered.
func (c *Contact) HasBeenAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasBeenAlive
}

// Failures returns the number of consecutive failures.
func (c *Contact) Failures() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failures
}

// LastAlive returns the time of the last successful contact.
func (c *Contact) LastAlive() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastAlive
}

// LastFailed returns the time of the last failed attempt.
func (c *Contact) LastFailed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFailed
}

// RTT returns the last observed round-trip time, or 0 when unknown.
func (c *Contact) RTT() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rtt
}

// SetRTT records an observed round-trip time.
func (c *Contact) SetRTT(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	c.mu.Lock()
	c.rtt = rtt
	c.mu.Unlock()
}

// RecordSuccess marks the contact alive and resets the failure counter.
func (c *Contact) RecordSuccess(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateAlive
	c.hasBeenAlive = true
	c.failures = 0
	c.lastAlive = now
}

// RecordFailure counts a failed RPC and returns the resulting state.
func (c *Contact) RecordFailure(now time.Time, cfg *ContactConfig) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.lastFailed = now
	if c.failures >= cfg.DeadThreshold(c.hasBeenAlive) {
		c.state = StateDead
	}
	return c.state
}

// Unknown resets the contact to the UNKNOWN state with no failures. Used
// when a cached contact is promoted into a bucket.
func (c *Contact) Unknown() {
	c.mu.Lock()
	c.state = StateUnknown
	c.failures = 0
	c.mu.Unlock()
}

// AdaptiveTimeout returns the RPC timeout for this contact:
// min(MaxTimeout, RTTFactor*rtt + failures*rtt) when the RTT is known and
// the contact is not dead, MaxTimeout otherwise.
func (c *Contact) AdaptiveTimeout(cfg *ContactConfig) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.rtt <= 0 || c.state == StateDead {
		return cfg.MaxTimeout
	}

	timeout := time.Duration(cfg.RTTFactor)*c.rtt + time.Duration(c.failures)*c.rtt
	if timeout > cfg.MaxTimeout {
		return cfg.MaxTimeout
	}
	return timeout
}

// Merge copies the descriptive fields of a freshly observed contact with the
// same ID. When fresh came from a live message the contact is marked alive
// and takes over the RTT.
func (c *Contact) Merge(fresh *Contact, now time.Time) {
	if c == fresh {
		return
	}

	fresh.mu.RLock()
	addr, vendor, version := fresh.addr, fresh.vendor, fresh.version
	instanceID, firewalled := fresh.instanceID, fresh.firewalled
	alive, rtt := fresh.state == StateAlive, fresh.rtt
	fresh.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if addr != nil {
		c.addr = addr
	}
	c.vendor = vendor
	c.version = version
	c.instanceID = instanceID
	c.firewalled = firewalled
	if rtt > 0 {
		c.rtt = rtt
	}
	if alive {
		c.state = StateAlive
		c.hasBeenAlive = true
		c.failures = 0
		c.lastAlive = now
	}
}

// SameAddr reports whether the contact lives at addr.
func (c *Contact) SameAddr(addr net.Addr) bool {
	cur := c.Addr()
	if cur == nil || addr == nil {
		return cur == addr
	}
	return cur.String() == addr.String()
}

// String implements fmt.Stringer.
func (c *Contact) String() string {
	return fmt.Sprintf("%s (%v, %s)", c.id.Hex(), c.Addr(), c.State())
}
