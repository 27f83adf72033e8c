package message

import (
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/mojito/database"
	"github.com/opd-ai/mojito/dht"
	"github.com/opd-ai/mojito/kuid"
)

// AddrResolver turns a wire address into a net.Addr.
type AddrResolver func(addr string) (net.Addr, error)

// FromContact describes c on the wire.
func FromContact(c *dht.Contact) Contact {
	var addr string
	if a := c.Addr(); a != nil {
		addr = a.String()
	}
	var fw int64
	if c.IsFirewalled() {
		fw = 1
	}
	return Contact{
		ID:         string(c.ID().Bytes()),
		Addr:       addr,
		Vendor:     int64(c.Vendor()),
		Version:    int64(c.Version()),
		Instance:   int64(c.InstanceID()),
		Firewalled: fw,
	}
}

// FromContacts describes every contact in cs.
func FromContacts(cs []*dht.Contact) []Contact {
	out := make([]Contact, 0, len(cs))
	for _, c := range cs {
		out = append(out, FromContact(c))
	}
	return out
}

// NodeID returns the identifier of the described contact.
func (c Contact) NodeID() (kuid.KUID, error) {
	return kuid.New(kuid.NodeID, []byte(c.ID))
}

// ToContact creates an UNKNOWN contact from the description. When addr is
// non-nil it replaces the announced address.
func (c Contact) ToContact(resolve AddrResolver, addr net.Addr) (*dht.Contact, error) {
	id, err := c.NodeID()
	if err != nil {
		return nil, err
	}
	if addr == nil {
		if addr, err = resolve(c.Addr); err != nil {
			return nil, fmt.Errorf("contact %s address %q: %w", id, c.Addr, err)
		}
	}

	contact := dht.NewContact(id, addr)
	contact.SetVendorVersion(dht.Vendor(c.Vendor), uint16(c.Version))
	contact.SetInstanceID(uint8(c.Instance))
	contact.SetFirewalled(c.Firewalled != 0)
	return contact, nil
}

// ToContacts converts the described contacts, skipping undecodable ones.
func ToContacts(cs []Contact, resolve AddrResolver) []*dht.Contact {
	out := make([]*dht.Contact, 0, len(cs))
	for _, c := range cs {
		contact, err := c.ToContact(resolve, nil)
		if err != nil {
			continue
		}
		out = append(out, contact)
	}
	return out
}

// FromKeyValue describes kv on the wire.
func FromKeyValue(kv *database.KeyValue) Value {
	return Value{
		Key:         string(kv.Key.Bytes()),
		Creator:     string(kv.Creator.Bytes()),
		CreatorAddr: kv.CreatorAddr,
		Value:       string(kv.Value),
		PublicKey:   string(kv.PublicKey),
		Signature:   string(kv.Signature),
	}
}

// FromKeyValues describes every value in kvs.
func FromKeyValues(kvs []*database.KeyValue) []Value {
	out := make([]Value, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, FromKeyValue(kv))
	}
	return out
}

// ToKeyValue creates a remote KeyValue delivered by sender at now.
func (v Value) ToKeyValue(sender kuid.KUID, now time.Time) (*database.KeyValue, error) {
	key, err := kuid.New(kuid.ValueID, []byte(v.Key))
	if err != nil {
		return nil, err
	}
	creator, err := kuid.New(kuid.NodeID, []byte(v.Creator))
	if err != nil {
		return nil, err
	}
	return &database.KeyValue{
		Key:         key,
		Value:       []byte(v.Value),
		Creator:     creator,
		CreatorAddr: v.CreatorAddr,
		Sender:      sender,
		PublicKey:   bytesOrNil(v.PublicKey),
		Signature:   bytesOrNil(v.Signature),
		Created:     now,
	}, nil
}

// Status reports the outcome for kv.
func Status(kv *database.KeyValue, ok bool) StoreStatus {
	s := StoreFailed
	if ok {
		s = StoreSucceeded
	}
	return StoreStatus{
		Key:     string(kv.Key.Bytes()),
		Creator: string(kv.Creator.Bytes()),
		Status:  s,
	}
}

func bytesOrNil(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}
