package mojito

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mojito/crypto"
	"github.com/opd-ai/mojito/database"
	"github.com/opd-ai/mojito/dht"
	"github.com/opd-ai/mojito/dhterr"
	"github.com/opd-ai/mojito/kuid"
)

// SnapshotVersion is the format version written by Save.
const SnapshotVersion = 1

var snapshotMagic = [4]byte{'M', 'J', 'T', 'O'}

const (
	snapshotFirewalled = 0x01

	// Entries larger than this are rejected as corrupt.
	maxEntrySize = 1 << 20
)

// Snapshot layout (big endian):
//
//	[4]  magic "MJTO"
//	u8   format version
//	i64  save time, unix nanoseconds
//	u32  vendor
//	u16  version
//	[20] node ID
//	u8   instance ID
//	u8   flags (bit 0: firewalled)
//	u8   1 when a contact section follows
//	     contact entries, then a zero length
//	u8   1 when a value section follows
//	     value entries (database record format), then a zero length
//	u8   1 when the signing key follows
//	[32] ed25519 seed
//
// Every entry is a u32 length followed by that many bytes. A contact entry
// holds [20] ID, u32 vendor, u16 version, u8 instance, u8 flags (bit 0:
// firewalled), u16 length and the address. Restored contacts start out
// UNKNOWN.

type savedContact struct {
	id         kuid.KUID
	addr       string
	vendor     dht.Vendor
	version    uint16
	instance   uint8
	firewalled bool
}

// Save writes the node identity, the live contacts of the routing table,
// the database and, when a local value is signed, the signing key to w.
func (c *Context) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	local := c.rt.LocalNode()

	var flags byte
	if local.IsFirewalled() {
		flags |= snapshotFirewalled
	}
	bw.Write(snapshotMagic[:])
	bw.WriteByte(SnapshotVersion)
	binary.Write(bw, binary.BigEndian, c.clock.Now().UnixNano())
	binary.Write(bw, binary.BigEndian, uint32(local.Vendor()))
	binary.Write(bw, binary.BigEndian, local.Version())
	bw.Write(local.ID().Bytes())
	bw.WriteByte(local.InstanceID())
	bw.WriteByte(flags)

	contacts := c.rt.ActiveContacts()
	bw.WriteByte(1)
	for _, ct := range contacts {
		writeEntry(bw, encodeContact(ct))
	}
	writeEntry(bw, nil)

	values := c.db.Values()
	signedLocal := false
	bw.WriteByte(1)
	for _, kv := range values {
		if kv.IsEmpty() {
			continue
		}
		var buf bytes.Buffer
		if err := database.WriteRecord(&buf, kv); err != nil {
			return fmt.Errorf("encode value %s: %w", kv.Key.Hex(), err)
		}
		writeEntry(bw, buf.Bytes())
		if kv.Local && kv.IsSigned() {
			signedLocal = true
		}
	}
	writeEntry(bw, nil)

	kp := c.KeyPair()
	if signedLocal && kp != nil {
		bw.WriteByte(1)
		bw.Write(kp.Private[:])
	} else {
		bw.WriteByte(0)
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	crypto.NewPackageLogger("mojito", "Context.Save").WithFields(logrus.Fields{
		"node_id":  local.ID().Hex(),
		"contacts": len(contacts),
		"values":   len(values),
		"key":      signedLocal && kp != nil,
	}).Info("Saved DHT state")
	return nil
}

// SaveFile writes a snapshot to path, replacing it atomically.
func (c *Context) SaveFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := c.Save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Load restores a snapshot written by Save. The node keeps the saved ID
// and bumps its instance ID, unless the snapshot is older than
// StaleThreshold: then the node takes a fresh random ID, the saved
// contacts and remote values are dropped, and only locally originated
// values are kept, re-signed under the new ID.
func (c *Context) Load(r io.Reader) error {
	s, err := readSnapshot(bufio.NewReader(r))
	if err != nil {
		crypto.NewPackageLogger("mojito", "Context.Load").
			WithCaller().
			WithError(err, "load_snapshot").
			Warn("Rejected snapshot")
		return err
	}

	age := c.clock.Now().Sub(s.saved)
	stale := age > c.options.StaleThreshold

	c.mu.Lock()
	defer c.mu.Unlock()

	if s.keyPair != nil {
		c.keyPair = s.keyPair
		c.ownsKey = true
	}

	addr := c.rt.LocalNode().Addr()
	var local *dht.Contact
	if stale {
		local = newLocalContact(c.options, kuid.RandomNodeID(), addr, 0)
	} else {
		local = newLocalContact(c.options, s.id, addr, s.instance+1)
		local.SetVendorVersion(s.vendor, s.version)
		local.SetFirewalled(s.flags&snapshotFirewalled != 0)
	}
	id := local.ID()
	c.rt.SetLocalNode(local)

	restored := 0
	for _, kv := range s.values {
		if stale {
			if !kv.Local {
				continue
			}
			if err := c.adoptLocked(kv, id); err != nil {
				return err
			}
		}
		if err := c.db.Restore(kv); err != nil {
			return err
		}
		restored++
	}

	if !stale {
		if c.net != nil {
			c.addContactsLocked(s.contacts)
		} else {
			c.restored = append(c.restored, s.contacts...)
		}
	}

	log := crypto.NewPackageLogger("mojito", "Context.Load").WithFields(logrus.Fields{
		"node_id":  id.Hex(),
		"age":      age,
		"stale":    stale,
		"contacts": len(s.contacts),
		"values":   restored,
	})
	if s.keyPair != nil {
		log = log.WithFields(crypto.SecureFieldHash(s.keyPair.Public[:], "public_key"))
	}
	log.Info("Loaded DHT state")
	return nil
}

// LoadFile restores the snapshot at path.
func (c *Context) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.Load(f)
}

// adoptLocked moves a local value to a new node ID so it is republished
// under the current identity.
func (c *Context) adoptLocked(kv *database.KeyValue, id kuid.KUID) error {
	kv.Creator = id
	kv.Sender = id
	kv.LastPublished = time.Time{}
	kv.Locations = 0
	if addr := c.rt.LocalNode().Addr(); addr != nil {
		kv.CreatorAddr = addr.String()
	}
	if !kv.IsSigned() {
		return nil
	}
	if c.keyPair == nil {
		kv.PublicKey, kv.Signature = nil, nil
		return nil
	}
	return kv.Sign(c.keyPair)
}

func (c *Context) addContactsLocked(contacts []savedContact) {
	if c.net == nil {
		return
	}
	for _, s := range contacts {
		addr, err := c.net.dispatcher.ResolveAddr(s.addr)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Context.addContactsLocked",
				"addr":     s.addr,
				"error":    err.Error(),
			}).Debug("Skipped saved contact")
			continue
		}
		ct := dht.NewContact(s.id, addr)
		ct.SetVendorVersion(s.vendor, s.version)
		ct.SetInstanceID(s.instance)
		ct.SetFirewalled(s.firewalled)
		c.rt.Add(ct)
	}
}

type snapshot struct {
	saved    time.Time
	vendor   dht.Vendor
	version  uint16
	id       kuid.KUID
	instance uint8
	flags    byte
	contacts []savedContact
	values   []*database.KeyValue
	keyPair  *crypto.KeyPair
}

func readSnapshot(r *bufio.Reader) (*snapshot, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, corrupt(err)
	}
	if magic != snapshotMagic {
		return nil, fmt.Errorf("%w: not a snapshot", dhterr.ErrProtocol)
	}
	version, err := r.ReadByte()
	if err != nil {
		return nil, corrupt(err)
	}
	if version != SnapshotVersion {
		return nil, fmt.Errorf("%w: unsupported snapshot version %d", dhterr.ErrProtocol, version)
	}

	s := &snapshot{}
	var header struct {
		Saved    int64
		Vendor   uint32
		Version  uint16
		ID       [kuid.Length]byte
		Instance uint8
		Flags    uint8
	}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, corrupt(err)
	}
	s.saved = time.Unix(0, header.Saved)
	s.vendor = dht.Vendor(header.Vendor)
	s.version = header.Version
	s.id = kuid.FromArray(kuid.NodeID, header.ID)
	s.instance = header.Instance
	s.flags = header.Flags

	if err := readSection(r, func(b []byte) error {
		ct, err := decodeContact(b)
		if err != nil {
			return err
		}
		s.contacts = append(s.contacts, ct)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := readSection(r, func(b []byte) error {
		kv, err := database.ReadRecord(bytes.NewReader(b))
		if err != nil {
			return corrupt(err)
		}
		s.values = append(s.values, kv)
		return nil
	}); err != nil {
		return nil, err
	}

	hasKey, err := r.ReadByte()
	if err != nil {
		return nil, corrupt(err)
	}
	if hasKey == 1 {
		var seed [32]byte
		if _, err := io.ReadFull(r, seed[:]); err != nil {
			return nil, corrupt(err)
		}
		if s.keyPair, err = crypto.FromSecretKey(seed); err != nil {
			return nil, fmt.Errorf("%w: %v", dhterr.ErrProtocol, err)
		}
	}
	return s, nil
}

// readSection reads the presence byte and, when set, entries up to the
// zero length sentinel.
func readSection(r *bufio.Reader, fn func([]byte) error) error {
	present, err := r.ReadByte()
	if err != nil {
		return corrupt(err)
	}
	if present == 0 {
		return nil
	}
	for {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return corrupt(err)
		}
		if n == 0 {
			return nil
		}
		if n > maxEntrySize {
			return fmt.Errorf("%w: snapshot entry of %d bytes", dhterr.ErrProtocol, n)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return corrupt(err)
		}
		if err := fn(b); err != nil {
			return err
		}
	}
}

func writeEntry(w *bufio.Writer, b []byte) {
	binary.Write(w, binary.BigEndian, uint32(len(b)))
	w.Write(b)
}

func encodeContact(c *dht.Contact) []byte {
	var flags byte
	if c.IsFirewalled() {
		flags |= snapshotFirewalled
	}
	addr := ""
	if a := c.Addr(); a != nil {
		addr = a.String()
	}

	var buf bytes.Buffer
	buf.Write(c.ID().Bytes())
	binary.Write(&buf, binary.BigEndian, uint32(c.Vendor()))
	binary.Write(&buf, binary.BigEndian, c.Version())
	buf.WriteByte(c.InstanceID())
	buf.WriteByte(flags)
	binary.Write(&buf, binary.BigEndian, uint16(len(addr)))
	buf.WriteString(addr)
	return buf.Bytes()
}

func decodeContact(b []byte) (savedContact, error) {
	r := bytes.NewReader(b)
	var fixed struct {
		ID       [kuid.Length]byte
		Vendor   uint32
		Version  uint16
		Instance uint8
		Flags    uint8
		AddrLen  uint16
	}
	if err := binary.Read(r, binary.BigEndian, &fixed); err != nil {
		return savedContact{}, corrupt(err)
	}
	addr := make([]byte, fixed.AddrLen)
	if _, err := io.ReadFull(r, addr); err != nil {
		return savedContact{}, corrupt(err)
	}
	return savedContact{
		id:         kuid.FromArray(kuid.NodeID, fixed.ID),
		addr:       string(addr),
		vendor:     dht.Vendor(fixed.Vendor),
		version:    fixed.Version,
		instance:   fixed.Instance,
		firewalled: fixed.Flags&snapshotFirewalled != 0,
	}, nil
}

// corrupt maps a short read to a protocol error.
func corrupt(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated snapshot", dhterr.ErrProtocol)
	}
	return err
}
