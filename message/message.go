package message

import (
	"bytes"
	"fmt"

	"github.com/jackpal/bencode-go"

	"github.com/opd-ai/mojito/dhterr"
	"github.com/opd-ai/mojito/kuid"
	"github.com/opd-ai/mojito/limits"
	"github.com/opd-ai/mojito/transport"
)

// Contact describes a node on the wire.
type Contact struct {
	ID         string `bencode:"id"`
	Addr       string `bencode:"addr"`
	Vendor     int64  `bencode:"vendor"`
	Version    int64  `bencode:"version"`
	Instance   int64  `bencode:"instance"`
	Firewalled int64  `bencode:"fw"`
}

// Value is a stored value on the wire.
type Value struct {
	Key         string `bencode:"key"`
	Creator     string `bencode:"creator"`
	CreatorAddr string `bencode:"creator_addr"`
	Value       string `bencode:"value"`
	PublicKey   string `bencode:"pk"`
	Signature   string `bencode:"sig"`
}

// Store results reported per value in a STORE_RESPONSE.
const (
	StoreFailed    int64 = 0
	StoreSucceeded int64 = 1
)

// StoreStatus is the outcome of storing one value.
type StoreStatus struct {
	Key     string `bencode:"key"`
	Creator string `bencode:"creator"`
	Status  int64  `bencode:"status"`
}

// Message is a DHT request or response. The packet type travels in the
// packet header and only the Body is bencoded.
type Message struct {
	Type transport.PacketType
	Body
}

// Body holds the bencoded fields of a message.
type Body struct {
	Tag      string        `bencode:"t"`
	Sender   Contact       `bencode:"s"`
	Size     int64         `bencode:"n"`
	Target   string        `bencode:"target"`
	Token    string        `bencode:"token"`
	Contacts []Contact     `bencode:"contacts"`
	Values   []Value       `bencode:"values"`
	Status   []StoreStatus `bencode:"status"`
}

// TargetID returns the lookup target of a FIND_NODE or FIND_VALUE request.
func (m *Message) TargetID() (kuid.KUID, error) {
	kind := kuid.NodeID
	if m.Type == transport.PacketFindValue {
		kind = kuid.ValueID
	}
	return kuid.New(kind, []byte(m.Target))
}

// IsResponse reports whether the message answers a request.
func (m *Message) IsResponse() bool { return m.Type.IsResponse() }

// Encode bencodes m into a packet of type m.Type.
func Encode(m *Message) (*transport.Packet, error) {
	if !m.Type.IsValid() {
		return nil, fmt.Errorf("%w: packet type %d", dhterr.ErrInvalidArgument, m.Type)
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, m.Body); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return &transport.Packet{PacketType: m.Type, Data: buf.Bytes()}, nil
}

// Decode parses and validates the message carried by packet. Every error
// wraps dhterr.ErrProtocol.
func Decode(packet *transport.Packet) (*Message, error) {
	if err := limits.ValidateMessageSize(packet.Data, limits.MaxProcessingBuffer); err != nil {
		return nil, fmt.Errorf("%w: %v", dhterr.ErrProtocol, err)
	}

	m := Message{Type: packet.PacketType}
	if err := bencode.Unmarshal(bytes.NewReader(packet.Data), &m.Body); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", dhterr.ErrProtocol, packet.PacketType, err)
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", dhterr.ErrProtocol, packet.PacketType, err)
	}
	return &m, nil
}

func (m *Message) validate() error {
	if m.Tag == "" {
		return fmt.Errorf("missing transaction tag")
	}
	if len(m.Sender.ID) != kuid.Length {
		return fmt.Errorf("sender id has %d bytes", len(m.Sender.ID))
	}
	if m.Size < 0 {
		return fmt.Errorf("negative size estimate")
	}
	if len(m.Contacts) > limits.MaxContactsPerResponse {
		return fmt.Errorf("%d contacts", len(m.Contacts))
	}
	if len(m.Values) > limits.MaxValuesPerResponse {
		return fmt.Errorf("%d values", len(m.Values))
	}

	switch m.Type {
	case transport.PacketFindNode, transport.PacketFindValue:
		if len(m.Target) != kuid.Length {
			return fmt.Errorf("target has %d bytes", len(m.Target))
		}
	case transport.PacketStore:
		if len(m.Values) == 0 {
			return fmt.Errorf("no values")
		}
	}

	for _, c := range m.Contacts {
		if len(c.ID) != kuid.Length {
			return fmt.Errorf("contact id has %d bytes", len(c.ID))
		}
	}
	for _, v := range m.Values {
		if len(v.Key) != kuid.Length || len(v.Creator) != kuid.Length {
			return fmt.Errorf("value identifiers have wrong length")
		}
		if err := limits.ValidateValue([]byte(v.Value)); err != nil {
			return err
		}
	}
	for _, s := range m.Status {
		if len(s.Key) != kuid.Length || len(s.Creator) != kuid.Length {
			return fmt.Errorf("status identifiers have wrong length")
		}
	}
	return nil
}

// NewRequest creates a request of type t from sender.
func NewRequest(t transport.PacketType, tag string, sender Contact) *Message {
	return &Message{Type: t, Body: Body{Tag: tag, Sender: sender}}
}

// NewResponse creates the response to req from sender, carrying the
// sender's size estimate.
func NewResponse(req *Message, sender Contact, size int) *Message {
	return &Message{
		Type: req.Type.ResponseType(),
		Body: Body{
			Tag:    req.Tag,
			Sender: sender,
			Size:   int64(size),
		},
	}
}
