package transport

import (
	"errors"
	"fmt"

	"github.com/opd-ai/mojito/limits"
)

// PacketType identifies the message carried by a packet.
type PacketType byte

const (
	PacketPing PacketType = iota + 1
	PacketPong
	PacketFindNode
	PacketFindNodeResponse
	PacketFindValue
	PacketFindValueResponse
	PacketStore
	PacketStoreResponse
)

var packetTypeNames = map[PacketType]string{
	PacketPing:              "PING",
	PacketPong:              "PONG",
	PacketFindNode:          "FIND_NODE",
	PacketFindNodeResponse:  "FIND_NODE_RESPONSE",
	PacketFindValue:         "FIND_VALUE",
	PacketFindValueResponse: "FIND_VALUE_RESPONSE",
	PacketStore:             "STORE",
	PacketStoreResponse:     "STORE_RESPONSE",
}

// String returns the protocol name of the packet type.
func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PacketType(%d)", byte(t))
}

// IsValid reports whether t is a known packet type.
func (t PacketType) IsValid() bool {
	_, ok := packetTypeNames[t]
	return ok
}

// IsResponse reports whether t answers a request.
func (t PacketType) IsResponse() bool {
	switch t {
	case PacketPong, PacketFindNodeResponse, PacketFindValueResponse, PacketStoreResponse:
		return true
	}
	return false
}

// ResponseType returns the packet type answering the request type t.
func (t PacketType) ResponseType() PacketType {
	if t.IsValid() && !t.IsResponse() {
		return t + 1
	}
	return 0
}

// Packet is one DHT datagram.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	if err := limits.ValidatePacket(result); err != nil {
		return nil, err
	}
	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if err := limits.ValidatePacket(data); err != nil {
		return nil, err
	}

	packetType := PacketType(data[0])
	if !packetType.IsValid() {
		return nil, fmt.Errorf("unknown packet type %d", data[0])
	}

	packet := &Packet{
		PacketType: packetType,
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
