package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrAddrInUse is returned by Network.Listen for a taken address.
var ErrAddrInUse = errors.New("address already in use")

// MemAddr is an address on a Network.
type MemAddr string

// Network returns "mem".
func (a MemAddr) Network() string { return "mem" }

func (a MemAddr) String() string { return string(a) }

// DropFilter decides whether a packet from one address to another is lost.
type DropFilter func(from, to net.Addr, packet *Packet) bool

// Network is an in-memory datagram network for simulations and tests.
// Delivery is asynchronous and unordered across senders, like UDP.
type Network struct {
	mu     sync.RWMutex
	nodes  map[string]*MemoryTransport
	filter DropFilter
	sent   int
	lost   int
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*MemoryTransport)}
}

// SetFilter installs a drop filter. Nil delivers everything.
func (n *Network) SetFilter(filter DropFilter) {
	n.mu.Lock()
	n.filter = filter
	n.mu.Unlock()
}

// Stats returns the number of packets sent and lost.
func (n *Network) Stats() (sent, lost int) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sent, n.lost
}

// Listen attaches a transport at addr.
func (n *Network) Listen(addr string) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.nodes[addr]; exists {
		return nil, fmt.Errorf("listen %s: %w", addr, ErrAddrInUse)
	}

	t := &MemoryTransport{
		network:  n,
		addr:     MemAddr(addr),
		handlers: make(map[PacketType]PacketHandler),
		inbox:    make(chan delivery, 1024),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	n.nodes[addr] = t
	go t.processPackets()
	return t, nil
}

func (n *Network) deliver(from net.Addr, to net.Addr, data []byte) error {
	n.mu.Lock()
	n.sent++
	target, ok := n.nodes[to.String()]
	filter := n.filter
	n.mu.Unlock()

	if !ok {
		n.countLost()
		return nil
	}

	packet, err := ParsePacket(data)
	if err != nil {
		return err
	}
	if filter != nil && filter(from, to, packet) {
		n.countLost()
		return nil
	}

	select {
	case target.inbox <- delivery{packet: packet, from: from}:
	case <-target.closed:
		n.countLost()
	default:
		// Full inbox, drop like a congested socket.
		n.countLost()
		logrus.WithFields(logrus.Fields{
			"function": "Network.deliver",
			"to":       to.String(),
		}).Warn("Inbox full, dropping packet")
	}
	return nil
}

func (n *Network) countLost() {
	n.mu.Lock()
	n.lost++
	n.mu.Unlock()
}

func (n *Network) detach(addr string) {
	n.mu.Lock()
	delete(n.nodes, addr)
	n.mu.Unlock()
}

type delivery struct {
	packet *Packet
	from   net.Addr
}

// MemoryTransport is a Transport on a Network.
type MemoryTransport struct {
	network   *Network
	addr      MemAddr
	handlers  map[PacketType]PacketHandler
	mu        sync.RWMutex
	inbox     chan delivery
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// RegisterHandler registers a handler for a specific packet type.
func (t *MemoryTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

// Send serializes packet and hands it to the network.
func (t *MemoryTransport) Send(packet *Packet, addr net.Addr) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}

	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	return t.network.deliver(t.addr, addr, data)
}

// ResolveAddr returns addr as a MemAddr.
func (t *MemoryTransport) ResolveAddr(addr string) (net.Addr, error) {
	if addr == "" {
		return nil, errors.New("empty address")
	}
	return MemAddr(addr), nil
}

// LocalAddr returns the transport's address.
func (t *MemoryTransport) LocalAddr() net.Addr { return t.addr }

// Close detaches the transport from the network and stops its receive loop.
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		t.network.detach(string(t.addr))
		close(t.closed)
		<-t.done
	})
	return nil
}

func (t *MemoryTransport) processPackets() {
	defer close(t.done)
	for {
		select {
		case <-t.closed:
			return
		case d := <-t.inbox:
			t.mu.RLock()
			handler, ok := t.handlers[d.packet.PacketType]
			t.mu.RUnlock()
			if ok {
				_ = handler(d.packet, d.from)
			}
		}
	}
}
