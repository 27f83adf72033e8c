package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mojito/limits"
)

// UDPTransport implements UDP-based communication for the DHT.
// It satisfies the Transport interface.
type UDPTransport struct {
	conn     net.PacketConn
	handlers map[PacketType]PacketHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewUDPTransport creates a new UDP transport listener.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	transport := &UDPTransport{
		conn:     conn,
		handlers: make(map[PacketType]PacketHandler),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go transport.processPackets()

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"addr":     conn.LocalAddr().String(),
	}).Info("UDP transport listening")

	return transport, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

// Send sends a packet to the specified address.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	_, err = t.conn.WriteTo(data, addr)
	return err
}

// ResolveAddr parses a host:port UDP address.
func (t *UDPTransport) ResolveAddr(addr string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", addr)
}

// Close shuts down the transport and waits for the receive loop to exit.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	<-t.done
	return err
}

// processPackets handles incoming packets.
func (t *UDPTransport) processPackets() {
	defer close(t.done)
	buffer := make([]byte, limits.MaxPacketSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and processes a single incoming packet.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	data, addr, err := t.readPacketData(buffer)
	if err != nil {
		return
	}

	packet, err := ParsePacket(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.processIncomingPacket",
			"addr":     addr.String(),
			"size":     len(data),
			"error":    err.Error(),
		}).Warn("Dropping malformed datagram")
		return
	}

	t.dispatchPacketToHandler(packet, addr)
}

// readPacketData reads data from the connection with timeout handling.
func (t *UDPTransport) readPacketData(buffer []byte) ([]byte, net.Addr, error) {
	// Set read deadline so the loop notices cancellation
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, t.handleReadError(err)
	}

	return buffer[:n], addr, nil
}

// handleReadError logs read errors other than deadline expiry and shutdown.
func (t *UDPTransport) handleReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return err
	}
	if errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.handleReadError",
		"error":    err.Error(),
	}).Warn("UDP read failed")
	return err
}

// dispatchPacketToHandler runs the handler for the packet type on the
// receive goroutine.
func (t *UDPTransport) dispatchPacketToHandler(packet *Packet, addr net.Addr) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.PacketType]
	t.mu.RUnlock()

	if !exists {
		return
	}
	if err := handler(packet, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "UDPTransport.dispatchPacketToHandler",
			"packet_type": packet.PacketType.String(),
			"addr":        addr.String(),
			"error":       err.Error(),
		}).Debug("Packet handler failed")
	}
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}
