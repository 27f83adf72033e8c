package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	packet *Packet
	from   net.Addr
}

func collect(t *testing.T, tr Transport, pt PacketType) <-chan received {
	t.Helper()
	ch := make(chan received, 16)
	tr.RegisterHandler(pt, func(p *Packet, addr net.Addr) error {
		ch <- received{packet: p, from: addr}
		return nil
	})
	return ch
}

func TestNetworkDelivery(t *testing.T) {
	network := NewNetwork()
	a, err := network.Listen("a:1")
	require.NoError(t, err)
	defer a.Close()
	b, err := network.Listen("b:1")
	require.NoError(t, err)
	defer b.Close()

	inbox := collect(t, b, PacketPing)
	require.NoError(t, a.Send(&Packet{PacketType: PacketPing, Data: []byte("hi")}, b.LocalAddr()))

	select {
	case got := <-inbox:
		assert.Equal(t, []byte("hi"), got.packet.Data)
		assert.Equal(t, "a:1", got.from.String())
	case <-time.After(time.Second):
		t.Fatal("packet not delivered")
	}
}

func TestNetworkListenTwice(t *testing.T) {
	network := NewNetwork()
	a, err := network.Listen("a:1")
	require.NoError(t, err)

	_, err = network.Listen("a:1")
	assert.ErrorIs(t, err, ErrAddrInUse)

	require.NoError(t, a.Close())
	b, err := network.Listen("a:1")
	require.NoError(t, err, "address free after close")
	b.Close()
}

func TestNetworkFilterAndUnknownTarget(t *testing.T) {
	network := NewNetwork()
	a, err := network.Listen("a:1")
	require.NoError(t, err)
	defer a.Close()
	b, err := network.Listen("b:1")
	require.NoError(t, err)
	defer b.Close()

	inbox := collect(t, b, PacketPing)
	network.SetFilter(func(from, to net.Addr, p *Packet) bool { return true })

	require.NoError(t, a.Send(&Packet{PacketType: PacketPing, Data: []byte{}}, b.LocalAddr()))
	require.NoError(t, a.Send(&Packet{PacketType: PacketPing, Data: []byte{}}, MemAddr("nobody:1")))

	select {
	case <-inbox:
		t.Fatal("filtered packet delivered")
	case <-time.After(50 * time.Millisecond):
	}

	sent, lost := network.Stats()
	assert.Equal(t, 2, sent)
	assert.Equal(t, 2, lost)
}

func TestMemoryTransportClosed(t *testing.T) {
	network := NewNetwork()
	a, err := network.Listen("a:1")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	err = a.Send(&Packet{PacketType: PacketPing, Data: []byte{}}, MemAddr("b:1"))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestMemoryTransportHandlersRunInOrder(t *testing.T) {
	network := NewNetwork()
	a, err := network.Listen("a:1")
	require.NoError(t, err)
	defer a.Close()
	b, err := network.Listen("b:1")
	require.NoError(t, err)
	defer b.Close()

	var mu sync.Mutex
	var order []byte
	done := make(chan struct{})
	b.RegisterHandler(PacketStore, func(p *Packet, addr net.Addr) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, p.Data[0])
		if len(order) == 10 {
			close(done)
		}
		return nil
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send(&Packet{PacketType: PacketStore, Data: []byte{byte(i)}}, b.LocalAddr()))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("packets not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestUDPTransportLoopback(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	inbox := collect(t, b, PacketPing)
	addr, err := a.ResolveAddr(b.LocalAddr().String())
	require.NoError(t, err)
	require.NoError(t, a.Send(&Packet{PacketType: PacketPing, Data: []byte("udp")}, addr))

	select {
	case got := <-inbox:
		assert.Equal(t, []byte("udp"), got.packet.Data)
		assert.Equal(t, a.LocalAddr().String(), got.from.String())
	case <-time.After(2 * time.Second):
		t.Fatal("packet not delivered")
	}
}
