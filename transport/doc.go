// Package transport moves DHT datagrams between nodes.
//
// Every datagram is a Packet: a one byte PacketType followed by the
// encoded message body. The Transport interface abstracts the network so
// the dispatcher works the same over real sockets and in tests:
//
//	tr, err := transport.NewUDPTransport(":5000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tr.RegisterHandler(transport.PacketPing, func(p *transport.Packet, addr net.Addr) error {
//	    ...
//	})
//
// Network is an in-memory datagram network. Transports created with
// Network.Listen deliver packets to each other without sockets, and an
// optional filter can drop packets to simulate loss or dead peers.
//
// Both implementations run a single receive goroutine per transport and
// call handlers on it in arrival order. Handlers must not block; the rpc
// package hands decoded messages to its own worker pool.
package transport
