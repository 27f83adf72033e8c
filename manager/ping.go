package manager

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mojito/dht"
	"github.com/opd-ai/mojito/kuid"
	"github.com/opd-ai/mojito/message"
	"github.com/opd-ai/mojito/rpc"
	"github.com/opd-ai/mojito/transport"
)

// PingManager sends liveness pings.
type PingManager struct {
	dispatcher rpc.MessageDispatcher

	mu      sync.Mutex
	pending map[[kuid.Length]byte]struct{}
}

// NewPingManager creates a ping manager.
func NewPingManager(d rpc.MessageDispatcher) *PingManager {
	return &PingManager{
		dispatcher: d,
		pending:    make(map[[kuid.Length]byte]struct{}),
	}
}

// Ping pings the node at addr, whose ID need not be known, and returns
// its contact.
func (p *PingManager) Ping(ctx context.Context, addr net.Addr) (*dht.Contact, error) {
	return p.PingContact(ctx, dht.NewContact(kuid.KUID{}, addr))
}

// PingContact pings c and returns the contact that answered.
func (p *PingManager) PingContact(ctx context.Context, c *dht.Contact) (*dht.Contact, error) {
	_, from, err := p.dispatcher.Call(ctx, c, p.dispatcher.NewRequest(transport.PacketPing))
	if err != nil {
		return nil, err
	}
	return from, nil
}

// CheckLiveness pings c in the background. Outcomes reach the routing
// table through the dispatcher; it is used as the table's ContactPinger.
// While a ping to c's ID is outstanding further checks of it are skipped.
func (p *PingManager) CheckLiveness(c *dht.Contact) {
	key := c.ID().Array()

	p.mu.Lock()
	if _, busy := p.pending[key]; busy {
		p.mu.Unlock()
		return
	}
	p.pending[key] = struct{}{}
	p.mu.Unlock()

	done := func() {
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
	}

	err := p.dispatcher.Send(context.Background(), c, p.dispatcher.NewRequest(transport.PacketPing),
		func(*message.Message, *dht.Contact, time.Duration) { done() },
		func(error) { done() })
	if err != nil {
		done()
		logrus.WithFields(logrus.Fields{
			"function": "PingManager.CheckLiveness",
			"to":       c.String(),
			"error":    err.Error(),
		}).Debug("Liveness ping not sent")
	}
}

// Outstanding reports how many liveness pings await an outcome.
func (p *PingManager) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
