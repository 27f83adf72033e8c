package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thanhpk/randstr"
	"golang.org/x/sync/semaphore"

	"github.com/opd-ai/mojito/crypto"
	"github.com/opd-ai/mojito/dht"
	"github.com/opd-ai/mojito/dhterr"
	"github.com/opd-ai/mojito/message"
	"github.com/opd-ai/mojito/transport"
)

// ResponseHandler receives the response to a request and the round trip time.
type ResponseHandler func(resp *message.Message, from *dht.Contact, rtt time.Duration)

// FailureHandler receives the reason a request ended without a response.
type FailureHandler func(err error)

// RequestHandler answers inbound requests. A nil response sends nothing.
type RequestHandler interface {
	HandleRequest(req *message.Message, from *dht.Contact) *message.Message
}

// SizeEstimator is the part of the network size estimator the dispatcher
// feeds and reads.
type SizeEstimator interface {
	Size(rt dht.RouteTable) int
	AddRemoteSize(size uint64)
}

// MessageDispatcher sends requests and correlates their responses.
type MessageDispatcher interface {
	Send(ctx context.Context, to *dht.Contact, req *message.Message, onResponse ResponseHandler, onFailure FailureHandler) error
	Call(ctx context.Context, to *dht.Contact, req *message.Message) (*message.Message, *dht.Contact, error)
	NewRequest(t transport.PacketType) *message.Message
	ResolveAddr(addr string) (net.Addr, error)
	LocalAddr() net.Addr
	Close() error
}

// Config holds dispatcher settings.
type Config struct {
	// Concurrent callbacks and request handlers
	Workers int64
	// Tags of recently completed requests remembered to drop duplicates
	ResponseHistory int
	// Length of generated transaction tags
	TagLength int
	// Overrides the adaptive per-contact timeout when positive
	Timeout time.Duration
}

// DefaultConfig returns the default dispatcher settings.
func DefaultConfig() *Config {
	return &Config{
		Workers:         32,
		ResponseHistory: 512,
		TagLength:       16,
	}
}

type pendingRPC struct {
	tag        string
	to         *dht.Contact
	reqType    transport.PacketType
	sent       time.Time
	timer      *time.Timer
	stopCtx    func() bool
	done       atomic.Bool
	onResponse ResponseHandler
	onFailure  FailureHandler
}

// Dispatcher is the MessageDispatcher over a transport.Transport.
type Dispatcher struct {
	config        *Config
	contactConfig *dht.ContactConfig
	transport     transport.Transport
	rt            dht.RouteTable
	estimator     SizeEstimator
	handler       RequestHandler
	clock         crypto.TimeProvider
	sem           *semaphore.Weighted
	wg            sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingRPC
	history map[string]struct{}
	ring    []string
	next    int
	closed  bool
}

// NewDispatcher creates a dispatcher and registers it for every packet
// type on tr. The estimator and handler may be nil.
func NewDispatcher(config *Config, tr transport.Transport, rt dht.RouteTable, contactConfig *dht.ContactConfig,
	estimator SizeEstimator, handler RequestHandler, clock crypto.TimeProvider,
) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	if contactConfig == nil {
		contactConfig = dht.DefaultContactConfig()
	}
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}

	d := &Dispatcher{
		config:        config,
		contactConfig: contactConfig,
		transport:     tr,
		rt:            rt,
		estimator:     estimator,
		handler:       handler,
		clock:         clock,
		sem:           semaphore.NewWeighted(config.Workers),
		pending:       make(map[string]*pendingRPC),
		history:       make(map[string]struct{}, config.ResponseHistory),
		ring:          make([]string, config.ResponseHistory),
	}

	for t := transport.PacketPing; t <= transport.PacketStoreResponse; t++ {
		tr.RegisterHandler(t, d.handlePacket)
	}
	return d
}

// NewRequest creates a request of type t from the local node.
func (d *Dispatcher) NewRequest(t transport.PacketType) *message.Message {
	return message.NewRequest(t, "", message.FromContact(d.rt.LocalNode()))
}

// ResolveAddr parses an address with the transport's rules.
func (d *Dispatcher) ResolveAddr(addr string) (net.Addr, error) {
	return d.transport.ResolveAddr(addr)
}

// LocalAddr returns the transport address.
func (d *Dispatcher) LocalAddr() net.Addr {
	return d.transport.LocalAddr()
}

// Pending returns the number of requests awaiting an outcome.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) timeoutFor(to *dht.Contact) time.Duration {
	if d.config.Timeout > 0 {
		return d.config.Timeout
	}
	return to.AdaptiveTimeout(d.contactConfig)
}

// Send transmits req to the contact and reports the outcome through
// exactly one of onResponse and onFailure. A contact with a zero ID
// accepts a response from any node at its address, which is how unknown
// seed hosts are pinged. Send only returns an error when the request
// could not be sent; no callback runs in that case.
func (d *Dispatcher) Send(ctx context.Context, to *dht.Contact, req *message.Message,
	onResponse ResponseHandler, onFailure FailureHandler,
) error {
	if to == nil || to.Addr() == nil {
		return fmt.Errorf("%w: contact without address", dhterr.ErrInvalidArgument)
	}
	if req.IsResponse() {
		return fmt.Errorf("%w: %s is not a request", dhterr.ErrInvalidArgument, req.Type)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", dhterr.ErrCancelled, err)
	}

	p := &pendingRPC{
		to:         to,
		reqType:    req.Type,
		onResponse: onResponse,
		onFailure:  onFailure,
	}
	timeout := d.timeoutFor(to)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return dhterr.ErrCancelled
	}
	for {
		p.tag = randstr.Hex(d.config.TagLength)
		if _, taken := d.pending[p.tag]; !taken {
			break
		}
	}
	req.Tag = p.tag
	req.Sender = message.FromContact(d.rt.LocalNode())
	packet, err := message.Encode(req)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	p.sent = d.clock.Now()
	p.timer = time.AfterFunc(timeout, func() { d.expire(p) })
	p.stopCtx = context.AfterFunc(ctx, func() { d.abandon(p, ctx.Err()) })
	d.pending[p.tag] = p
	d.mu.Unlock()

	if err := d.transport.Send(packet, to.Addr()); err != nil {
		if !d.finish(p) {
			// Already timed out or cancelled; that outcome is reported.
			return nil
		}
		return dhterr.NewOpError(req.Type.String(), to.Addr().String(), err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dispatcher.Send",
		"type":     req.Type.String(),
		"tag":      p.tag,
		"to":       to.String(),
		"timeout":  timeout,
	}).Debug("Sent request")
	return nil
}

// Call sends req and waits for its response.
func (d *Dispatcher) Call(ctx context.Context, to *dht.Contact, req *message.Message) (*message.Message, *dht.Contact, error) {
	type result struct {
		resp *message.Message
		from *dht.Contact
		err  error
	}
	ch := make(chan result, 1)

	err := d.Send(ctx, to, req,
		func(resp *message.Message, from *dht.Contact, _ time.Duration) {
			ch <- result{resp: resp, from: from}
		},
		func(err error) {
			ch <- result{err: err}
		})
	if err != nil {
		return nil, nil, err
	}

	r := <-ch
	return r.resp, r.from, r.err
}

// finish claims p for exactly one outcome.
func (d *Dispatcher) finish(p *pendingRPC) bool {
	if !p.done.CompareAndSwap(false, true) {
		return false
	}
	d.remove(p)
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.stopCtx != nil {
		p.stopCtx()
	}
	return true
}

func (d *Dispatcher) remove(p *pendingRPC) {
	d.mu.Lock()
	if d.pending[p.tag] == p {
		delete(d.pending, p.tag)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) remember(tag string) {
	if len(d.ring) == 0 {
		return
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.history, old)
	}
	d.ring[d.next] = tag
	d.history[tag] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
}

func (d *Dispatcher) expire(p *pendingRPC) {
	if !d.finish(p) {
		return
	}

	d.rt.HandleFailure(p.to.ID(), p.to.Addr())
	if known := d.rt.Get(p.to.ID()); known != p.to {
		p.to.RecordFailure(d.clock.Now(), d.contactConfig)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dispatcher.expire",
		"type":     p.reqType.String(),
		"tag":      p.tag,
		"to":       p.to.String(),
	}).Debug("Request timed out")

	err := dhterr.NewOpError(p.reqType.String(), p.to.Addr().String(), dhterr.ErrTimeout)
	d.run(func() {
		if p.onFailure != nil {
			p.onFailure(err)
		}
	})
}

func (d *Dispatcher) abandon(p *pendingRPC, cause error) {
	if !d.finish(p) {
		return
	}
	err := fmt.Errorf("%w: %v", dhterr.ErrCancelled, cause)
	d.run(func() {
		if p.onFailure != nil {
			p.onFailure(err)
		}
	})
}

// run executes fn on the worker pool. Every callback eventually runs.
func (d *Dispatcher) run(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer d.sem.Release(1)
		fn()
	}()
}

// handlePacket runs on the transport's receive goroutine.
func (d *Dispatcher) handlePacket(packet *transport.Packet, addr net.Addr) error {
	msg, err := message.Decode(packet)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.handlePacket",
			"addr":     addr.String(),
			"type":     packet.PacketType.String(),
			"error":    err.Error(),
		}).Warn("Dropping malformed message")
		return err
	}

	sender, err := msg.Sender.ToContact(d.transport.ResolveAddr, addr)
	if err != nil {
		return fmt.Errorf("%w: %v", dhterr.ErrProtocol, err)
	}

	if msg.IsResponse() {
		d.handleResponse(msg, sender, addr)
		return nil
	}
	d.handleRequest(msg, sender, addr)
	return nil
}

func (d *Dispatcher) handleResponse(msg *message.Message, sender *dht.Contact, addr net.Addr) {
	d.mu.Lock()
	if _, seen := d.history[msg.Tag]; seen {
		d.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.handleResponse",
			"tag":      msg.Tag,
		}).Debug("Dropping duplicate response")
		return
	}
	p, ok := d.pending[msg.Tag]
	if !ok || p.reqType.ResponseType() != msg.Type {
		d.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.handleResponse",
			"tag":      msg.Tag,
			"addr":     addr.String(),
		}).Debug("Dropping unexpected response")
		return
	}
	if !p.to.ID().IsZero() && !p.to.ID().Equal(sender.ID()) {
		d.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.handleResponse",
			"tag":      msg.Tag,
			"expected": p.to.ID().Hex(),
			"got":      sender.ID().Hex(),
		}).Warn("Dropping response from unexpected node")
		return
	}
	d.remember(msg.Tag)
	d.mu.Unlock()

	if !d.finish(p) {
		return
	}

	now := d.clock.Now()
	rtt := now.Sub(p.sent)
	sender.RecordSuccess(now)
	sender.SetRTT(rtt)
	if p.to.ID().Equal(sender.ID()) {
		p.to.RecordSuccess(now)
		p.to.SetRTT(rtt)
	}
	if _, err := d.rt.Add(sender); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.handleResponse",
			"error":    err.Error(),
		}).Debug("Failed to add responder")
	}
	if d.estimator != nil && msg.Size > 0 {
		d.estimator.AddRemoteSize(uint64(msg.Size))
	}

	from := sender
	if known := d.rt.Get(sender.ID()); known != nil {
		from = known
	}

	d.run(func() {
		if p.onResponse != nil {
			p.onResponse(msg, from, rtt)
		}
	})
}

func (d *Dispatcher) handleRequest(msg *message.Message, sender *dht.Contact, addr net.Addr) {
	// The handler goroutine is registered with wg under the same lock that
	// Close takes before it waits.
	d.mu.Lock()
	if d.closed || d.handler == nil {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	sender.RecordSuccess(d.clock.Now())
	if _, err := d.rt.Add(sender); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.handleRequest",
			"error":    err.Error(),
		}).Debug("Failed to add requester")
	}

	if !d.sem.TryAcquire(1) {
		d.wg.Done()
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.handleRequest",
			"type":     msg.Type.String(),
			"addr":     addr.String(),
		}).Warn("Worker pool saturated, dropping request")
		return
	}

	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)

		resp := d.handler.HandleRequest(msg, sender)
		if resp == nil {
			return
		}
		resp.Tag = msg.Tag
		resp.Sender = message.FromContact(d.rt.LocalNode())
		if d.estimator != nil {
			resp.Size = int64(d.estimator.Size(d.rt))
		}

		packet, err := message.Encode(resp)
		if err == nil {
			err = d.transport.Send(packet, addr)
		}
		if err != nil && !errors.Is(err, net.ErrClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Dispatcher.handleRequest",
				"type":     resp.Type.String(),
				"addr":     addr.String(),
				"error":    err.Error(),
			}).Warn("Failed to send response")
		}
	}()
}

// Close fails every pending request with dhterr.ErrCancelled and waits for
// running callbacks and handlers to return.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pending := make([]*pendingRPC, 0, len(d.pending))
	for _, p := range d.pending {
		pending = append(pending, p)
	}
	d.mu.Unlock()

	for _, p := range pending {
		d.abandon(p, errors.New("dispatcher closed"))
	}
	d.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Dispatcher.Close",
		"failed":   len(pending),
	}).Info("Dispatcher closed")
	return nil
}
