// Package rpc correlates DHT requests and responses over an unreliable
// datagram transport.
//
// The Dispatcher sends a request with Send, tags it with a fresh
// transaction tag and arms a timeout derived from the contact's RTT. The
// first of response, timeout and cancellation wins; the other outcomes are
// discarded, so each request ends in exactly one callback:
//
//	d.Send(ctx, contact, req, func(resp *message.Message, from *dht.Contact, rtt time.Duration) {
//	    ...
//	}, func(err error) {
//	    // dhterr.ErrTimeout or dhterr.ErrCancelled
//	})
//
// Call wraps Send for callers that want to block.
//
// Inbound requests are answered by a RequestHandler. Handler implements
// PING, FIND_NODE, FIND_VALUE and STORE against a routing table and a
// database. Callbacks and request handling run on a bounded worker pool,
// never on the transport's receive goroutine.
package rpc
