// Package message defines the DHT wire messages and their bencoded form.
//
// A single Message type carries every request and response; the packet
// type selects which fields are meaningful, in the manner of KRPC:
//
//	PING                 sender
//	PONG                 sender, size estimate
//	FIND_NODE            sender, target
//	FIND_NODE_RESPONSE   sender, size estimate, contacts, security token
//	FIND_VALUE           sender, target
//	FIND_VALUE_RESPONSE  sender, size estimate, values or contacts
//	STORE                sender, security token, values
//	STORE_RESPONSE       sender, size estimate, per-value status
//
// Every message carries the transaction tag that pairs a response with
// its request.
package message
