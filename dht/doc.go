// Package dht holds the routing state of a Mojito node: contacts and their
// liveness state machine, the bucket trie routing table, the network size
// estimator and the periodic maintenance scheduler.
//
// # Contacts
//
// A [Contact] starts UNKNOWN, becomes ALIVE on its first successful RPC and
// turns DEAD after too many consecutive failures. The failure allowance is
// larger for contacts that have been alive before ([ContactConfig]).
//
// # Routing Table
//
// [TrieRouteTable] keeps up to K contacts per bucket plus a small
// replacement cache. Only the bucket that covers the local node's ID
// splits; other full buckets replace dead members or cache newcomers:
//
//	rt := dht.NewRouteTable(local, dht.DefaultRouteTableConfig(), nil)
//	rt.Add(contact)
//	closest := rt.Select(target, 20, true)
//
// Callers that only need the capability set depend on the [RouteTable]
// interface instead.
//
// # Size Estimation
//
// [SizeEstimator] fits the XOR distances of the K nearest contacts to a
// straight line and blends the result with sizes reported by remote nodes.
package dht
