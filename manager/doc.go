// Package manager implements the network operations of the DHT on top of
// the rpc dispatcher and the routing table.
//
// LookupManager runs iterative FIND_NODE and FIND_VALUE lookups. Each
// lookup keeps a shortlist ordered by distance to the target, keeps Alpha
// requests in flight and ends once the K closest nodes that did not fail
// have all answered. A FIND_VALUE lookup also ends at the first node that
// returns values unless it is exhaustive. The shortlist is owned by a
// phony actor, so responses never race on it.
//
// StoreManager publishes a value to the K closest nodes found by a lookup,
// handing each node back the security token it issued. BootstrapManager
// pings seeds with exponential backoff, looks up the local ID and then
// refreshes every bucket. PingManager sends single liveness pings.
package manager
