// Command mojito runs a single Mojito DHT node.
//
// The node binds a UDP socket, optionally restores a saved state file, joins
// the network through the given seeds and then runs the requested put, get
// and remove operations. Unless -once is given it keeps serving requests
// until interrupted, logging the estimated network size periodically.
//
// # Usage
//
//	mojito [options]
//
// Start a seed node:
//
//	mojito -bind 0.0.0.0:4000
//
// Join through the seed, publish a value and keep the state across restarts:
//
//	mojito -bind 0.0.0.0:4001 -bootstrap 10.0.0.1:4000 -put greeting=hello -state node.state
//
// Look a value up and exit:
//
//	mojito -bind 0.0.0.0:4002 -bootstrap 10.0.0.1:4000 -get greeting -once
//
// # Configuration
//
//   - -bind: UDP address to listen on (default 0.0.0.0:4000)
//   - -bootstrap: comma separated seed addresses
//   - -put: key=value to publish; keys are hashed with SHA-1 into value IDs
//   - -get: key to look up
//   - -remove: key whose value this node published and should withdraw
//   - -state: snapshot file loaded at startup and written at shutdown
//   - -db: directory for the LevelDB value store (memory when empty)
//   - -log-level: debug, info, warn or error
//   - -size-interval: how often the network size estimate is logged
//   - -timeout: deadline for each network operation
//   - -once: exit after the requested operations
//
// When -state is set and no seeds are given, the node bootstraps from the
// contacts saved in the snapshot.
package main
