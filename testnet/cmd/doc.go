// Command cmd runs the Mojito DHT network test suite.
//
// It starts a network of DHT nodes inside one process, joins them through a
// seed, stores values and reads them back on other nodes, removes a value
// and restarts a node from a snapshot. The exit code is 0 when every step
// passes and 1 otherwise.
//
// # Usage
//
//	go run ./testnet/cmd [options]
//
// # Configuration
//
// Network:
//
//   - -nodes: number of nodes (default 8)
//   - -values: number of values to store (default 4)
//   - -udp: bind real UDP sockets instead of the in-memory transport
//   - -address, -port: where the UDP nodes bind; node i uses port+i
//
// Timeouts and retries:
//
//   - -overall-timeout: deadline for the whole run
//   - -rpc-timeout: deadline of a single request
//   - -operation-timeout: deadline of one bootstrap, put or get
//   - -retry-attempts, -retry-backoff: bootstrap retry policy
//
// Output:
//
//   - -log-level: DEBUG, INFO, WARN or ERROR
//   - -log-file: write the report to a file instead of stdout
//   - -verbose: print the configuration before running
//   - -metrics: include network metrics in the report
package main
