// Package internal provides the components of the Mojito DHT network test
// suite.
//
// The suite starts a small network of Mojito nodes inside one process and
// walks it through the operations a deployment depends on. Nodes talk over
// the in-memory transport by default, or over real UDP sockets on
// consecutive localhost ports.
//
// # Architecture Overview
//
//   - TestOrchestrator: runs the workflow with an overall timeout, tracks
//     each step and prints the final report
//   - ProtocolTestSuite: owns the nodes and implements the individual steps
//
// # Workflow
//
//  1. Network Initialization: create and start NodeCount nodes
//  2. Bootstrap: every node joins through the first one
//  3. Store and Retrieve: values published on one node are read on another
//  4. Removal: the first value is withdrawn and must disappear everywhere
//  5. Restart from Snapshot: the last node is saved, stopped and restored on
//     the same address with the same ID, contacts and values
//
// A failed step marks the remaining ones as skipped.
//
// Example orchestrator usage:
//
//	config := internal.DefaultTestConfig()
//	config.NodeCount = 16
//	orchestrator, err := internal.NewTestOrchestrator(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := orchestrator.ValidateConfiguration(); err != nil {
//	    log.Fatal(err)
//	}
//	results, err := orchestrator.RunTests(context.Background())
//
// # Metrics
//
// With CollectMetrics set the results carry the total number of routing
// table contacts and stored values across all nodes, the first node's
// network size estimate and, for the in-memory transport, the packet
// counts.
package internal
