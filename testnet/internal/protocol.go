package internal

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mojito"
	"github.com/opd-ai/mojito/kuid"
	"github.com/opd-ai/mojito/transport"
)

// TestNode is one DHT node taking part in the test network.
type TestNode struct {
	Name string
	Addr string
	Node *mojito.Context
}

// TestStep is a named stage of the protocol workflow.
type TestStep struct {
	Name string
	Run  func(ctx context.Context) error
}

// ProtocolTestSuite drives a network of Mojito nodes through bootstrap,
// store, retrieval, removal and restart.
type ProtocolTestSuite struct {
	nodes   []*TestNode
	network *transport.Network
	logger  *logrus.Entry
	config  *ProtocolConfig

	published map[string]string
}

// ProtocolConfig holds configuration for protocol testing.
type ProtocolConfig struct {
	NodeCount        int
	ValueCount       int
	UseUDP           bool
	Address          string
	BasePort         uint16
	RPCTimeout       time.Duration
	OperationTimeout time.Duration
	RetryAttempts    int
	RetryBackoff     time.Duration
	Logger           *logrus.Entry
}

// DefaultProtocolConfig returns a default configuration for protocol testing.
func DefaultProtocolConfig() *ProtocolConfig {
	return &ProtocolConfig{
		NodeCount:        8,
		ValueCount:       4,
		Address:          "127.0.0.1",
		BasePort:         DefaultBasePort,
		RPCTimeout:       2 * time.Second,
		OperationTimeout: 30 * time.Second,
		RetryAttempts:    3,
		RetryBackoff:     time.Second,
		Logger:           logrus.WithField("component", "protocol"),
	}
}

// NewProtocolTestSuite creates a new protocol test suite.
func NewProtocolTestSuite(config *ProtocolConfig) *ProtocolTestSuite {
	if config == nil {
		config = DefaultProtocolConfig()
	}

	return &ProtocolTestSuite{
		config:    config,
		logger:    config.Logger,
		network:   transport.NewNetwork(),
		published: make(map[string]string),
	}
}

// Steps returns the workflow in execution order. Each step depends on the
// ones before it.
func (pts *ProtocolTestSuite) Steps() []TestStep {
	return []TestStep{
		{Name: "Network Initialization", Run: pts.initializeNetwork},
		{Name: "Bootstrap", Run: pts.bootstrapNodes},
		{Name: "Store and Retrieve", Run: pts.testStoreAndRetrieve},
		{Name: "Removal", Run: pts.testRemoval},
		{Name: "Restart from Snapshot", Run: pts.testRestart},
	}
}

// ExecuteTest runs every step and stops at the first failure.
func (pts *ProtocolTestSuite) ExecuteTest(ctx context.Context) error {
	for _, step := range pts.Steps() {
		if err := step.Run(ctx); err != nil {
			return fmt.Errorf("%s failed: %w", step.Name, err)
		}
	}
	pts.logger.Info("🎉 All steps completed successfully!")
	return nil
}

// Nodes returns the running nodes.
func (pts *ProtocolTestSuite) Nodes() []*TestNode {
	return pts.nodes
}

func (pts *ProtocolTestSuite) nodeOptions() *mojito.Options {
	options := mojito.NewOptions()
	options.RPC.Timeout = pts.config.RPCTimeout
	options.OperationTimeout = pts.config.OperationTimeout
	return options
}

func (pts *ProtocolTestSuite) nodeAddr(i int) string {
	if pts.config.UseUDP {
		return fmt.Sprintf("%s:%d", pts.config.Address, int(pts.config.BasePort)+i)
	}
	return fmt.Sprintf("node%d:%d", i, pts.config.BasePort)
}

// startNode creates a node listening on addr. A non-nil snapshot is
// restored before the node starts.
func (pts *ProtocolTestSuite) startNode(name, addr string, snapshot []byte) (*TestNode, error) {
	node, err := mojito.New(pts.nodeOptions())
	if err != nil {
		return nil, err
	}

	if pts.config.UseUDP {
		err = node.Bind(addr)
	} else {
		var tr *transport.MemoryTransport
		if tr, err = pts.network.Listen(addr); err == nil {
			err = node.BindTransport(tr)
		}
	}
	if err == nil && snapshot != nil {
		err = node.Load(bytes.NewReader(snapshot))
	}
	if err == nil {
		err = node.Start()
	}
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("node %s: %w", name, err)
	}

	return &TestNode{Name: name, Addr: node.LocalAddr().String(), Node: node}, nil
}

// initializeNetwork creates and starts every node.
func (pts *ProtocolTestSuite) initializeNetwork(ctx context.Context) error {
	pts.logger.WithFields(logrus.Fields{
		"nodes": pts.config.NodeCount,
		"udp":   pts.config.UseUDP,
	}).Info("📡 Step 1: Network Initialization")

	for i := 0; i < pts.config.NodeCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		node, err := pts.startNode(fmt.Sprintf("node%d", i), pts.nodeAddr(i), nil)
		if err != nil {
			return err
		}
		pts.nodes = append(pts.nodes, node)
		pts.logger.WithFields(logrus.Fields{
			"name": node.Name,
			"addr": node.Addr,
			"id":   node.Node.LocalNode().ID().Hex(),
		}).Debug("Node started")
	}

	pts.logger.Info("✅ All nodes running")
	return nil
}

// bootstrapNodes joins every node through the first one.
func (pts *ProtocolTestSuite) bootstrapNodes(ctx context.Context) error {
	pts.logger.Info("🤝 Step 2: Bootstrap")
	if len(pts.nodes) < 2 {
		return fmt.Errorf("need at least two nodes, have %d", len(pts.nodes))
	}

	seed := pts.nodes[0]
	for _, n := range pts.nodes[1:] {
		n := n
		err := pts.retryOperation(ctx, func() error {
			res, err := n.Node.Bootstrap(ctx, seed.Addr)
			if err != nil {
				return err
			}
			if !res.Found {
				return fmt.Errorf("%s found no nodes", n.Name)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("%s failed to join: %w", n.Name, err)
		}
	}

	for _, n := range pts.nodes {
		if n.Node.RouteTable().Size() == 0 {
			return fmt.Errorf("%s has an empty routing table", n.Name)
		}
	}

	pts.logger.WithField("seed", seed.Addr).Info("✅ Every node joined the network")
	return nil
}

func valueKey(i int) (string, kuid.KUID) {
	name := fmt.Sprintf("testnet-value-%d", i)
	return name, kuid.ValueIDFromBytes([]byte(name))
}

// publisherFor and readerFor spread the work across the network so that
// values are always read back on a different node than the one that
// stored them.
func (pts *ProtocolTestSuite) publisherFor(i int) *TestNode {
	return pts.nodes[i%len(pts.nodes)]
}

func (pts *ProtocolTestSuite) readerFor(i int) *TestNode {
	n := len(pts.nodes)
	return pts.nodes[(i+n/2+1)%n]
}

func (pts *ProtocolTestSuite) contains(ctx context.Context, node *TestNode, key kuid.KUID, want string) (bool, error) {
	values, err := node.Node.Get(ctx, key)
	if err != nil {
		return false, err
	}
	for _, kv := range values {
		if string(kv.Value) == want {
			return true, nil
		}
	}
	return false, nil
}

// testStoreAndRetrieve publishes values and reads them back elsewhere.
func (pts *ProtocolTestSuite) testStoreAndRetrieve(ctx context.Context) error {
	pts.logger.Info("💾 Step 3: Store and Retrieve")

	for i := 0; i < pts.config.ValueCount; i++ {
		name, key := valueKey(i)
		value := fmt.Sprintf("value %d from %s", i, pts.publisherFor(i).Name)
		publisher := pts.publisherFor(i)

		ok, err := publisher.Node.Put(ctx, key, []byte(value), nil)
		if err != nil {
			return fmt.Errorf("%s failed to store %s: %w", publisher.Name, name, err)
		}
		if !ok {
			return fmt.Errorf("%s: %s was not accepted", publisher.Name, name)
		}
		pts.published[name] = value

		reader := pts.readerFor(i)
		found, err := pts.contains(ctx, reader, key, value)
		if err != nil {
			return fmt.Errorf("%s failed to look up %s: %w", reader.Name, name, err)
		}
		if !found {
			return fmt.Errorf("%s did not find %s stored by %s", reader.Name, name, publisher.Name)
		}

		pts.logger.WithFields(logrus.Fields{
			"key":       name,
			"publisher": publisher.Name,
			"reader":    reader.Name,
		}).Info("✅ Value retrieved")
	}
	return nil
}

// testRemoval withdraws the first value and checks it is gone.
func (pts *ProtocolTestSuite) testRemoval(ctx context.Context) error {
	pts.logger.Info("🗑️  Step 4: Removal")
	if pts.config.ValueCount == 0 {
		pts.logger.Info("No values stored, nothing to remove")
		return nil
	}

	name, key := valueKey(0)
	publisher := pts.publisherFor(0)
	if _, err := publisher.Node.Remove(ctx, key); err != nil {
		return fmt.Errorf("%s failed to remove %s: %w", publisher.Name, name, err)
	}

	for _, n := range pts.nodes {
		found, err := pts.contains(ctx, n, key, pts.published[name])
		if err != nil {
			return fmt.Errorf("%s failed to look up %s: %w", n.Name, name, err)
		}
		if found {
			return fmt.Errorf("%s still returns removed value %s", n.Name, name)
		}
	}
	delete(pts.published, name)

	pts.logger.WithField("key", name).Info("✅ Value removed everywhere")
	return nil
}

// testRestart saves the last node, shuts it down and brings it back from
// the snapshot on the same address.
func (pts *ProtocolTestSuite) testRestart(ctx context.Context) error {
	pts.logger.Info("🔄 Step 5: Restart from Snapshot")

	last := len(pts.nodes) - 1
	old := pts.nodes[last]
	id := old.Node.LocalNode().ID()

	var snapshot bytes.Buffer
	if err := old.Node.Save(&snapshot); err != nil {
		return fmt.Errorf("failed to save %s: %w", old.Name, err)
	}
	if err := old.Node.Close(); err != nil {
		return fmt.Errorf("failed to stop %s: %w", old.Name, err)
	}

	restarted, err := pts.startNode(old.Name, old.Addr, snapshot.Bytes())
	if err != nil {
		pts.nodes = pts.nodes[:last]
		return err
	}
	pts.nodes[last] = restarted

	if !restarted.Node.LocalNode().ID().Equal(id) {
		return fmt.Errorf("%s came back with a new ID", old.Name)
	}
	if restarted.Node.RouteTable().Size() == 0 {
		return fmt.Errorf("%s restored no contacts", old.Name)
	}

	seed := pts.nodes[0]
	contact, err := restarted.Node.Ping(ctx, seed.Addr)
	if err != nil {
		return fmt.Errorf("%s cannot reach %s after restart: %w", old.Name, seed.Name, err)
	}
	if !contact.ID().Equal(seed.Node.LocalNode().ID()) {
		return fmt.Errorf("%s answered with an unexpected ID", seed.Name)
	}

	for i := 1; i < pts.config.ValueCount; i++ {
		name, key := valueKey(i)
		found, err := pts.contains(ctx, restarted, key, pts.published[name])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%s lost %s across the restart", old.Name, name)
		}
	}

	pts.logger.WithFields(logrus.Fields{
		"name":     restarted.Name,
		"instance": restarted.Node.LocalNode().InstanceID(),
		"contacts": restarted.Node.RouteTable().Size(),
	}).Info("✅ Node restarted with its identity")
	return nil
}

// Metrics reports per-node routing and storage figures.
func (pts *ProtocolTestSuite) Metrics() map[string]interface{} {
	contacts, values := 0, 0
	for _, n := range pts.nodes {
		contacts += n.Node.RouteTable().Size()
		values += n.Node.Database().Count()
	}
	metrics := map[string]interface{}{
		"nodes":    len(pts.nodes),
		"contacts": contacts,
		"values":   values,
	}
	if len(pts.nodes) > 0 {
		metrics["size_estimate"] = pts.nodes[0].Node.Size()
	}
	if !pts.config.UseUDP {
		sent, lost := pts.network.Stats()
		metrics["packets_sent"] = sent
		metrics["packets_lost"] = lost
	}
	return metrics
}

// retryOperation retries operation with exponential backoff.
func (pts *ProtocolTestSuite) retryOperation(ctx context.Context, operation func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pts.config.RetryBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(pts.config.RetryAttempts)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := operation()
		if err != nil {
			pts.logger.WithFields(logrus.Fields{
				"attempt":      attempt,
				"max_attempts": pts.config.RetryAttempts + 1,
				"error":        err,
			}).Warn("⚠️  Operation failed")
		}
		return err
	}, policy)
}

// Cleanup shuts down every node.
func (pts *ProtocolTestSuite) Cleanup() error {
	pts.logger.Info("🧹 Cleaning up test resources...")

	var errs []error
	for _, n := range pts.nodes {
		if err := n.Node.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", n.Name, err))
		}
	}
	pts.nodes = nil

	if len(errs) > 0 {
		for _, err := range errs {
			pts.logger.WithError(err).Warn("Cleanup error")
		}
		return fmt.Errorf("cleanup completed with %d errors", len(errs))
	}
	pts.logger.Info("✅ Cleanup completed successfully")
	return nil
}
