package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/opd-ai/mojito/testnet/internal"
)

// CLI configuration
type CLIConfig struct {
	nodes            int
	values           int
	udp              bool
	address          string
	basePort         uint
	overallTimeout   time.Duration
	rpcTimeout       time.Duration
	operationTimeout time.Duration
	retryAttempts    int
	retryBackoff     time.Duration
	logLevel         string
	logFile          string
	verbose          bool
	collectMetrics   bool
	help             bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags() *CLIConfig {
	config := &CLIConfig{}

	// Network configuration
	flag.IntVar(&config.nodes, "nodes", 8, "Number of DHT nodes to start")
	flag.IntVar(&config.values, "values", 4, "Number of values to store and retrieve")
	flag.BoolVar(&config.udp, "udp", false, "Use UDP sockets instead of the in-memory transport")
	flag.StringVar(&config.address, "address", "127.0.0.1", "Address the UDP nodes bind to")
	flag.UintVar(&config.basePort, "port", uint(internal.DefaultBasePort), "Port of the first UDP node")

	// Timeout configuration
	flag.DurationVar(&config.overallTimeout, "overall-timeout", 5*time.Minute, "Overall test timeout")
	flag.DurationVar(&config.rpcTimeout, "rpc-timeout", 2*time.Second, "Timeout of a single request")
	flag.DurationVar(&config.operationTimeout, "operation-timeout", 30*time.Second, "Timeout of a bootstrap, put or get")

	// Retry configuration
	flag.IntVar(&config.retryAttempts, "retry-attempts", 3, "Number of retry attempts for bootstrap")
	flag.DurationVar(&config.retryBackoff, "retry-backoff", time.Second, "Initial backoff duration for retries")

	// Logging configuration
	flag.StringVar(&config.logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	flag.StringVar(&config.logFile, "log-file", "", "Log file path (default: stdout)")
	flag.BoolVar(&config.verbose, "verbose", true, "Enable verbose output")
	flag.BoolVar(&config.collectMetrics, "metrics", true, "Enable metrics collection")

	// Help
	flag.BoolVar(&config.help, "help", false, "Show help message")

	flag.Parse()
	return config
}

// printUsage prints the usage information.
func printUsage() {
	fmt.Println("Mojito DHT Network Test Suite")
	fmt.Println("=============================")
	fmt.Println()
	fmt.Println("This tool starts a network of DHT nodes in one process and checks:")
	fmt.Println("  • Bootstrap of every node through a seed")
	fmt.Println("  • Storing values and reading them back on other nodes")
	fmt.Println("  • Removing a value from the whole network")
	fmt.Println("  • Restarting a node from a saved snapshot")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  # Run with default settings\n")
	fmt.Printf("  %s\n", os.Args[0])
	fmt.Println()
	fmt.Printf("  # Run 32 nodes over UDP\n")
	fmt.Printf("  %s -nodes 32 -udp -port 48000\n", os.Args[0])
	fmt.Println()
	fmt.Printf("  # Run with log file and reduced verbosity\n")
	fmt.Printf("  %s -log-file test.log -verbose=false\n", os.Args[0])
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if config.nodes < 2 {
		return fmt.Errorf("at least 2 nodes are required")
	}

	if config.values < 0 {
		return fmt.Errorf("value count cannot be negative")
	}

	if config.udp {
		if config.basePort == 0 || config.basePort > 65535 {
			return fmt.Errorf("invalid base port: must be between 1 and 65535")
		}
		if config.address == "" {
			return fmt.Errorf("address cannot be empty")
		}
	}

	if config.overallTimeout <= 0 {
		return fmt.Errorf("overall timeout must be positive")
	}

	if config.rpcTimeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}

	if config.retryAttempts < 0 {
		return fmt.Errorf("retry attempts cannot be negative")
	}

	if config.retryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive")
	}

	return nil
}

// createTestConfig converts CLI configuration to internal test configuration.
func createTestConfig(cliConfig *CLIConfig) *internal.TestConfig {
	return &internal.TestConfig{
		NodeCount:        cliConfig.nodes,
		ValueCount:       cliConfig.values,
		UseUDP:           cliConfig.udp,
		Address:          cliConfig.address,
		BasePort:         uint16(cliConfig.basePort),
		OverallTimeout:   cliConfig.overallTimeout,
		RPCTimeout:       cliConfig.rpcTimeout,
		OperationTimeout: cliConfig.operationTimeout,
		RetryAttempts:    cliConfig.retryAttempts,
		RetryBackoff:     cliConfig.retryBackoff,
		LogLevel:         cliConfig.logLevel,
		LogFile:          cliConfig.logFile,
		VerboseOutput:    cliConfig.verbose,
		CollectMetrics:   cliConfig.collectMetrics,
	}
}

// setupSignalHandling sets up graceful shutdown on interrupt signals.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		sig := <-sigChan
		fmt.Printf("\n🛑 Received signal %v, initiating graceful shutdown...\n", sig)
		cancel()
	}()
}

// main is the entry point for the test suite.
func main() {
	cliConfig := parseCLIFlags()

	if cliConfig.help {
		printUsage()
		os.Exit(0)
	}

	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}

	orchestrator, err := internal.NewTestOrchestrator(createTestConfig(cliConfig))
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to create test orchestrator: %v\n", err)
		os.Exit(1)
	}

	if err := orchestrator.ValidateConfiguration(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	fmt.Println("🚀 Starting Mojito DHT Network Test Suite...")
	fmt.Println()

	results, err := orchestrator.RunTests(ctx)

	exitCode := 0
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n❌ Test execution failed: %v\n", err)
		exitCode = 1
	} else if results.FinalStatus != internal.TestStatusPassed {
		fmt.Fprintf(os.Stderr, "\n❌ Test suite completed with failures\n")
		exitCode = 1
	} else {
		fmt.Println("\n🎉 Test suite completed successfully!")
	}

	if results != nil {
		fmt.Printf("\n📊 Summary: %d steps, %d passed, %d failed, %d skipped (execution time: %v)\n",
			results.TotalTests, results.PassedTests, results.FailedTests, results.SkippedTests, results.ExecutionTime)
	}

	os.Exit(exitCode)
}
