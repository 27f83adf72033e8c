package internal

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// TestOrchestrator manages the complete test execution workflow.
type TestOrchestrator struct {
	config    *TestConfig
	logger    *logrus.Logger
	startTime time.Time
	results   *TestResults
}

// TestConfig holds configuration for the entire test suite.
type TestConfig struct {
	// Network configuration
	NodeCount  int
	ValueCount int
	UseUDP     bool
	Address    string
	BasePort   uint16

	// Timeout configuration
	OverallTimeout   time.Duration
	RPCTimeout       time.Duration
	OperationTimeout time.Duration

	// Retry configuration
	RetryAttempts int
	RetryBackoff  time.Duration

	// Logging configuration
	LogLevel      string
	LogFile       string
	VerboseOutput bool

	CollectMetrics bool
}

// TestResults holds the outcomes of test execution.
type TestResults struct {
	TotalTests    int
	PassedTests   int
	FailedTests   int
	SkippedTests  int
	ExecutionTime time.Duration
	TestSteps     []TestStepResult
	FinalStatus   TestStatus
	ErrorDetails  string
	Metrics       map[string]interface{}
}

// TestStepResult represents the result of an individual test step.
type TestStepResult struct {
	StepName      string
	Status        TestStatus
	ExecutionTime time.Duration
	ErrorMessage  string
}

// TestStatus represents the status of a test or test step.
type TestStatus int

const (
	TestStatusPending TestStatus = iota
	TestStatusRunning
	TestStatusPassed
	TestStatusFailed
	TestStatusSkipped
	TestStatusTimeout
)

// String returns a string representation of the test status.
func (ts TestStatus) String() string {
	switch ts {
	case TestStatusPending:
		return "PENDING"
	case TestStatusRunning:
		return "RUNNING"
	case TestStatusPassed:
		return "PASSED"
	case TestStatusFailed:
		return "FAILED"
	case TestStatusSkipped:
		return "SKIPPED"
	case TestStatusTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// DefaultTestConfig returns a default configuration for the test suite.
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		NodeCount:        8,
		ValueCount:       4,
		Address:          "127.0.0.1",
		BasePort:         DefaultBasePort,
		OverallTimeout:   5 * time.Minute,
		RPCTimeout:       2 * time.Second,
		OperationTimeout: 30 * time.Second,
		RetryAttempts:    3,
		RetryBackoff:     time.Second,
		LogLevel:         "INFO",
		VerboseOutput:    true,
		CollectMetrics:   true,
	}
}

// NewTestOrchestrator creates a new test orchestrator.
func NewTestOrchestrator(config *TestConfig) (*TestOrchestrator, error) {
	if config == nil {
		config = DefaultTestConfig()
	}

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.LogLevel, err)
	}
	logger.SetLevel(level)

	if config.LogFile != "" {
		logFile, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(logFile)
	}

	return &TestOrchestrator{
		config: config,
		logger: logger,
		results: &TestResults{
			TestSteps:   make([]TestStepResult, 0),
			FinalStatus: TestStatusPending,
		},
	}, nil
}

// RunTests executes the complete test suite.
func (to *TestOrchestrator) RunTests(ctx context.Context) (*TestResults, error) {
	to.startTime = time.Now()
	to.results.FinalStatus = TestStatusRunning

	to.logger.Info("🧪 Mojito DHT Network Test Suite")
	to.logger.Info("===============================")
	to.logger.Infof("⏰ Test execution started at %s", to.startTime.Format(time.RFC3339))

	if to.config.VerboseOutput {
		to.logConfiguration()
	}

	testCtx, cancel := context.WithTimeout(ctx, to.config.OverallTimeout)
	defer cancel()

	err := to.executeTestWorkflow(testCtx)

	to.results.ExecutionTime = time.Since(to.startTime)
	if err != nil {
		to.results.FinalStatus = TestStatusFailed
		if testCtx.Err() == context.DeadlineExceeded {
			to.results.FinalStatus = TestStatusTimeout
		}
		to.results.ErrorDetails = err.Error()
	} else {
		to.results.FinalStatus = TestStatusPassed
	}

	to.generateFinalReport()

	return to.results, err
}

// executeTestWorkflow runs each protocol step, skipping the rest after the
// first failure.
func (to *TestOrchestrator) executeTestWorkflow(ctx context.Context) error {
	protocolConfig := &ProtocolConfig{
		NodeCount:        to.config.NodeCount,
		ValueCount:       to.config.ValueCount,
		UseUDP:           to.config.UseUDP,
		Address:          to.config.Address,
		BasePort:         to.config.BasePort,
		RPCTimeout:       to.config.RPCTimeout,
		OperationTimeout: to.config.OperationTimeout,
		RetryAttempts:    to.config.RetryAttempts,
		RetryBackoff:     to.config.RetryBackoff,
		Logger:           to.logger.WithField("component", "protocol"),
	}

	protocolSuite := NewProtocolTestSuite(protocolConfig)
	defer func() {
		if err := protocolSuite.Cleanup(); err != nil {
			to.logger.Warnf("⚠️  Cleanup warning: %v", err)
		}
	}()

	var firstErr error
	for _, step := range protocolSuite.Steps() {
		to.results.TotalTests++
		if firstErr != nil {
			to.results.SkippedTests++
			to.results.TestSteps = append(to.results.TestSteps, TestStepResult{
				StepName: step.Name,
				Status:   TestStatusSkipped,
			})
			continue
		}

		run := step.Run
		if err := to.executeWithStepTracking(step.Name, func() error { return run(ctx) }); err != nil {
			firstErr = fmt.Errorf("%s: %w", step.Name, err)
		}
	}

	if to.config.CollectMetrics {
		to.results.Metrics = protocolSuite.Metrics()
	}
	return firstErr
}

// executeWithStepTracking executes a test step with result tracking.
func (to *TestOrchestrator) executeWithStepTracking(stepName string, operation func() error) error {
	stepStart := time.Now()

	to.logger.Infof("🎯 Executing: %s", stepName)

	stepResult := TestStepResult{
		StepName: stepName,
		Status:   TestStatusRunning,
	}

	err := operation()

	stepResult.ExecutionTime = time.Since(stepStart)

	if err != nil {
		stepResult.Status = TestStatusFailed
		stepResult.ErrorMessage = err.Error()
		to.results.FailedTests++
		to.logger.Errorf("❌ %s failed: %v", stepName, err)
	} else {
		stepResult.Status = TestStatusPassed
		to.results.PassedTests++
		to.logger.Infof("✅ %s completed in %v", stepName, stepResult.ExecutionTime)
	}

	to.results.TestSteps = append(to.results.TestSteps, stepResult)
	return err
}

// logConfiguration prints the current test configuration.
func (to *TestOrchestrator) logConfiguration() {
	to.logger.Info("📋 Test Configuration:")
	to.logger.Infof("   Nodes: %d", to.config.NodeCount)
	to.logger.Infof("   Values: %d", to.config.ValueCount)
	if to.config.UseUDP {
		to.logger.Infof("   Transport: UDP from %s:%d", to.config.Address, to.config.BasePort)
	} else {
		to.logger.Info("   Transport: in-memory")
	}
	to.logger.Infof("   Overall timeout: %v", to.config.OverallTimeout)
	to.logger.Infof("   RPC timeout: %v", to.config.RPCTimeout)
	to.logger.Infof("   Operation timeout: %v", to.config.OperationTimeout)
	to.logger.Infof("   Retry attempts: %d", to.config.RetryAttempts)
	to.logger.Infof("   Retry backoff: %v", to.config.RetryBackoff)
}

// generateFinalReport creates and logs the final test report.
func (to *TestOrchestrator) generateFinalReport() {
	to.logger.Info("📊 Test Execution Summary")
	to.logger.Info("========================")
	to.logger.Infof("🎯 Overall Status: %s", to.results.FinalStatus)
	to.logger.Infof("⏱️  Total Execution Time: %v", to.results.ExecutionTime)
	to.logger.Infof("📈 Steps: %d total, %d passed, %d failed, %d skipped",
		to.results.TotalTests, to.results.PassedTests, to.results.FailedTests, to.results.SkippedTests)

	for _, step := range to.results.TestSteps {
		to.logger.Infof("   %s %s (%v)", to.getStatusIcon(step.Status), step.StepName, step.ExecutionTime)
		if step.ErrorMessage != "" {
			to.logger.Infof("      Error: %s", step.ErrorMessage)
		}
	}

	if len(to.results.Metrics) > 0 {
		to.logger.WithFields(logrus.Fields(to.results.Metrics)).Info("📊 Network metrics")
	}

	if to.results.FinalStatus == TestStatusPassed {
		to.logger.Info("🎉 All steps completed successfully!")
	} else {
		to.logger.Warn("⚠️  Test execution completed with failures")
	}
	to.logger.Infof("🏁 Test run completed at %s", time.Now().Format(time.RFC3339))
	to.logger.Info(strings.Repeat("=", 50))
}

// getStatusIcon returns the appropriate icon for a test status.
func (to *TestOrchestrator) getStatusIcon(status TestStatus) string {
	switch status {
	case TestStatusFailed:
		return "❌"
	case TestStatusSkipped:
		return "⏭️"
	default:
		return "✅"
	}
}

// GetResults returns the current test results.
func (to *TestOrchestrator) GetResults() *TestResults {
	return to.results
}

// ValidateConfiguration validates the test configuration.
func (to *TestOrchestrator) ValidateConfiguration() error {
	if to.config.NodeCount < 2 {
		return fmt.Errorf("node count must be at least 2")
	}

	if to.config.ValueCount < 0 {
		return fmt.Errorf("value count cannot be negative")
	}

	if to.config.UseUDP {
		if to.config.Address == "" {
			return fmt.Errorf("address cannot be empty")
		}
		if !ValidatePortRange(to.config.BasePort, to.config.NodeCount) {
			return fmt.Errorf("invalid port range: %d nodes from port %d", to.config.NodeCount, to.config.BasePort)
		}
	}

	if to.config.OverallTimeout <= 0 {
		return fmt.Errorf("overall timeout must be positive")
	}

	if to.config.RPCTimeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}

	if to.config.OperationTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive")
	}

	if to.config.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts cannot be negative")
	}

	if to.config.RetryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive")
	}

	return nil
}

// SetLogOutput configures the logger output destination.
func (to *TestOrchestrator) SetLogOutput(output io.Writer) {
	to.logger.SetOutput(output)
}

// SetVerbose enables or disables verbose logging.
func (to *TestOrchestrator) SetVerbose(verbose bool) {
	to.config.VerboseOutput = verbose
}
