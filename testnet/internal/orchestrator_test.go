package internal

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *TestConfig {
	config := DefaultTestConfig()
	config.NodeCount = 5
	config.ValueCount = 2
	config.OverallTimeout = 30 * time.Second
	config.RPCTimeout = 200 * time.Millisecond
	config.OperationTimeout = 10 * time.Second
	config.RetryAttempts = 1
	config.RetryBackoff = 10 * time.Millisecond
	return config
}

func TestTestStatusString(t *testing.T) {
	tests := []struct {
		status TestStatus
		want   string
	}{
		{TestStatusPending, "PENDING"},
		{TestStatusRunning, "RUNNING"},
		{TestStatusPassed, "PASSED"},
		{TestStatusFailed, "FAILED"},
		{TestStatusSkipped, "SKIPPED"},
		{TestStatusTimeout, "TIMEOUT"},
		{TestStatus(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestRunTestsPasses(t *testing.T) {
	orchestrator, err := NewTestOrchestrator(testConfig())
	require.NoError(t, err)
	var out bytes.Buffer
	orchestrator.SetLogOutput(&out)

	results, err := orchestrator.RunTests(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TestStatusPassed, results.FinalStatus)
	assert.Equal(t, 5, results.TotalTests)
	assert.Equal(t, 5, results.PassedTests)
	assert.Zero(t, results.FailedTests)
	assert.Len(t, results.TestSteps, 5)
	assert.Equal(t, 5, results.Metrics["nodes"])
	assert.Contains(t, out.String(), "All steps completed successfully")
	assert.Same(t, results, orchestrator.GetResults())
}

func TestRunTestsSkipsAfterFailure(t *testing.T) {
	config := testConfig()
	config.NodeCount = 1
	orchestrator, err := NewTestOrchestrator(config)
	require.NoError(t, err)
	orchestrator.SetLogOutput(&bytes.Buffer{})

	results, err := orchestrator.RunTests(context.Background())
	require.Error(t, err)

	assert.Equal(t, TestStatusFailed, results.FinalStatus)
	assert.Equal(t, 1, results.PassedTests)
	assert.Equal(t, 1, results.FailedTests)
	assert.Equal(t, 3, results.SkippedTests)
	assert.Equal(t, TestStatusSkipped, results.TestSteps[4].Status)
	assert.Contains(t, results.ErrorDetails, "Bootstrap")
}

func TestRunTestsCancelled(t *testing.T) {
	orchestrator, err := NewTestOrchestrator(testConfig())
	require.NoError(t, err)
	orchestrator.SetLogOutput(&bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := orchestrator.RunTests(ctx)
	require.Error(t, err)
	assert.NotEqual(t, TestStatusPassed, results.FinalStatus)
}

func TestNewTestOrchestrator(t *testing.T) {
	orchestrator, err := NewTestOrchestrator(nil)
	require.NoError(t, err)
	assert.Equal(t, 8, orchestrator.config.NodeCount)

	config := testConfig()
	config.LogLevel = "chatty"
	_, err = NewTestOrchestrator(config)
	assert.Error(t, err)

	config = testConfig()
	config.LogFile = filepath.Join(t.TempDir(), "testnet.log")
	_, err = NewTestOrchestrator(config)
	assert.NoError(t, err)
	assert.FileExists(t, config.LogFile)
}

func TestValidateConfiguration(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *TestConfig)
		errContains string
	}{
		{"valid", func(c *TestConfig) {}, ""},
		{"valid udp", func(c *TestConfig) { c.UseUDP = true }, ""},
		{"one node", func(c *TestConfig) { c.NodeCount = 1 }, "node count"},
		{"negative values", func(c *TestConfig) { c.ValueCount = -1 }, "value count"},
		{"udp without address", func(c *TestConfig) { c.UseUDP = true; c.Address = "" }, "address cannot be empty"},
		{"udp past max port", func(c *TestConfig) { c.UseUDP = true; c.BasePort = 65535 }, "invalid port range"},
		{"zero overall timeout", func(c *TestConfig) { c.OverallTimeout = 0 }, "overall timeout"},
		{"zero rpc timeout", func(c *TestConfig) { c.RPCTimeout = 0 }, "RPC timeout"},
		{"zero operation timeout", func(c *TestConfig) { c.OperationTimeout = 0 }, "operation timeout"},
		{"negative retries", func(c *TestConfig) { c.RetryAttempts = -1 }, "retry attempts"},
		{"zero backoff", func(c *TestConfig) { c.RetryBackoff = 0 }, "retry backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig()
			tt.mutate(config)
			orchestrator, err := NewTestOrchestrator(config)
			require.NoError(t, err)

			err = orchestrator.ValidateConfiguration()
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}
