package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCLIFlags(t *testing.T) {
	config, err := parseCLIFlags([]string{
		"-bind", "127.0.0.1:0",
		"-bootstrap", "a:1, b:2,,",
		"-put", "k=v=w",
		"-log-level", "debug",
		"-once",
	}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:0", config.bind)
	assert.Equal(t, []string{"a:1", "b:2"}, config.bootstrap)
	assert.Equal(t, "k=v=w", config.put)
	assert.Equal(t, "debug", config.logLevel)
	assert.True(t, config.once)
	assert.Equal(t, 2*time.Minute, config.timeout)

	_, err = parseCLIFlags([]string{"-nope"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestValidateCLIConfig(t *testing.T) {
	valid := func() *CLIConfig {
		return &CLIConfig{
			bind:         "0.0.0.0:4000",
			logLevel:     "info",
			sizeInterval: time.Minute,
			timeout:      time.Minute,
		}
	}

	tests := []struct {
		name        string
		mutate      func(c *CLIConfig)
		wantErr     bool
		errContains string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *CLIConfig) {},
		},
		{
			name:   "valid put",
			mutate: func(c *CLIConfig) { c.put = "key=" },
		},
		{
			name:        "empty bind",
			mutate:      func(c *CLIConfig) { c.bind = "" },
			wantErr:     true,
			errContains: "bind address cannot be empty",
		},
		{
			name:        "put without separator",
			mutate:      func(c *CLIConfig) { c.put = "key" },
			wantErr:     true,
			errContains: "put must be key=value",
		},
		{
			name:        "put without key",
			mutate:      func(c *CLIConfig) { c.put = "=value" },
			wantErr:     true,
			errContains: "put must be key=value",
		},
		{
			name:        "unknown log level",
			mutate:      func(c *CLIConfig) { c.logLevel = "loud" },
			wantErr:     true,
			errContains: "invalid log level",
		},
		{
			name:        "zero size interval",
			mutate:      func(c *CLIConfig) { c.sizeInterval = 0 },
			wantErr:     true,
			errContains: "size interval must be positive",
		},
		{
			name:        "negative timeout",
			mutate:      func(c *CLIConfig) { c.timeout = -time.Second },
			wantErr:     true,
			errContains: "timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(config)
			err := validateCLIConfig(config)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestCreateOptions(t *testing.T) {
	config := &CLIConfig{databasePath: "/tmp/values", timeout: 30 * time.Second}
	options := createOptions(config)
	assert.Equal(t, "/tmp/values", options.DatabasePath)
	assert.Equal(t, 30*time.Second, options.OperationTimeout)
	assert.NoError(t, options.Validate())
}

func TestRunOnceWritesState(t *testing.T) {
	state := filepath.Join(t.TempDir(), "node.state")
	config := &CLIConfig{
		bind:         "127.0.0.1:0",
		put:          "greeting=hello",
		get:          "greeting",
		stateFile:    state,
		logLevel:     "info",
		sizeInterval: time.Minute,
		timeout:      5 * time.Second,
		once:         true,
	}

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), config, &out))
	assert.Contains(t, out.String(), "put greeting: stored=true")
	assert.Contains(t, out.String(), "get greeting: hello")
	assert.FileExists(t, state)

	// A second run restores the local value from the snapshot.
	config.put = ""
	out.Reset()
	require.NoError(t, run(context.Background(), config, &out))
	assert.Contains(t, out.String(), "get greeting: hello")
}
