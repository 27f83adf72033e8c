package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mojito"
	"github.com/opd-ai/mojito/kuid"
)

// CLIConfig holds the parsed command-line flags.
type CLIConfig struct {
	bind         string
	bootstrap    []string
	put          string
	get          string
	remove       string
	stateFile    string
	databasePath string
	logLevel     string
	sizeInterval time.Duration
	timeout      time.Duration
	once         bool
}

// parseCLIFlags parses args into a configuration.
func parseCLIFlags(args []string, output io.Writer) (*CLIConfig, error) {
	config := &CLIConfig{}
	var seeds string

	fs := flag.NewFlagSet("mojito", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&config.bind, "bind", "0.0.0.0:4000", "UDP address to listen on")
	fs.StringVar(&seeds, "bootstrap", "", "Comma separated seed addresses (host:port)")
	fs.StringVar(&config.put, "put", "", "Publish a value, given as key=value")
	fs.StringVar(&config.get, "get", "", "Look up the values stored under key")
	fs.StringVar(&config.remove, "remove", "", "Remove the value this node published under key")
	fs.StringVar(&config.stateFile, "state", "", "File the node state is loaded from and saved to")
	fs.StringVar(&config.databasePath, "db", "", "Directory of the persistent value store (default: memory)")
	fs.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.DurationVar(&config.sizeInterval, "size-interval", time.Minute, "How often the network size estimate is logged")
	fs.DurationVar(&config.timeout, "timeout", 2*time.Minute, "Deadline for each bootstrap, put, get or remove")
	fs.BoolVar(&config.once, "once", false, "Exit after the requested operations instead of serving")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	for _, s := range strings.Split(seeds, ",") {
		if s = strings.TrimSpace(s); s != "" {
			config.bootstrap = append(config.bootstrap, s)
		}
	}
	return config, nil
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if config.bind == "" {
		return fmt.Errorf("bind address cannot be empty")
	}
	if config.put != "" {
		if key, _, ok := strings.Cut(config.put, "="); !ok || key == "" {
			return fmt.Errorf("put must be key=value")
		}
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level %q", config.logLevel)
	}
	if config.sizeInterval <= 0 {
		return fmt.Errorf("size interval must be positive")
	}
	if config.timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// createOptions converts the CLI configuration to node options.
func createOptions(config *CLIConfig) *mojito.Options {
	options := mojito.NewOptions()
	options.DatabasePath = config.databasePath
	options.OperationTimeout = config.timeout
	return options
}

// keyFor maps a user supplied key to a value ID.
func keyFor(s string) kuid.KUID {
	return kuid.ValueIDFromBytes([]byte(s))
}

// runOperations performs the requested put, get and remove in that order.
func runOperations(ctx context.Context, node *mojito.Context, config *CLIConfig, out io.Writer) error {
	if config.put != "" {
		key, value, _ := strings.Cut(config.put, "=")
		ok, err := node.Put(ctx, keyFor(key), []byte(value), nil)
		if err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		fmt.Fprintf(out, "put %s: stored=%v\n", key, ok)
	}

	if config.get != "" {
		values, err := node.Get(ctx, keyFor(config.get))
		if err != nil {
			return fmt.Errorf("get %s: %w", config.get, err)
		}
		if len(values) == 0 {
			fmt.Fprintf(out, "get %s: not found\n", config.get)
		}
		for _, kv := range values {
			fmt.Fprintf(out, "get %s: %s (from %s)\n", config.get, kv.Value, kv.Creator.Hex())
		}
	}

	if config.remove != "" {
		ok, err := node.Remove(ctx, keyFor(config.remove))
		if err != nil {
			return fmt.Errorf("remove %s: %w", config.remove, err)
		}
		fmt.Fprintf(out, "remove %s: removed=%v\n", config.remove, ok)
	}
	return nil
}

// setupSignalHandling cancels ctx on interrupt.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		sig := <-sigChan
		logrus.WithField("signal", sig.String()).Info("Shutting down")
		cancel()
	}()
}

func run(ctx context.Context, config *CLIConfig, out io.Writer) error {
	node, err := mojito.New(createOptions(config))
	if err != nil {
		return err
	}
	defer node.Close()

	if err := node.Bind(config.bind); err != nil {
		return err
	}

	if config.stateFile != "" {
		err := node.LoadFile(config.stateFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logrus.WithField("file", config.stateFile).Info("No saved state, starting fresh")
		case err != nil:
			return fmt.Errorf("load state: %w", err)
		}
		defer func() {
			if err := node.SaveFile(config.stateFile); err != nil {
				logrus.WithFields(logrus.Fields{
					"file":  config.stateFile,
					"error": err.Error(),
				}).Error("Failed to save state")
			}
		}()
	}

	if err := node.Start(); err != nil {
		return err
	}

	if len(config.bootstrap) > 0 || node.RouteTable().Size() > 0 {
		result, err := node.Bootstrap(ctx, config.bootstrap...)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"contacts":   len(result.Contacts),
			"id_changed": result.IDChanged,
			"elapsed":    result.Elapsed,
		}).Info("Joined the network")
	}

	if err := runOperations(ctx, node, config, out); err != nil {
		return err
	}
	if config.once {
		return nil
	}

	fmt.Fprintf(out, "node %s listening on %s\n", node.LocalNode().ID().Hex(), node.LocalAddr())
	ticker := time.NewTicker(config.sizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			logrus.WithFields(logrus.Fields{
				"size":     node.Size(),
				"contacts": node.RouteTable().Size(),
				"values":   node.Database().Count(),
			}).Info("Network size estimate")
		}
	}
}

func main() {
	config, err := parseCLIFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if err := validateCLIConfig(config); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	level, _ := logrus.ParseLevel(config.logLevel)
	logrus.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	if err := run(ctx, config, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "mojito: %v\n", err)
		os.Exit(1)
	}
}
