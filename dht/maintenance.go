package dht

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MaintenanceConfig holds configuration for DHT maintenance.
type MaintenanceConfig struct {
	// How often stale buckets are checked and refreshed
	BucketRefreshInterval time.Duration
	// How often local values are checked for republishing
	RepublishInterval time.Duration
	// How often expired remote values are purged
	ExpireInterval time.Duration
	// How often the security token key rotates
	TokenRotationInterval time.Duration
}

// DefaultMaintenanceConfig returns sensible defaults for DHT maintenance.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		BucketRefreshInterval: 5 * time.Minute,
		RepublishInterval:     10 * time.Minute,
		ExpireInterval:        5 * time.Minute,
		TokenRotationInterval: 5 * time.Minute,
	}
}

// MaintenanceTasks are the jobs the Maintainer schedules. Nil tasks are
// skipped.
type MaintenanceTasks struct {
	RefreshBuckets func(ctx context.Context)
	Republish      func(ctx context.Context)
	ExpireValues   func()
	RotateTokens   func()
}

// Maintainer runs periodic DHT maintenance on its own goroutines, so a slow
// refresh never delays the receive path.
type Maintainer struct {
	config *MaintenanceConfig
	tasks  MaintenanceTasks

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewMaintainer creates a new DHT maintenance manager.
func NewMaintainer(config *MaintenanceConfig, tasks MaintenanceTasks) *Maintainer {
	if config == nil {
		config = DefaultMaintenanceConfig()
	}
	return &Maintainer{
		config: config,
		tasks:  tasks,
	}
}

// Start begins the DHT maintenance process.
func (m *Maintainer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.isRunning = true

	if m.tasks.RefreshBuckets != nil {
		m.schedule("refresh", m.config.BucketRefreshInterval, m.tasks.RefreshBuckets)
	}
	if m.tasks.Republish != nil {
		m.schedule("republish", m.config.RepublishInterval, m.tasks.Republish)
	}
	if m.tasks.ExpireValues != nil {
		expire := m.tasks.ExpireValues
		m.schedule("expire", m.config.ExpireInterval, func(context.Context) { expire() })
	}
	if m.tasks.RotateTokens != nil {
		rotate := m.tasks.RotateTokens
		m.schedule("rotate_tokens", m.config.TokenRotationInterval, func(context.Context) { rotate() })
	}

	logrus.WithFields(logrus.Fields{
		"function": "Maintainer.Start",
		"refresh":  m.config.BucketRefreshInterval,
		"expire":   m.config.ExpireInterval,
	}).Info("Started DHT maintenance")
	return nil
}

// Stop halts all maintenance tasks and waits for running ones to return.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

// IsRunning reports whether the maintenance goroutines are active.
func (m *Maintainer) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}

func (m *Maintainer) schedule(name string, interval time.Duration, task func(ctx context.Context)) {
	if interval <= 0 {
		return
	}

	ctx := m.ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logrus.WithFields(logrus.Fields{
					"function": "Maintainer.schedule",
					"task":     name,
				}).Debug("Running maintenance task")
				task(ctx)
			}
		}
	}()
}
