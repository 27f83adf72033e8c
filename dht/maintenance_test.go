package dht

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMaintainerRunsTasks(t *testing.T) {
	var refreshes, expires, rotations atomic.Int32

	m := NewMaintainer(&MaintenanceConfig{
		BucketRefreshInterval: 10 * time.Millisecond,
		ExpireInterval:        10 * time.Millisecond,
		TokenRotationInterval: 10 * time.Millisecond,
	}, MaintenanceTasks{
		RefreshBuckets: func(ctx context.Context) { refreshes.Add(1) },
		ExpireValues:   func() { expires.Add(1) },
		RotateTokens:   func() { rotations.Add(1) },
	})

	assert.NoError(t, m.Start())
	assert.NoError(t, m.Start(), "second start is a no-op")
	assert.True(t, m.IsRunning())

	assert.Eventually(t, func() bool {
		return refreshes.Load() > 1 && expires.Load() > 1 && rotations.Load() > 1
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	assert.False(t, m.IsRunning())

	after := refreshes.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, refreshes.Load(), "no task runs after Stop")

	m.Stop()
}

func TestMaintainerCancelsRunningTask(t *testing.T) {
	started := make(chan struct{})
	var once atomic.Bool

	m := NewMaintainer(&MaintenanceConfig{RepublishInterval: 5 * time.Millisecond}, MaintenanceTasks{
		Republish: func(ctx context.Context) {
			if once.CompareAndSwap(false, true) {
				close(started)
			}
			<-ctx.Done()
		},
	})
	assert.NoError(t, m.Start())
	<-started

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the running task")
	}
}
