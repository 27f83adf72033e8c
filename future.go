package mojito

import (
	"context"
	"fmt"

	"github.com/opd-ai/mojito/crypto"
	"github.com/opd-ai/mojito/database"
	"github.com/opd-ai/mojito/dht"
	"github.com/opd-ai/mojito/dhterr"
	"github.com/opd-ai/mojito/kuid"
	"github.com/opd-ai/mojito/manager"
)

// Future is the pending result of an asynchronous operation.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func goFuture[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.value, f.err = fn()
	}()
	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Result blocks until the operation completes.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// Wait blocks until the operation completes or ctx ends. Giving up on the
// wait does not cancel the operation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", dhterr.ErrCancelled, ctx.Err())
	}
}

// BootstrapAsync runs Bootstrap in the background.
func (c *Context) BootstrapAsync(ctx context.Context, seeds ...string) *Future[*manager.BootstrapResult] {
	return goFuture(func() (*manager.BootstrapResult, error) { return c.Bootstrap(ctx, seeds...) })
}

// PingAsync runs Ping in the background.
func (c *Context) PingAsync(ctx context.Context, addr string) *Future[*dht.Contact] {
	return goFuture(func() (*dht.Contact, error) { return c.Ping(ctx, addr) })
}

// PutAsync runs Put in the background.
func (c *Context) PutAsync(ctx context.Context, key kuid.KUID, value []byte, signer *crypto.KeyPair) *Future[bool] {
	return goFuture(func() (bool, error) { return c.Put(ctx, key, value, signer) })
}

// RemoveAsync runs Remove in the background.
func (c *Context) RemoveAsync(ctx context.Context, key kuid.KUID) *Future[bool] {
	return goFuture(func() (bool, error) { return c.Remove(ctx, key) })
}

// GetAsync runs Get in the background.
func (c *Context) GetAsync(ctx context.Context, key kuid.KUID) *Future[[]*database.KeyValue] {
	return goFuture(func() ([]*database.KeyValue, error) { return c.Get(ctx, key) })
}
