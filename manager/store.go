package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/mojito/database"
	"github.com/opd-ai/mojito/dht"
	"github.com/opd-ai/mojito/dhterr"
	"github.com/opd-ai/mojito/message"
	"github.com/opd-ai/mojito/rpc"
	"github.com/opd-ai/mojito/transport"
)

// StoreConfig holds the STORE fan-out settings.
type StoreConfig struct {
	// STORE requests in flight per operation
	Parallelism int
}

// DefaultStoreConfig returns the default store settings.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{Parallelism: 5}
}

// StoreResult reports where a value was stored.
type StoreResult struct {
	Value     *database.KeyValue
	Succeeded []*dht.Contact
	Failed    []*dht.Contact
	// Per-contact error for the failed contacts, by node ID hex
	Errors map[string]error
}

// Locations returns the number of nodes that accepted the value.
func (r *StoreResult) Locations() int { return len(r.Succeeded) }

// StoreManager publishes values to the nodes closest to their key.
type StoreManager struct {
	dispatcher rpc.MessageDispatcher
	lookups    *LookupManager
	db         *database.Database
	config     *StoreConfig
}

// NewStoreManager creates a store manager.
func NewStoreManager(d rpc.MessageDispatcher, lookups *LookupManager, db *database.Database, config *StoreConfig) *StoreManager {
	if config == nil {
		config = DefaultStoreConfig()
	}
	return &StoreManager{dispatcher: d, lookups: lookups, db: db, config: config}
}

// Store finds the K closest nodes to kv.Key and sends each one STORE. The
// local node is never among them. For a local value the number of
// accepting nodes is recorded in the database.
func (s *StoreManager) Store(ctx context.Context, kv *database.KeyValue) (*StoreResult, error) {
	lookup, err := s.lookups.FindNode(ctx, kv.Key)
	if err != nil {
		return nil, err
	}
	result, err := s.StoreTo(ctx, kv, lookup)
	if err != nil {
		return nil, err
	}

	if kv.Local && s.db != nil {
		s.db.MarkPublished(kv.Key, kv.Creator, result.Locations())
	}

	logrus.WithFields(logrus.Fields{
		"function":  "StoreManager.Store",
		"key":       kv.Key.Hex(),
		"succeeded": len(result.Succeeded),
		"failed":    len(result.Failed),
		"remove":    kv.IsEmpty(),
	}).Debug("Published value")
	return result, nil
}

// StoreTo sends kv to the contacts of a finished lookup, using the
// security tokens they handed out.
func (s *StoreManager) StoreTo(ctx context.Context, kv *database.KeyValue, lookup *LookupResult) (*StoreResult, error) {
	result := &StoreResult{Value: kv, Errors: make(map[string]error)}
	var mu sync.Mutex
	record := func(c *dht.Contact, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			result.Succeeded = append(result.Succeeded, c)
			return
		}
		result.Failed = append(result.Failed, c)
		result.Errors[c.ID().Hex()] = err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Parallelism)

	for _, c := range lookup.Contacts {
		c := c
		token, ok := lookup.Token(c)
		if !ok {
			record(c, fmt.Errorf("%w: no security token", dhterr.ErrProtocol))
			continue
		}
		g.Go(func() error {
			record(c, s.storeOne(gctx, c, token, kv))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("%w: store %s: %v", dhterr.ErrCancelled, kv.Key.Hex(), err)
	}
	return result, nil
}

func (s *StoreManager) storeOne(ctx context.Context, c *dht.Contact, token string, kv *database.KeyValue) error {
	req := s.dispatcher.NewRequest(transport.PacketStore)
	req.Token = token
	req.Values = []message.Value{message.FromKeyValue(kv)}

	resp, _, err := s.dispatcher.Call(ctx, c, req)
	if err != nil {
		return err
	}
	for _, st := range resp.Status {
		if st.Key == req.Values[0].Key && st.Creator == req.Values[0].Creator {
			if st.Status == message.StoreSucceeded {
				return nil
			}
			return fmt.Errorf("%w: rejected by %s", dhterr.ErrStoreConflict, c.ID().Hex())
		}
	}
	return fmt.Errorf("%w: no status for value from %s", dhterr.ErrProtocol, c.ID().Hex())
}
