package database

import (
	"github.com/opd-ai/mojito/kuid"
)

type idKey = [kuid.Length]byte

// Storage is the backend a Database keeps its values in. The Database
// serializes all calls, so implementations need not be safe for
// concurrent use on their own.
type Storage interface {
	// Get returns every value stored under key.
	Get(key kuid.KUID) ([]*KeyValue, error)
	// Lookup returns the value stored under key by creator, or nil.
	Lookup(key, creator kuid.KUID) (*KeyValue, error)
	// Put inserts or replaces the value for (kv.Key, kv.Creator).
	Put(kv *KeyValue) error
	// Delete removes the value for (key, creator).
	Delete(key, creator kuid.KUID) error
	// All returns every stored value.
	All() ([]*KeyValue, error)
	// Count returns the number of stored values.
	Count() (int, error)
	// Close releases the backend.
	Close() error
}

// MemoryStorage keeps values in nested maps keyed by value ID and creator.
type MemoryStorage struct {
	bags  map[idKey]map[idKey]*KeyValue
	count int
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{bags: make(map[idKey]map[idKey]*KeyValue)}
}

func (m *MemoryStorage) Get(key kuid.KUID) ([]*KeyValue, error) {
	bag := m.bags[key.Array()]
	out := make([]*KeyValue, 0, len(bag))
	for _, kv := range bag {
		out = append(out, kv)
	}
	return out, nil
}

func (m *MemoryStorage) Lookup(key, creator kuid.KUID) (*KeyValue, error) {
	return m.bags[key.Array()][creator.Array()], nil
}

func (m *MemoryStorage) Put(kv *KeyValue) error {
	bag, ok := m.bags[kv.Key.Array()]
	if !ok {
		bag = make(map[idKey]*KeyValue)
		m.bags[kv.Key.Array()] = bag
	}
	if _, exists := bag[kv.Creator.Array()]; !exists {
		m.count++
	}
	bag[kv.Creator.Array()] = kv
	return nil
}

func (m *MemoryStorage) Delete(key, creator kuid.KUID) error {
	bag, ok := m.bags[key.Array()]
	if !ok {
		return nil
	}
	if _, exists := bag[creator.Array()]; exists {
		delete(bag, creator.Array())
		m.count--
	}
	if len(bag) == 0 {
		delete(m.bags, key.Array())
	}
	return nil
}

func (m *MemoryStorage) All() ([]*KeyValue, error) {
	out := make([]*KeyValue, 0, m.count)
	for _, bag := range m.bags {
		for _, kv := range bag {
			out = append(out, kv)
		}
	}
	return out, nil
}

func (m *MemoryStorage) Count() (int, error) { return m.count, nil }

func (m *MemoryStorage) Close() error { return nil }
