package database

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/opd-ai/mojito/kuid"
)

// LevelStorage keeps values in a LevelDB database so that stored values
// survive restarts. Keys are the value ID followed by the creator ID and
// values use the record encoding of WriteRecord.
type LevelStorage struct {
	db *leveldb.DB
}

// OpenLevelStorage opens (or creates) a LevelDB database at path.
func OpenLevelStorage(path string) (*LevelStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open value store %s: %w", path, err)
	}
	return &LevelStorage{db: db}, nil
}

// NewMemLevelStorage creates a LevelDB backend held entirely in memory.
func NewMemLevelStorage() (*LevelStorage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelStorage{db: db}, nil
}

func levelKey(key, creator kuid.KUID) []byte {
	k := make([]byte, 0, 2*kuid.Length)
	k = append(k, key.Bytes()...)
	return append(k, creator.Bytes()...)
}

func (l *LevelStorage) Get(key kuid.KUID) ([]*KeyValue, error) {
	return l.scan(util.BytesPrefix(key.Bytes()))
}

func (l *LevelStorage) Lookup(key, creator kuid.KUID) (*KeyValue, error) {
	data, err := l.db.Get(levelKey(key, creator), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ReadRecord(bytes.NewReader(data))
}

func (l *LevelStorage) Put(kv *KeyValue) error {
	var buf bytes.Buffer
	if err := WriteRecord(&buf, kv); err != nil {
		return err
	}
	return l.db.Put(levelKey(kv.Key, kv.Creator), buf.Bytes(), nil)
}

func (l *LevelStorage) Delete(key, creator kuid.KUID) error {
	return l.db.Delete(levelKey(key, creator), nil)
}

func (l *LevelStorage) All() ([]*KeyValue, error) {
	return l.scan(nil)
}

func (l *LevelStorage) Count() (int, error) {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()

	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (l *LevelStorage) Close() error {
	return l.db.Close()
}

func (l *LevelStorage) scan(r *util.Range) ([]*KeyValue, error) {
	iter := l.db.NewIterator(r, nil)
	defer iter.Release()

	var out []*KeyValue
	for iter.Next() {
		kv, err := ReadRecord(bytes.NewReader(iter.Value()))
		if err != nil {
			return nil, fmt.Errorf("decode stored value: %w", err)
		}
		out = append(out, kv)
	}
	return out, iter.Error()
}
