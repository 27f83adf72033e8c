package database

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mojito/crypto"
	"github.com/opd-ai/mojito/dhterr"
	"github.com/opd-ai/mojito/kuid"
	"github.com/opd-ai/mojito/limits"
)

var testEpoch = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T, config *Config) (*Database, *crypto.ManualTimeProvider) {
	t.Helper()
	clock := crypto.NewManualTimeProvider(testEpoch)
	return New(config, NewMemoryStorage(), clock), clock
}

func remoteValue(key kuid.KUID, value string, creator kuid.KUID) *KeyValue {
	return &KeyValue{
		Key:         key,
		Value:       []byte(value),
		Creator:     creator,
		CreatorAddr: "10.0.0.1:5000",
		Sender:      creator,
		Created:     testEpoch,
	}
}

func signed(t *testing.T, kv *KeyValue, kp *crypto.KeyPair) *KeyValue {
	t.Helper()
	require.NoError(t, kv.Sign(kp))
	return kv
}

func TestPutAndGet(t *testing.T) {
	db, _ := newTestDB(t, nil)
	key := kuid.ValueIDFromBytes([]byte("song.mp3"))
	creator := kuid.RandomNodeID()

	ok, err := db.Put(remoteValue(key, "hello", creator))
	require.NoError(t, err)
	assert.True(t, ok)

	values := db.Get(key)
	require.Len(t, values, 1)
	assert.Equal(t, []byte("hello"), values[0].Value)

	assert.Empty(t, db.Get(kuid.ValueIDFromBytes([]byte("missing"))))
}

func TestGetReturnsCopies(t *testing.T) {
	db, _ := newTestDB(t, nil)
	key := kuid.ValueIDFromBytes([]byte("k"))
	_, err := db.Put(remoteValue(key, "abc", kuid.RandomNodeID()))
	require.NoError(t, err)

	db.Get(key)[0].Value[0] = 'x'
	assert.Equal(t, []byte("abc"), db.Get(key)[0].Value)
}

func TestPutInvalidInput(t *testing.T) {
	db, _ := newTestDB(t, nil)

	_, err := db.Put(nil)
	assert.ErrorIs(t, err, dhterr.ErrInvalidArgument)

	kv := remoteValue(kuid.RandomNodeID(), "v", kuid.RandomNodeID())
	_, err = db.Put(kv)
	assert.ErrorIs(t, err, dhterr.ErrInvalidArgument, "node ID used as key")

	kv = remoteValue(kuid.ValueIDFromBytes([]byte("k")), "", kuid.RandomNodeID())
	kv.Value = make([]byte, limits.MaxValueSize+1)
	_, err = db.Put(kv)
	assert.ErrorIs(t, err, dhterr.ErrInvalidArgument)
}

func TestMultipleCreatorsShareKey(t *testing.T) {
	db, _ := newTestDB(t, nil)
	key := kuid.ValueIDFromBytes([]byte("shared"))

	for _, v := range []string{"a", "b", "c"} {
		ok, err := db.Put(remoteValue(key, v, kuid.RandomNodeID()))
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Len(t, db.Get(key), 3)
}

func TestSameCreatorUpdates(t *testing.T) {
	db, _ := newTestDB(t, nil)
	key := kuid.ValueIDFromBytes([]byte("k"))
	creator := kuid.RandomNodeID()

	_, err := db.Put(remoteValue(key, "v1", creator))
	require.NoError(t, err)
	ok, err := db.Put(remoteValue(key, "v2", creator))
	require.NoError(t, err)
	assert.True(t, ok)

	values := db.Get(key)
	require.Len(t, values, 1)
	assert.Equal(t, []byte("v2"), values[0].Value)
}

func TestRemoveByEmptyValue(t *testing.T) {
	db, _ := newTestDB(t, nil)
	key := kuid.ValueIDFromBytes([]byte("k"))
	creator := kuid.RandomNodeID()

	_, err := db.Put(remoteValue(key, "hello", creator))
	require.NoError(t, err)

	ok, err := db.Put(remoteValue(key, "", creator))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, db.Get(key))
	assert.Equal(t, 0, db.Count())

	ok, err = db.Put(remoteValue(key, "", creator))
	require.NoError(t, err)
	assert.False(t, ok, "nothing left to remove")
}

func TestRemoveRules(t *testing.T) {
	key := kuid.ValueIDFromBytes([]byte("k"))
	local := kuid.RandomNodeID()

	t.Run("local value cannot be removed remotely", func(t *testing.T) {
		db, _ := newTestDB(t, nil)
		_, err := db.Put(NewLocalValue(key, []byte("mine"), local, "127.0.0.1:1", testEpoch))
		require.NoError(t, err)

		ok, err := db.Put(remoteValue(key, "", local))
		assert.False(t, ok)
		assert.ErrorIs(t, err, dhterr.ErrStoreConflict)
		assert.Len(t, db.Get(key), 1)
	})

	t.Run("indirect removal rejected", func(t *testing.T) {
		db, _ := newTestDB(t, nil)
		creator := kuid.RandomNodeID()
		_, err := db.Put(remoteValue(key, "v", creator))
		require.NoError(t, err)

		rm := remoteValue(key, "", creator)
		rm.Sender = kuid.RandomNodeID()
		ok, err := db.Put(rm)
		assert.False(t, ok)
		assert.ErrorIs(t, err, dhterr.ErrStoreConflict)
	})

	t.Run("signed value needs signed removal", func(t *testing.T) {
		db, _ := newTestDB(t, nil)
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		creator := kuid.RandomNodeID()

		_, err = db.Put(signed(t, remoteValue(key, "v", creator), kp))
		require.NoError(t, err)

		ok, err := db.Put(remoteValue(key, "", creator))
		assert.False(t, ok)
		assert.ErrorIs(t, err, dhterr.ErrStoreConflict)

		ok, err = db.Put(signed(t, remoteValue(key, "", creator), kp))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("local removal", func(t *testing.T) {
		db, _ := newTestDB(t, nil)
		_, err := db.Put(NewLocalValue(key, []byte("mine"), local, "127.0.0.1:1", testEpoch))
		require.NoError(t, err)

		ok, err := db.Put(NewLocalValue(key, nil, local, "127.0.0.1:1", testEpoch))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, db.LocalValues())
	})
}

func TestTrustRules(t *testing.T) {
	key := kuid.ValueIDFromBytes([]byte("k"))
	creator := kuid.RandomNodeID()
	owner, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	attacker, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	t.Run("unsigned cannot replace signed", func(t *testing.T) {
		db, _ := newTestDB(t, nil)
		_, err := db.Put(signed(t, remoteValue(key, "real", creator), owner))
		require.NoError(t, err)

		ok, err := db.Put(remoteValue(key, "fake", creator))
		assert.False(t, ok)
		assert.ErrorIs(t, err, dhterr.ErrStoreConflict)
	})

	t.Run("other key cannot replace signed", func(t *testing.T) {
		db, _ := newTestDB(t, nil)
		_, err := db.Put(signed(t, remoteValue(key, "real", creator), owner))
		require.NoError(t, err)

		ok, err := db.Put(signed(t, remoteValue(key, "fake", creator), attacker))
		assert.False(t, ok)
		assert.ErrorIs(t, err, dhterr.ErrStoreConflict)
	})

	t.Run("signed replaces unsigned", func(t *testing.T) {
		db, _ := newTestDB(t, nil)
		_, err := db.Put(remoteValue(key, "plain", creator))
		require.NoError(t, err)

		ok, err := db.Put(signed(t, remoteValue(key, "signed", creator), owner))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("same key updates", func(t *testing.T) {
		db, _ := newTestDB(t, nil)
		_, err := db.Put(signed(t, remoteValue(key, "v1", creator), owner))
		require.NoError(t, err)

		ok, err := db.Put(signed(t, remoteValue(key, "v2", creator), owner))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("tampered signature is untrusted", func(t *testing.T) {
		db, _ := newTestDB(t, nil)
		kv := signed(t, remoteValue(key, "v", creator), owner)
		kv.Value = []byte("w")
		assert.False(t, db.IsTrustworthy(kv))
	})

	t.Run("master key", func(t *testing.T) {
		config := DefaultConfig()
		config.MasterKey = &owner.Public
		db, _ := newTestDB(t, config)

		assert.True(t, db.IsTrustworthy(signed(t, remoteValue(key, "v", creator), owner)))
		assert.False(t, db.IsTrustworthy(signed(t, remoteValue(key, "v", creator), attacker)))
	})
}

func TestLocalAndDirectPrecedence(t *testing.T) {
	key := kuid.ValueIDFromBytes([]byte("k"))

	t.Run("remote cannot replace local", func(t *testing.T) {
		db, _ := newTestDB(t, nil)
		local := kuid.RandomNodeID()
		_, err := db.Put(NewLocalValue(key, []byte("mine"), local, "127.0.0.1:1", testEpoch))
		require.NoError(t, err)

		ok, err := db.Put(remoteValue(key, "theirs", local))
		assert.False(t, ok)
		assert.ErrorIs(t, err, dhterr.ErrStoreConflict)
		assert.Equal(t, []byte("mine"), db.Get(key)[0].Value)
	})

	t.Run("indirect cannot replace direct", func(t *testing.T) {
		db, _ := newTestDB(t, nil)
		creator := kuid.RandomNodeID()
		_, err := db.Put(remoteValue(key, "direct", creator))
		require.NoError(t, err)

		kv := remoteValue(key, "cached", creator)
		kv.Sender = kuid.RandomNodeID()
		ok, err := db.Put(kv)
		assert.False(t, ok)
		assert.ErrorIs(t, err, dhterr.ErrStoreConflict)
	})

	t.Run("direct replaces indirect", func(t *testing.T) {
		db, _ := newTestDB(t, nil)
		creator := kuid.RandomNodeID()
		kv := remoteValue(key, "cached", creator)
		kv.Sender = kuid.RandomNodeID()
		_, err := db.Put(kv)
		require.NoError(t, err)

		ok, err := db.Put(remoteValue(key, "direct", creator))
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestLimits(t *testing.T) {
	config := DefaultConfig()
	config.MaxValuesPerKey = 2
	config.MaxDatabaseSize = 3
	db, _ := newTestDB(t, config)

	key := kuid.ValueIDFromBytes([]byte("k"))
	for i := 0; i < 2; i++ {
		_, err := db.Put(remoteValue(key, "v", kuid.RandomNodeID()))
		require.NoError(t, err)
	}
	ok, err := db.Put(remoteValue(key, "v", kuid.RandomNodeID()))
	assert.False(t, ok)
	assert.ErrorIs(t, err, dhterr.ErrStoreConflict)

	_, err = db.Put(remoteValue(kuid.ValueIDFromBytes([]byte("k2")), "v", kuid.RandomNodeID()))
	require.NoError(t, err)
	ok, err = db.Put(remoteValue(kuid.ValueIDFromBytes([]byte("k3")), "v", kuid.RandomNodeID()))
	assert.False(t, ok)
	assert.ErrorIs(t, err, dhterr.ErrStoreConflict)

	ok, err = db.Put(NewLocalValue(key, []byte("mine"), kuid.RandomNodeID(), "127.0.0.1:1", testEpoch))
	require.NoError(t, err)
	assert.True(t, ok, "local values bypass limits")

	stats := db.Stats()
	assert.Equal(t, 2, stats.Rejected)
	assert.Equal(t, 4, stats.Count)
}

func TestExpire(t *testing.T) {
	db, clock := newTestDB(t, nil)
	key := kuid.ValueIDFromBytes([]byte("k"))
	local := kuid.RandomNodeID()

	_, err := db.Put(remoteValue(key, "remote", kuid.RandomNodeID()))
	require.NoError(t, err)
	_, err = db.Put(NewLocalValue(key, []byte("mine"), local, "127.0.0.1:1", testEpoch))
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	assert.Equal(t, 0, db.Expire())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, db.Expire())

	values := db.Get(key)
	require.Len(t, values, 1)
	assert.True(t, values[0].Local)
	assert.Equal(t, 1, db.Stats().Expired)
}

func TestRestoreKeepsTimestamps(t *testing.T) {
	db, clock := newTestDB(t, nil)
	key := kuid.ValueIDFromBytes([]byte("k"))

	old := remoteValue(key, "old", kuid.RandomNodeID())
	old.Created = testEpoch.Add(-50 * time.Minute)
	require.NoError(t, db.Restore(old))
	require.NoError(t, db.Restore(remoteValue(key, "", kuid.RandomNodeID())))
	assert.ErrorIs(t, db.Restore(remoteValue(kuid.RandomNodeID(), "x", kuid.RandomNodeID())), dhterr.ErrInvalidArgument)

	assert.Equal(t, 1, db.Count())
	clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, db.Expire())
}

func TestRemoteStoreRenewsExpiry(t *testing.T) {
	db, clock := newTestDB(t, nil)
	key := kuid.ValueIDFromBytes([]byte("k"))
	creator := kuid.RandomNodeID()

	_, err := db.Put(remoteValue(key, "v", creator))
	require.NoError(t, err)
	clock.Advance(50 * time.Minute)
	_, err = db.Put(remoteValue(key, "v", creator))
	require.NoError(t, err)
	clock.Advance(50 * time.Minute)

	assert.Equal(t, 0, db.Expire())
}

func TestRepublish(t *testing.T) {
	db, clock := newTestDB(t, nil)
	local := kuid.RandomNodeID()
	key := kuid.ValueIDFromBytes([]byte("k"))

	_, err := db.Put(NewLocalValue(key, []byte("mine"), local, "127.0.0.1:1", testEpoch))
	require.NoError(t, err)
	_, err = db.Put(remoteValue(kuid.ValueIDFromBytes([]byte("other")), "v", kuid.RandomNodeID()))
	require.NoError(t, err)

	due := db.ValuesToRepublish()
	require.Len(t, due, 1, "never published")
	assert.True(t, due[0].Local)

	db.MarkPublished(key, local, 20)
	assert.Empty(t, db.ValuesToRepublish())

	clock.Advance(29 * time.Minute)
	assert.Empty(t, db.ValuesToRepublish())
	clock.Advance(time.Minute)
	assert.Len(t, db.ValuesToRepublish(), 1)

	db.MarkPublished(key, local, 1)
	kv := db.Lookup(key, local)
	require.NotNil(t, kv)
	assert.Equal(t, 1, kv.Locations)
	assert.Equal(t, 2*time.Minute, db.RepublishDelay(kv), "floored at MinRepublishInterval")
}

func TestRecordRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	kv := NewLocalValue(kuid.ValueIDFromBytes([]byte("k")), []byte("payload"), kuid.RandomNodeID(), "10.1.2.3:4000", testEpoch)
	kv.LastPublished = testEpoch.Add(time.Minute)
	kv.Locations = 7
	require.NoError(t, kv.Sign(kp))

	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, kv))
	require.NoError(t, WriteRecord(&buf, remoteValue(kv.Key, "", kuid.RandomNodeID())))

	got, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.True(t, got.Key.Equal(kv.Key))
	assert.Equal(t, kuid.ValueID, got.Key.Kind())
	assert.True(t, got.Creator.Equal(kv.Creator))
	assert.Equal(t, kv.CreatorAddr, got.CreatorAddr)
	assert.True(t, got.Local)
	assert.True(t, got.Created.Equal(kv.Created))
	assert.True(t, got.LastPublished.Equal(kv.LastPublished))
	assert.Equal(t, 7, got.Locations)
	assert.Equal(t, kv.Value, got.Value)
	assert.True(t, got.VerifyOwn())

	empty, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())
	assert.True(t, empty.LastPublished.IsZero())

	_, err = ReadRecord(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestRecordErrors(t *testing.T) {
	_, err := ReadRecord(bytes.NewReader([]byte{9}))
	assert.ErrorIs(t, err, dhterr.ErrProtocol)

	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, remoteValue(kuid.ValueIDFromBytes([]byte("k")), "value", kuid.RandomNodeID())))
	truncated := buf.Bytes()[:buf.Len()-2]
	_, err = ReadRecord(bytes.NewReader(truncated))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestLevelStorage(t *testing.T) {
	store, err := NewMemLevelStorage()
	require.NoError(t, err)
	defer store.Close()

	db := New(nil, store, crypto.NewManualTimeProvider(testEpoch))
	key := kuid.ValueIDFromBytes([]byte("k"))
	other := kuid.ValueIDFromBytes([]byte("other"))
	creator := kuid.RandomNodeID()

	_, err = db.Put(remoteValue(key, "a", creator))
	require.NoError(t, err)
	_, err = db.Put(remoteValue(key, "b", kuid.RandomNodeID()))
	require.NoError(t, err)
	_, err = db.Put(remoteValue(other, "c", kuid.RandomNodeID()))
	require.NoError(t, err)

	assert.Len(t, db.Get(key), 2)
	assert.Len(t, db.Get(other), 1)
	assert.Equal(t, 3, db.Count())

	kv, err := store.Lookup(key, creator)
	require.NoError(t, err)
	require.NotNil(t, kv)
	assert.Equal(t, []byte("a"), kv.Value)

	missing, err := store.Lookup(key, kuid.RandomNodeID())
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = db.Put(remoteValue(key, "", creator))
	require.NoError(t, err)
	assert.Len(t, db.Get(key), 1)

	require.NoError(t, db.Clear())
	assert.Equal(t, 0, db.Count())
}
