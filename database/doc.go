// Package database implements the DHT value store.
//
// Values are kept in bags keyed by value ID, one KeyValue per creator.
// Remote values expire ExpirationTime after they were last stored; local
// values never expire and are reported by ValuesToRepublish instead.
//
// Storing a KeyValue with an empty payload removes the value it addresses,
// subject to the same trust rules as an update:
//
//	db := database.New(nil, nil, nil)
//	ok, err := db.Put(kv)
//	if errors.Is(err, dhterr.ErrStoreConflict) {
//		// rejected by the trust rules
//	}
//
// The Storage interface separates the rules from the backend. MemoryStorage
// keeps values in maps and LevelStorage keeps them in LevelDB.
package database
