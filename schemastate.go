package objstore

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"time"
)

// dbState is the persisted schema of a database. A DB holds an immutable
// snapshot; upgrades work on a clone.
type dbState struct {
	Version    uint64                 `msgpack:"v"`
	Stores     map[string]*storeState `msgpack:"s"`
	LastOpened time.Time              `msgpack:"t"`
}

type storeState struct {
	KeyPath       string                 `msgpack:"kp,omitempty"`
	AutoIncrement bool                   `msgpack:"ai,omitempty"`
	Indexes       map[string]*indexState `msgpack:"i,omitempty"`
}

type indexState struct {
	KeyPath string `msgpack:"kp"`
	Unique  bool   `msgpack:"u,omitempty"`
}

const (
	metaBucket = "$meta"
	dataPrefix = "d:"
)

var (
	schemaKey    = []byte("schema")
	genKeyPrefix = "gen:"
)

func dataBucketName(store string) string {
	return dataPrefix + store
}

// indexBucketName is length-prefixed so that store and index names
// containing ':' cannot collide.
func indexBucketName(store, index string) string {
	return fmt.Sprintf("x:%d:%s:%s", len(store), store, index)
}

func generatorKey(store string) []byte {
	return []byte(genKeyPrefix + store)
}

func (s *dbState) clone() *dbState {
	c := &dbState{
		Version:    s.Version,
		LastOpened: s.LastOpened,
		Stores:     make(map[string]*storeState, len(s.Stores)),
	}
	for name, ss := range s.Stores {
		c.Stores[name] = ss.clone()
	}
	return c
}

func (s *storeState) clone() *storeState {
	c := *s
	c.Indexes = make(map[string]*indexState, len(s.Indexes))
	for name, is := range s.Indexes {
		isc := *is
		c.Indexes[name] = &isc
	}
	return &c
}

func (s *dbState) storeNames() []string {
	return slices.Sorted(maps.Keys(s.Stores))
}

func (s *storeState) indexNames() []string {
	return slices.Sorted(maps.Keys(s.Indexes))
}

func loadState(stx storageTx, dbName string) (*dbState, error) {
	mb := stx.Bucket(dbName, metaBucket)
	if mb == nil {
		return nil, nil
	}
	raw, err := mb.Get(schemaKey)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	st := new(dbState)
	if err := decodeMsgpack(raw, st); err != nil {
		return nil, fmt.Errorf("%s: failed to decode schema: %w", dbName, err)
	}
	if st.Stores == nil {
		st.Stores = make(map[string]*storeState)
	}
	for _, ss := range st.Stores {
		if ss.Indexes == nil {
			ss.Indexes = make(map[string]*indexState)
		}
	}
	return st, nil
}

func saveState(stx storageTx, dbName string, st *dbState) error {
	mb, err := stx.CreateBucket(dbName, metaBucket)
	if err != nil {
		return err
	}
	raw, err := encodeMsgpack(nil, st)
	if err != nil {
		return err
	}
	return mb.Put(schemaKey, raw)
}

// loadGenerator returns the next key the store's generator will produce.
func loadGenerator(stx storageTx, dbName, store string) (uint64, error) {
	mb := stx.Bucket(dbName, metaBucket)
	if mb == nil {
		return 1, nil
	}
	raw, err := mb.Get(generatorKey(store))
	if err != nil || raw == nil {
		return 1, err
	}
	v, n := binary.Uvarint(raw)
	if n <= 0 {
		return 0, dataErrf(raw, 0, nil, "invalid key generator state")
	}
	return v, nil
}

func saveGenerator(stx storageTx, dbName, store string, next uint64) error {
	mb, err := stx.CreateBucket(dbName, metaBucket)
	if err != nil {
		return err
	}
	return mb.Put(generatorKey(store), binary.AppendUvarint(nil, next))
}

func deleteGenerator(stx storageTx, dbName, store string) error {
	mb := stx.Bucket(dbName, metaBucket)
	if mb == nil {
		return nil
	}
	return mb.Delete(generatorKey(store))
}
