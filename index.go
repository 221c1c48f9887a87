package objstore

import "bytes"

// Index is a secondary index of an object store within a transaction.
//
// Unique index entries map the encoded index key to the encoded primary key.
// Non-unique entries are keyed by index key ‖ primary key with an empty
// value, so entries for one index key are ordered by primary key.
type Index struct {
	store *ObjectStore
	name  string
	state *indexState
}

func (idx *Index) Name() string {
	return idx.name
}

func (idx *Index) KeyPath() string {
	return idx.state.KeyPath
}

func (idx *Index) Unique() bool {
	return idx.state.Unique
}

func (idx *Index) ObjectStore() *ObjectStore {
	return idx.store
}

func (idx *Index) FullName() string {
	return idx.store.name + "." + idx.name
}

func (idx *Index) errf(key any, err error, format string, args ...any) error {
	return idx.store.errf(idx.name, key, err, format, args...)
}

func (idx *Index) bucket() (storageBucket, error) {
	return idx.store.indexBucket(idx.name)
}

func (idx *Index) keyOf() func([]byte) []byte {
	if idx.state.Unique {
		return identityKey
	}
	return leadingKey
}

// entryKeys splits an index entry into the index key and the primary key.
func (idx *Index) entryKeys(k, v []byte) (ik, pk []byte) {
	if idx.state.Unique {
		return k, v
	}
	ik = leadingKey(k)
	return ik, k[len(ik):]
}

func (idx *Index) prepare(query any) (rawRange, storageBucket, error) {
	if err := idx.store.tx.ensureActive(); err != nil {
		return rawRange{}, nil, idx.errf(nil, err, "")
	}
	rr, err := compileQuery(query)
	if err != nil {
		return rawRange{}, nil, idx.errf(nil, err, "")
	}
	xb, err := idx.bucket()
	if err != nil {
		return rawRange{}, nil, err
	}
	return rr, xb, nil
}

// firstPK returns the primary key of the first entry matching rr: the
// lowest primary key among records with the lowest matching index key.
func (idx *Index) firstPK(rr rawRange, xb storageBucket) ([]byte, error) {
	if idx.state.Unique && rr.isExact() {
		pk, err := xb.Get(rr.lower)
		if err != nil {
			return nil, idx.errf(nil, err, "")
		}
		return pk, nil
	}
	var pk []byte
	err := scanBucket(xb, rr, false, idx.keyOf(), func(k, v []byte) (bool, error) {
		_, p := idx.entryKeys(k, v)
		pk = bytes.Clone(p)
		return false, nil
	})
	if err != nil {
		return nil, idx.errf(nil, err, "")
	}
	return pk, nil
}

func (idx *Index) loadRecord(pk []byte) (Record, error) {
	db, err := idx.store.dataBucket()
	if err != nil {
		return nil, err
	}
	raw, err := db.Get(pk)
	if err != nil {
		return nil, idx.store.rawErrf(idx.name, pk, err, "")
	}
	if raw == nil {
		return nil, idx.store.rawErrf(idx.name, pk, ErrNotFound, "index entry points to a missing record")
	}
	return idx.store.decodeValue(pk, raw)
}

// Get returns the first record whose index key matches query, or nil if
// there is none.
func (idx *Index) Get(query any) (Record, error) {
	if query == nil {
		return nil, idx.errf(nil, ErrData, "nil query")
	}
	rr, xb, err := idx.prepare(query)
	if err != nil {
		return nil, err
	}
	pk, err := idx.firstPK(rr, xb)
	if err != nil {
		return nil, err
	}
	f := idx.store.tx.db.f
	if pk == nil {
		if f.verbose {
			f.logf("db: LOOKUP.NOTFOUND %s/%s", idx.FullName(), formatQuery(query))
		}
		return nil, nil
	}
	rec, err := idx.loadRecord(pk)
	if err != nil {
		return nil, err
	}
	if f.verbose {
		f.logf("db: LOOKUP %s/%s => %s", idx.FullName(), formatQuery(query), loggableRecord(rec))
	}
	return rec, nil
}

// GetKey returns the primary key of the first record whose index key
// matches query, or nil.
func (idx *Index) GetKey(query any) (any, error) {
	if query == nil {
		return nil, idx.errf(nil, ErrData, "nil query")
	}
	rr, xb, err := idx.prepare(query)
	if err != nil {
		return nil, err
	}
	pk, err := idx.firstPK(rr, xb)
	if err != nil || pk == nil {
		return nil, err
	}
	k, err := decodeFullKey(pk)
	if err != nil {
		return nil, idx.errf(nil, err, "decoding primary key")
	}
	if f := idx.store.tx.db.f; f.verbose {
		f.logf("db: LOOKUP_KEY %s/%s => %s", idx.FullName(), formatQuery(query), FormatKey(k))
	}
	return k, nil
}

// GetAll returns up to limit records matching query in index key order. A
// limit of 0 or less means no limit.
func (idx *Index) GetAll(query any, limit int) ([]Record, error) {
	rr, xb, err := idx.prepare(query)
	if err != nil {
		return nil, err
	}
	var pks [][]byte
	err = scanBucket(xb, rr, false, idx.keyOf(), func(k, v []byte) (bool, error) {
		_, pk := idx.entryKeys(k, v)
		pks = append(pks, bytes.Clone(pk))
		return limit <= 0 || len(pks) < limit, nil
	})
	if err != nil {
		return nil, idx.errf(nil, err, "")
	}
	result := make([]Record, 0, len(pks))
	for _, pk := range pks {
		rec, err := idx.loadRecord(pk)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if f := idx.store.tx.db.f; f.verbose {
		f.logf("db: LOOKUP_ALL %s/%s => %d records", idx.FullName(), formatQuery(query), len(result))
	}
	return result, nil
}

// GetAllKeys returns up to limit primary keys of records matching query.
func (idx *Index) GetAllKeys(query any, limit int) ([]any, error) {
	rr, xb, err := idx.prepare(query)
	if err != nil {
		return nil, err
	}
	result := []any{}
	err = scanBucket(xb, rr, false, idx.keyOf(), func(k, v []byte) (bool, error) {
		_, pk := idx.entryKeys(k, v)
		key, err := decodeFullKey(pk)
		if err != nil {
			return false, err
		}
		result = append(result, key)
		return limit <= 0 || len(result) < limit, nil
	})
	if err != nil {
		return nil, idx.errf(nil, err, "")
	}
	return result, nil
}

// Count returns the number of index entries matching query (nil for all).
func (idx *Index) Count(query any) (int, error) {
	rr, xb, err := idx.prepare(query)
	if err != nil {
		return 0, err
	}
	var n int
	err = scanBucket(xb, rr, false, idx.keyOf(), func(k, v []byte) (bool, error) {
		n++
		return true, nil
	})
	if err != nil {
		return 0, idx.errf(nil, err, "")
	}
	return n, nil
}

// OpenCursor opens a cursor over the index entries matching query.
func (idx *Index) OpenCursor(query any, dir Direction) (*Cursor, error) {
	rr, xb, err := idx.prepare(query)
	if err != nil {
		return nil, err
	}
	db, err := idx.store.dataBucket()
	if err != nil {
		return nil, err
	}
	return newCursor(idx.store, idx, xb, db, rr, dir), nil
}
