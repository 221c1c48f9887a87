package objstore

import (
	"bytes"
	"math"
	"slices"
)

// maxGeneratedKey is the largest key a key generator produces.
const maxGeneratedKey = 1 << 53

// ObjectStore is a store within a transaction.
type ObjectStore struct {
	tx    *Tx
	name  string
	state *storeState
}

func (s *ObjectStore) Name() string {
	return s.name
}

func (s *ObjectStore) KeyPath() string {
	return s.state.KeyPath
}

func (s *ObjectStore) AutoIncrement() bool {
	return s.state.AutoIncrement
}

func (s *ObjectStore) IndexNames() []string {
	return s.state.indexNames()
}

func (s *ObjectStore) Tx() *Tx {
	return s.tx
}

func (s *ObjectStore) errf(index string, key any, err error, format string, args ...any) error {
	return storeErrf(s.tx.db.name, s.name, index, key, err, format, args...)
}

// rawErrf is errf for an encoded key.
func (s *ObjectStore) rawErrf(index string, rawKey []byte, err error, format string, args ...any) error {
	var key any = hexstr(rawKey)
	if k, derr := decodeFullKey(rawKey); derr == nil {
		key = k
	}
	return s.errf(index, key, err, format, args...)
}

func (s *ObjectStore) dataBucket() (storageBucket, error) {
	b := s.tx.stx.Bucket(s.tx.db.name, dataBucketName(s.name))
	if b == nil {
		return nil, s.errf("", nil, ErrNotFound, "missing data bucket")
	}
	return b, nil
}

func (s *ObjectStore) indexBucket(name string) (storageBucket, error) {
	b := s.tx.stx.Bucket(s.tx.db.name, indexBucketName(s.name, name))
	if b == nil {
		return nil, s.errf(name, nil, ErrNotFound, "missing index bucket")
	}
	return b, nil
}

// Add inserts a new record. Fails with ErrConstraint if the key exists.
// Returns the record's primary key.
func (s *ObjectStore) Add(rec Record) (any, error) {
	return s.put(rec, nil, false)
}

// AddWithKey inserts a record into a store that uses out-of-line keys.
func (s *ObjectStore) AddWithKey(rec Record, key any) (any, error) {
	if key == nil {
		return nil, s.errf("", nil, ErrData, "nil key")
	}
	return s.put(rec, key, false)
}

// Put inserts or replaces a record.
func (s *ObjectStore) Put(rec Record) (any, error) {
	return s.put(rec, nil, true)
}

// PutWithKey inserts or replaces a record in a store that uses out-of-line keys.
func (s *ObjectStore) PutWithKey(rec Record, key any) (any, error) {
	if key == nil {
		return nil, s.errf("", nil, ErrData, "nil key")
	}
	return s.put(rec, key, true)
}

func (s *ObjectStore) put(rec Record, key any, overwrite bool) (any, error) {
	op := "ADD"
	if overwrite {
		op = "PUT"
	}
	if err := s.tx.ensureWritable(); err != nil {
		return nil, s.errf("", key, err, "")
	}
	rec, err := cloneRecord(rec)
	if err != nil {
		return nil, s.errf("", key, err, "")
	}

	hasKey := key != nil
	if s.state.KeyPath != "" {
		if hasKey {
			return nil, s.errf("", key, ErrData, "store uses in-line keys at %q, explicit key not allowed", s.state.KeyPath)
		}
		key, hasKey = evalKeyPath(rec, s.state.KeyPath)
	}

	var nk any
	var nextGen uint64
	if hasKey {
		nk, err = normalizeKey(key)
		if err != nil {
			return nil, s.errf("", key, err, "invalid primary key")
		}
		if s.state.AutoIncrement {
			if f, ok := nk.(float64); ok && f >= 1 {
				gen, err := loadGenerator(s.tx.stx, s.tx.db.name, s.name)
				if err != nil {
					return nil, s.errf("", key, err, "")
				}
				if f >= float64(gen) {
					nextGen = uint64(math.Min(math.Floor(f), maxGeneratedKey)) + 1
				}
			}
		}
	} else {
		if !s.state.AutoIncrement {
			return nil, s.errf("", nil, ErrData, "no key provided and the store has no key generator")
		}
		gen, err := loadGenerator(s.tx.stx, s.tx.db.name, s.name)
		if err != nil {
			return nil, s.errf("", nil, err, "")
		}
		if gen > maxGeneratedKey {
			return nil, s.errf("", nil, ErrConstraint, "key generator exhausted")
		}
		nk = float64(gen)
		nextGen = gen + 1
		if s.state.KeyPath != "" {
			if err := injectKeyPath(rec, s.state.KeyPath, keyForRecordField(float64(gen))); err != nil {
				return nil, s.errf("", nk, err, "")
			}
		}
	}

	pk := encodeKey(nil, nk)
	db, err := s.dataBucket()
	if err != nil {
		return nil, err
	}
	oldRaw, err := db.Get(pk)
	if err != nil {
		return nil, s.errf("", nk, err, "")
	}
	if oldRaw != nil && !overwrite {
		return nil, s.errf("", nk, ErrConstraint, "key already exists")
	}
	var old value
	if oldRaw != nil {
		if err := old.decode(oldRaw); err != nil {
			return nil, s.errf("", nk, err, "decoding old value")
		}
	}

	data, err := encodeMsgpack(nil, rec)
	if err != nil {
		return nil, s.errf("", nk, ErrDataClone, "%v", err)
	}
	index := s.indexRecords(rec)

	for _, ir := range index {
		is := s.state.Indexes[ir.Name]
		if !is.Unique {
			continue
		}
		xb, err := s.indexBucket(ir.Name)
		if err != nil {
			return nil, err
		}
		existing, err := xb.Get(ir.Key)
		if err != nil {
			return nil, s.errf(ir.Name, nk, err, "")
		}
		if existing != nil && !bytes.Equal(existing, pk) {
			return nil, s.errf(ir.Name, nk, ErrConstraint, "unique index already contains %s", formatRawKey(ir.Key))
		}
	}

	if nextGen != 0 {
		if err := saveGenerator(s.tx.stx, s.tx.db.name, s.name, nextGen); err != nil {
			return nil, s.errf("", nk, err, "saving key generator")
		}
	}

	if oldRaw != nil && bytes.Equal(old.Data, data) && slices.EqualFunc(old.Index, index, indexRecord.equal) {
		if s.tx.db.f.verbose {
			s.tx.db.f.logf("db: %s.NOOP %s/%s => m=%d %s", op, s.name, FormatKey(nk), old.ModCount, loggableRecord(rec))
		}
		return nk, nil
	}

	if err := s.removeIndexEntries(pk, old.Index); err != nil {
		return nil, err
	}
	if err := s.addIndexEntries(pk, index); err != nil {
		return nil, err
	}

	modCount := old.ModCount
	if oldRaw == nil || !bytes.Equal(old.Data, data) {
		modCount++
	}
	raw := encodeValue(nil, vfDefault, modCount, data, index)
	if err := db.Put(pk, raw); err != nil {
		return nil, s.errf("", nk, err, "")
	}
	s.tx.written = true

	if s.tx.db.f.verbose {
		s.tx.db.f.logf("db: %s %s/%s => m=%d %s", op, s.name, FormatKey(nk), modCount, loggableRecord(rec))
	}
	return nk, nil
}

func (ir indexRecord) equal(other indexRecord) bool {
	return ir.Name == other.Name && bytes.Equal(ir.Key, other.Key)
}

// indexKeyOf computes a record's key for one index. Records missing the key
// path, or holding an invalid key there, are not indexed.
func indexKeyOf(rec Record, is *indexState) ([]byte, bool) {
	v, ok := evalKeyPath(rec, is.KeyPath)
	if !ok {
		return nil, false
	}
	nk, err := normalizeKey(v)
	if err != nil {
		return nil, false
	}
	return encodeKey(nil, nk), true
}

// indexRecords computes every index entry of rec, sorted by index name.
func (s *ObjectStore) indexRecords(rec Record) []indexRecord {
	var result []indexRecord
	for _, name := range s.state.indexNames() {
		if ik, ok := indexKeyOf(rec, s.state.Indexes[name]); ok {
			result = append(result, indexRecord{Name: name, Key: ik})
		}
	}
	return result
}

func nonUniqueEntryKey(ik, pk []byte) []byte {
	k := make([]byte, 0, len(ik)+len(pk))
	k = append(k, ik...)
	return append(k, pk...)
}

func putIndexEntry(xb storageBucket, is *indexState, ik, pk []byte) error {
	if is.Unique {
		return xb.Put(ik, pk)
	}
	return xb.Put(nonUniqueEntryKey(ik, pk), []byte{})
}

// removeIndexEntries deletes the entries a record contributed. Entries of
// indexes that no longer exist are skipped; their buckets are gone.
func (s *ObjectStore) removeIndexEntries(pk []byte, index []indexRecord) error {
	for _, ir := range index {
		is := s.state.Indexes[ir.Name]
		if is == nil {
			continue
		}
		xb, err := s.indexBucket(ir.Name)
		if err != nil {
			return err
		}
		if is.Unique {
			existing, err := xb.Get(ir.Key)
			if err != nil {
				return s.rawErrf(ir.Name, pk, err, "")
			}
			if !bytes.Equal(existing, pk) {
				continue
			}
			err = xb.Delete(ir.Key)
			if err != nil {
				return s.rawErrf(ir.Name, pk, err, "")
			}
		} else {
			if err := xb.Delete(nonUniqueEntryKey(ir.Key, pk)); err != nil {
				return s.rawErrf(ir.Name, pk, err, "")
			}
		}
	}
	return nil
}

func (s *ObjectStore) addIndexEntries(pk []byte, index []indexRecord) error {
	for _, ir := range index {
		xb, err := s.indexBucket(ir.Name)
		if err != nil {
			return err
		}
		if err := putIndexEntry(xb, s.state.Indexes[ir.Name], ir.Key, pk); err != nil {
			return s.rawErrf(ir.Name, pk, err, "")
		}
	}
	return nil
}

// Get returns the first record matching query (a key or a *KeyRange), or
// nil if there is none.
func (s *ObjectStore) Get(query any) (Record, error) {
	if err := s.tx.ensureActive(); err != nil {
		return nil, s.errf("", nil, err, "")
	}
	if query == nil {
		return nil, s.errf("", nil, ErrData, "nil query")
	}
	rr, err := compileQuery(query)
	if err != nil {
		return nil, s.errf("", nil, err, "")
	}
	pk, raw, err := s.first(rr)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		if s.tx.db.f.verbose {
			s.tx.db.f.logf("db: GET.NOTFOUND %s/%s", s.name, formatQuery(query))
		}
		return nil, nil
	}
	rec, err := s.decodeValue(pk, raw)
	if err != nil {
		return nil, err
	}
	if s.tx.db.f.verbose {
		s.tx.db.f.logf("db: GET %s/%s => %s", s.name, formatRawKey(pk), loggableRecord(rec))
	}
	return rec, nil
}

// GetKey returns the primary key of the first record matching query, or nil.
func (s *ObjectStore) GetKey(query any) (any, error) {
	if err := s.tx.ensureActive(); err != nil {
		return nil, s.errf("", nil, err, "")
	}
	if query == nil {
		return nil, s.errf("", nil, ErrData, "nil query")
	}
	rr, err := compileQuery(query)
	if err != nil {
		return nil, s.errf("", nil, err, "")
	}
	pk, raw, err := s.first(rr)
	if err != nil || raw == nil {
		return nil, err
	}
	k, err := decodeFullKey(pk)
	if err != nil {
		return nil, s.errf("", nil, err, "decoding key")
	}
	return k, nil
}

func (s *ObjectStore) first(rr rawRange) ([]byte, []byte, error) {
	db, err := s.dataBucket()
	if err != nil {
		return nil, nil, err
	}
	if rr.isExact() {
		raw, err := db.Get(rr.lower)
		if err != nil {
			return nil, nil, s.rawErrf("", rr.lower, err, "")
		}
		return rr.lower, raw, nil
	}
	var pk, raw []byte
	err = scanBucket(db, rr, false, nil, func(k, v []byte) (bool, error) {
		pk, raw = bytes.Clone(k), bytes.Clone(v)
		return false, nil
	})
	if err != nil {
		return nil, nil, s.errf("", nil, err, "")
	}
	return pk, raw, nil
}

func (s *ObjectStore) decodeValue(pk, raw []byte) (Record, error) {
	var vle value
	if err := vle.decode(raw); err != nil {
		return nil, s.rawErrf("", pk, err, "")
	}
	rec, err := decodeRecord(vle.Data)
	if err != nil {
		return nil, s.rawErrf("", pk, err, "")
	}
	return rec, nil
}

// GetAll returns up to limit records matching query in key order. A limit
// of 0 or less means no limit.
func (s *ObjectStore) GetAll(query any, limit int) ([]Record, error) {
	if err := s.tx.ensureActive(); err != nil {
		return nil, s.errf("", nil, err, "")
	}
	rr, err := compileQuery(query)
	if err != nil {
		return nil, s.errf("", nil, err, "")
	}
	db, err := s.dataBucket()
	if err != nil {
		return nil, err
	}
	result := []Record{}
	err = scanBucket(db, rr, false, nil, func(k, v []byte) (bool, error) {
		rec, err := s.decodeValue(k, v)
		if err != nil {
			return false, err
		}
		result = append(result, rec)
		return limit <= 0 || len(result) < limit, nil
	})
	if err != nil {
		return nil, s.errf("", nil, err, "")
	}
	if s.tx.db.f.verbose {
		s.tx.db.f.logf("db: GET_ALL %s/%s => %d records", s.name, formatQuery(query), len(result))
	}
	return result, nil
}

// GetAllKeys returns up to limit primary keys matching query in key order.
func (s *ObjectStore) GetAllKeys(query any, limit int) ([]any, error) {
	if err := s.tx.ensureActive(); err != nil {
		return nil, s.errf("", nil, err, "")
	}
	rr, err := compileQuery(query)
	if err != nil {
		return nil, s.errf("", nil, err, "")
	}
	db, err := s.dataBucket()
	if err != nil {
		return nil, err
	}
	result := []any{}
	err = scanBucket(db, rr, false, nil, func(k, v []byte) (bool, error) {
		key, err := decodeFullKey(k)
		if err != nil {
			return false, err
		}
		result = append(result, key)
		return limit <= 0 || len(result) < limit, nil
	})
	if err != nil {
		return nil, s.errf("", nil, err, "")
	}
	return result, nil
}

// Count returns the number of records matching query (nil for all).
func (s *ObjectStore) Count(query any) (int, error) {
	if err := s.tx.ensureActive(); err != nil {
		return 0, s.errf("", nil, err, "")
	}
	rr, err := compileQuery(query)
	if err != nil {
		return 0, s.errf("", nil, err, "")
	}
	db, err := s.dataBucket()
	if err != nil {
		return 0, err
	}
	var n int
	if query == nil {
		n, err = db.KeyCount()
	} else {
		err = scanBucket(db, rr, false, nil, func(k, v []byte) (bool, error) {
			n++
			return true, nil
		})
	}
	if err != nil {
		return 0, s.errf("", nil, err, "")
	}
	return n, nil
}

// Delete removes every record matching query (a key or a *KeyRange).
// Deleting a missing key is not an error.
func (s *ObjectStore) Delete(query any) error {
	if err := s.tx.ensureWritable(); err != nil {
		return s.errf("", nil, err, "")
	}
	if query == nil {
		return s.errf("", nil, ErrData, "nil query, use Clear to delete everything")
	}
	rr, err := compileQuery(query)
	if err != nil {
		return s.errf("", nil, err, "")
	}
	db, err := s.dataBucket()
	if err != nil {
		return err
	}

	type row struct{ pk, raw []byte }
	var rows []row
	if rr.isExact() {
		raw, err := db.Get(rr.lower)
		if err != nil {
			return s.rawErrf("", rr.lower, err, "")
		}
		if raw != nil {
			rows = append(rows, row{rr.lower, raw})
		}
	} else {
		err = scanBucket(db, rr, false, nil, func(k, v []byte) (bool, error) {
			rows = append(rows, row{bytes.Clone(k), bytes.Clone(v)})
			return true, nil
		})
		if err != nil {
			return s.errf("", nil, err, "")
		}
	}

	if len(rows) == 0 {
		if s.tx.db.f.verbose {
			s.tx.db.f.logf("db: DELETE.NOOP %s/%s", s.name, formatQuery(query))
		}
		return nil
	}
	for _, r := range rows {
		var old value
		if err := old.decode(r.raw); err != nil {
			return s.rawErrf("", r.pk, err, "decoding old value")
		}
		if err := s.removeIndexEntries(r.pk, old.Index); err != nil {
			return err
		}
		if err := db.Delete(r.pk); err != nil {
			return s.rawErrf("", r.pk, err, "")
		}
		if s.tx.db.f.verbose {
			s.tx.db.f.logf("db: DELETE %s/%s", s.name, formatRawKey(r.pk))
		}
	}
	s.tx.written = true
	return nil
}

// Clear removes every record. The key generator is not reset.
func (s *ObjectStore) Clear() error {
	if err := s.tx.ensureWritable(); err != nil {
		return s.errf("", nil, err, "")
	}
	stx, dbName := s.tx.stx, s.tx.db.name
	buckets := []string{dataBucketName(s.name)}
	for _, name := range s.state.indexNames() {
		buckets = append(buckets, indexBucketName(s.name, name))
	}
	for _, b := range buckets {
		if err := stx.DeleteBucket(dbName, b); err != nil {
			return s.errf("", nil, err, "clearing %s", b)
		}
		if _, err := stx.CreateBucket(dbName, b); err != nil {
			return s.errf("", nil, err, "clearing %s", b)
		}
	}
	s.tx.written = true
	if s.tx.db.f.verbose {
		s.tx.db.f.logf("db: CLEAR %s", s.name)
	}
	return nil
}

// Index returns one of the store's indexes.
func (s *ObjectStore) Index(name string) (*Index, error) {
	if err := s.tx.ensureActive(); err != nil {
		return nil, s.errf(name, nil, err, "")
	}
	is := s.state.Indexes[name]
	if is == nil {
		return nil, s.errf(name, nil, ErrNotFound, "no such index")
	}
	return &Index{store: s, name: name, state: is}, nil
}

// OpenCursor opens a cursor over the records matching query.
func (s *ObjectStore) OpenCursor(query any, dir Direction) (*Cursor, error) {
	if err := s.tx.ensureActive(); err != nil {
		return nil, s.errf("", nil, err, "")
	}
	rr, err := compileQuery(query)
	if err != nil {
		return nil, s.errf("", nil, err, "")
	}
	db, err := s.dataBucket()
	if err != nil {
		return nil, err
	}
	return newCursor(s, nil, db, db, rr, dir), nil
}

// scanBucket calls fn for each entry of b within rr until fn returns false.
func scanBucket(b storageBucket, rr rawRange, reverse bool, keyOf func([]byte) []byte, fn func(k, v []byte) (bool, error)) error {
	c := b.Cursor()
	sc := newRangeScan(rr, c, reverse, keyOf)
	for k, v := sc.next(); k != nil; k, v = sc.next() {
		more, err := fn(k, v)
		if err != nil {
			c.Close()
			return err
		}
		if !more {
			break
		}
	}
	return c.Close()
}

func formatRawKey(raw []byte) string {
	k, err := decodeFullKey(raw)
	if err != nil {
		return hexstr(raw)
	}
	return FormatKey(k)
}

func formatQuery(query any) string {
	switch q := query.(type) {
	case nil:
		return "*"
	case *KeyRange:
		return q.String()
	case KeyRange:
		return q.String()
	default:
		return FormatKey(q)
	}
}
