package objstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Pebble has no buckets, so they are simulated with key prefixes:
//
//	'b' name 0x00 sub 0x00          bucket marker (sub is empty for a root)
//	'd' name 0x00 sub 0x00 key      bucket contents
const (
	pebbleMarkerNS = 'b'
	pebbleDataNS   = 'd'
)

type pebbleStorage struct {
	db      *pebble.DB
	wo      *pebble.WriteOptions
	writeMu sync.Mutex
}

func newPebbleStorage(pdb *pebble.DB, sync bool) storage {
	wo := pebble.NoSync
	if sync {
		wo = pebble.Sync
	}
	return &pebbleStorage{db: pdb, wo: wo}
}

// pebbleReader is implemented by both *pebble.Batch (indexed) and *pebble.Snapshot.
type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func (s *pebbleStorage) BeginTx(writable bool) (storageTx, error) {
	if writable {
		s.writeMu.Lock()
		batch := s.db.NewIndexedBatch()
		return &pebbleTx{s: s, r: batch, batch: batch}, nil
	}
	snap := s.db.NewSnapshot()
	return &pebbleTx{s: s, r: snap, snap: snap}, nil
}

func (s *pebbleStorage) Close() error {
	// Unsynced storages run without a WAL, so memtables must be flushed.
	if s.wo == pebble.NoSync {
		if err := s.db.Flush(); err != nil {
			s.db.Close()
			return err
		}
	}
	return s.db.Close()
}

type pebbleTx struct {
	s     *pebbleStorage
	r     pebbleReader
	batch *pebble.Batch
	snap  *pebble.Snapshot
	done  bool
}

func pebbleMarkerKey(name, sub string) []byte {
	k := make([]byte, 0, len(name)+len(sub)+3)
	k = append(k, pebbleMarkerNS)
	k = append(k, name...)
	k = append(k, 0)
	k = append(k, sub...)
	return append(k, 0)
}

func pebbleDataPrefix(name, sub string) []byte {
	k := make([]byte, 0, len(name)+len(sub)+3)
	k = append(k, pebbleDataNS)
	k = append(k, name...)
	k = append(k, 0)
	k = append(k, sub...)
	return append(k, 0)
}

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	if !inc(upper) {
		return nil
	}
	return upper
}

func (tx *pebbleTx) Writable() bool { return tx.batch != nil }

func (tx *pebbleTx) has(key []byte) (bool, error) {
	_, closer, err := tx.r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, closer.Close()
}

func (tx *pebbleTx) Bucket(name, sub string) storageBucket {
	ok, err := tx.has(pebbleMarkerKey(name, sub))
	if err != nil {
		panic(fmt.Errorf("pebble: bucket %s/%s: %w", name, sub, err))
	}
	if !ok {
		return nil
	}
	return &pebbleBucket{tx: tx, prefix: pebbleDataPrefix(name, sub)}
}

func (tx *pebbleTx) CreateBucket(name, sub string) (storageBucket, error) {
	if tx.batch == nil {
		return nil, ErrReadOnly
	}
	if err := tx.batch.Set(pebbleMarkerKey(name, ""), nil, nil); err != nil {
		return nil, err
	}
	if sub != "" {
		if err := tx.batch.Set(pebbleMarkerKey(name, sub), nil, nil); err != nil {
			return nil, err
		}
	}
	return &pebbleBucket{tx: tx, prefix: pebbleDataPrefix(name, sub)}, nil
}

func (tx *pebbleTx) deletePrefix(prefix []byte) error {
	keys, err := tx.keysWithPrefix(prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.batch.Delete(k, nil); err != nil {
			return err
		}
	}
	return nil
}

func (tx *pebbleTx) keysWithPrefix(prefix []byte) ([][]byte, error) {
	it, err := tx.r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	var keys [][]byte
	for valid := it.First(); valid; valid = it.Next() {
		keys = append(keys, bytes.Clone(it.Key()))
	}
	return keys, it.Close()
}

func (tx *pebbleTx) DeleteBucket(name, sub string) error {
	if tx.batch == nil {
		return ErrReadOnly
	}
	if sub == "" {
		return ErrBucketNotFound
	}
	marker := pebbleMarkerKey(name, sub)
	ok, err := tx.has(marker)
	if err != nil {
		return err
	} else if !ok {
		return ErrBucketNotFound
	}
	if err := tx.deletePrefix(pebbleDataPrefix(name, sub)); err != nil {
		return err
	}
	return tx.batch.Delete(marker, nil)
}

func (tx *pebbleTx) DeleteRoot(name string) error {
	if tx.batch == nil {
		return ErrReadOnly
	}
	ok, err := tx.has(pebbleMarkerKey(name, ""))
	if err != nil {
		return err
	} else if !ok {
		return ErrBucketNotFound
	}
	// The root marker 'b' name 0x00 0x00 shares this prefix with all nested markers.
	markerPrefix := pebbleMarkerKey(name, "")
	markerPrefix = markerPrefix[:len(markerPrefix)-1]
	dataPrefix := pebbleDataPrefix(name, "")
	dataPrefix = dataPrefix[:len(dataPrefix)-1]
	if err := tx.deletePrefix(dataPrefix); err != nil {
		return err
	}
	return tx.deletePrefix(markerPrefix)
}

func (tx *pebbleTx) RootNames() ([]string, error) {
	keys, err := tx.keysWithPrefix([]byte{pebbleMarkerNS})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, k := range keys {
		name, sub, ok := bytes.Cut(k[1:], []byte{0})
		if ok && len(sub) == 1 && sub[0] == 0 {
			names = append(names, string(name))
		}
	}
	return names, nil
}

func (tx *pebbleTx) Commit() error {
	if tx.done {
		return nil
	}
	if tx.batch == nil {
		return ErrReadOnly
	}
	tx.done = true
	defer tx.s.writeMu.Unlock()
	err := tx.batch.Commit(tx.s.wo)
	if cerr := tx.batch.Close(); err == nil {
		err = cerr
	}
	return err
}

func (tx *pebbleTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	if tx.batch != nil {
		defer tx.s.writeMu.Unlock()
		return tx.batch.Close()
	}
	return tx.snap.Close()
}

type pebbleBucket struct {
	tx     *pebbleTx
	prefix []byte
}

func (b *pebbleBucket) key(k []byte) []byte {
	full := make([]byte, 0, len(b.prefix)+len(k))
	full = append(full, b.prefix...)
	return append(full, k...)
}

func (b *pebbleBucket) Get(key []byte) ([]byte, error) {
	v, closer, err := b.tx.r.Get(b.key(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(v))
	copy(result, v)
	return result, nil
}

func (b *pebbleBucket) Put(key, value []byte) error {
	if b.tx.batch == nil {
		return fmt.Errorf("put: %w", ErrReadOnly)
	}
	return b.tx.batch.Set(b.key(key), value, nil)
}

func (b *pebbleBucket) Delete(key []byte) error {
	if b.tx.batch == nil {
		return fmt.Errorf("delete: %w", ErrReadOnly)
	}
	return b.tx.batch.Delete(b.key(key), nil)
}

func (b *pebbleBucket) Cursor() storageCursor {
	it, err := b.tx.r.NewIter(&pebble.IterOptions{
		LowerBound: b.prefix,
		UpperBound: prefixUpperBound(b.prefix),
	})
	return &pebbleCursor{it: it, prefix: b.prefix, err: err}
}

func (b *pebbleBucket) KeyCount() (int, error) {
	c := b.Cursor()
	var n int
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n, c.Close()
}

type pebbleCursor struct {
	it     *pebble.Iterator
	prefix []byte
	err    error
}

func (c *pebbleCursor) current(valid bool) ([]byte, []byte) {
	if !valid || c.err != nil {
		return nil, nil
	}
	v, err := c.it.ValueAndErr()
	if err != nil {
		c.err = err
		return nil, nil
	}
	k := c.it.Key()
	return bytes.Clone(k[len(c.prefix):]), bytes.Clone(v)
}

func (c *pebbleCursor) First() ([]byte, []byte) {
	if c.it == nil {
		return nil, nil
	}
	return c.current(c.it.First())
}

func (c *pebbleCursor) Last() ([]byte, []byte) {
	if c.it == nil {
		return nil, nil
	}
	return c.current(c.it.Last())
}

func (c *pebbleCursor) Seek(seek []byte) ([]byte, []byte) {
	if c.it == nil {
		return nil, nil
	}
	full := append(bytes.Clone(c.prefix), seek...)
	return c.current(c.it.SeekGE(full))
}

func (c *pebbleCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	if c.it == nil {
		return nil, nil
	}
	limit := append(bytes.Clone(c.prefix), prefix...)
	if len(prefix) == 0 || !inc(limit) {
		return c.current(c.it.Last())
	}
	return c.current(c.it.SeekLT(limit))
}

func (c *pebbleCursor) Next() ([]byte, []byte) {
	if c.it == nil {
		return nil, nil
	}
	return c.current(c.it.Next())
}

func (c *pebbleCursor) Prev() ([]byte, []byte) {
	if c.it == nil {
		return nil, nil
	}
	return c.current(c.it.Prev())
}

func (c *pebbleCursor) Close() error {
	if c.it == nil {
		return c.err
	}
	err := c.it.Close()
	c.it = nil
	if c.err != nil {
		return c.err
	}
	return err
}
