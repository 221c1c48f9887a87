package objstore

import (
	"bytes"
	"iter"
)

type Direction int

const (
	// Next visits keys in ascending order.
	Next Direction = iota
	// Prev visits keys in descending order.
	Prev
)

func (d Direction) String() string {
	if d == Prev {
		return "prev"
	}
	return "next"
}

// Cursor iterates over records of a store or an index within a key range.
// It starts before the first entry; call Next to move onto it. A cursor is
// not restartable and is closed automatically once exhausted or when its
// transaction finishes. The store must not be modified while the cursor is
// open.
type Cursor struct {
	store *ObjectStore
	index *Index
	dir   Direction
	c     storageCursor
	scan  *rangeScan
	data  storageBucket

	rawKey []byte
	rawPK  []byte
	rawVal []byte
	key    any
	pk     any

	err    error
	done   bool
	closed bool
}

func newCursor(s *ObjectStore, idx *Index, b, data storageBucket, rr rawRange, dir Direction) *Cursor {
	var keyOf func([]byte) []byte
	if idx != nil {
		keyOf = idx.keyOf()
	}
	c := b.Cursor()
	cur := &Cursor{
		store: s,
		index: idx,
		dir:   dir,
		c:     c,
		scan:  newRangeScan(rr, c, dir == Prev, keyOf),
		data:  data,
	}
	s.tx.addCursor(cur)
	return cur
}

func (c *Cursor) Direction() Direction {
	return c.dir
}

func (c *Cursor) Source() string {
	if c.index != nil {
		return c.index.FullName()
	}
	return c.store.name
}

// Next moves the cursor to the next entry. Returns false when the range is
// exhausted or an error occurs; check Err afterwards.
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	if err := c.store.tx.ensureActive(); err != nil {
		c.fail(err)
		return false
	}
	k, v := c.scan.next()
	if k == nil {
		c.Close()
		return false
	}

	if c.index == nil {
		c.rawKey, c.rawPK, c.rawVal = bytes.Clone(k), bytes.Clone(k), bytes.Clone(v)
	} else {
		ik, pk := c.index.entryKeys(k, v)
		c.rawKey, c.rawPK, c.rawVal = bytes.Clone(ik), bytes.Clone(pk), nil
	}

	var err error
	c.key, err = decodeFullKey(c.rawKey)
	if err != nil {
		c.fail(c.store.errf(c.indexName(), nil, err, "decoding cursor key"))
		return false
	}
	if c.index == nil {
		c.pk = c.key
	} else {
		c.pk, err = decodeFullKey(c.rawPK)
		if err != nil {
			c.fail(c.store.errf(c.indexName(), nil, err, "decoding cursor primary key"))
			return false
		}
	}
	return true
}

// Advance moves the cursor forward by n entries (n >= 1).
func (c *Cursor) Advance(n int) bool {
	if n < 1 {
		c.fail(c.store.errf(c.indexName(), nil, ErrInvalidArgument, "advance count must be positive, got %d", n))
		return false
	}
	for range n {
		if !c.Next() {
			return false
		}
	}
	return true
}

func (c *Cursor) indexName() string {
	if c.index != nil {
		return c.index.name
	}
	return ""
}

// Key is the current key: the primary key for store cursors, the index key
// for index cursors.
func (c *Cursor) Key() any {
	return c.key
}

func (c *Cursor) PrimaryKey() any {
	return c.pk
}

// Value decodes the record at the current position.
func (c *Cursor) Value() (Record, error) {
	if c.rawPK == nil {
		return nil, c.store.errf(c.indexName(), nil, ErrInvalidState, "cursor is not positioned on a record")
	}
	if c.index != nil {
		return c.index.loadRecord(c.rawPK)
	}
	return c.store.decodeValue(c.rawPK, c.rawVal)
}

func (c *Cursor) Err() error {
	return c.err
}

// Records yields the remaining records, advancing the cursor. The sequence
// is single-use; a decoding error stops it and is reported by Err.
func (c *Cursor) Records() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for c.Next() {
			rec, err := c.Value()
			if err != nil {
				c.fail(err)
				return
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Keys yields the remaining (key, primary key) pairs without decoding records.
func (c *Cursor) Keys() iter.Seq2[any, any] {
	return func(yield func(any, any) bool) {
		for c.Next() {
			if !yield(c.key, c.pk) {
				return
			}
		}
	}
}

func (c *Cursor) fail(err error) {
	if c.err == nil {
		c.err = err
	}
	c.Close()
}

// Close releases the cursor and returns the first error it encountered.
func (c *Cursor) Close() error {
	if c.closed {
		return c.err
	}
	c.store.tx.removeCursor(c)
	c.release()
	return c.err
}

// release closes the storage cursor without touching the transaction's list.
func (c *Cursor) release() {
	if c.closed {
		return
	}
	c.closed = true
	c.done = true
	c.rawKey, c.rawPK, c.rawVal = nil, nil, nil
	if err := c.c.Close(); err != nil && c.err == nil {
		c.err = c.store.errf(c.indexName(), nil, err, "iterating")
	}
}
