// Package client wraps an objstore.Factory behind a small set of
// asynchronous operations. Every operation runs on its own goroutine and
// completes through a Request with exactly one result or one *Error.
package client

import (
	"context"
	"log"
	"slices"

	"golang.org/x/sync/semaphore"

	"github.com/andreyvit/objstore"
)

// Options configure a Client.
type Options struct {
	// Migrations are applied by Open when the requested version is higher
	// than the stored one.
	Migrations []objstore.Migration

	// MaxInFlight bounds the number of concurrently executing requests.
	// Zero means unbounded.
	MaxInFlight int64

	Logf    func(format string, args ...any)
	Verbose bool
}

// Client issues the adapter operations against one factory. It is safe
// for concurrent use; each operation opens its own transaction.
type Client struct {
	factory    *objstore.Factory
	migrations []objstore.Migration
	sem        *semaphore.Weighted
	logf       func(format string, args ...any)
	verbose    bool

	// watch receives every request state change; tests only.
	watch func(op string, s State)
}

// New returns a Client over factory. The factory stays owned by the caller.
func New(factory *objstore.Factory, opt Options) *Client {
	if opt.Logf == nil {
		opt.Logf = log.Printf
	}
	c := &Client{
		factory:    factory,
		migrations: slices.Clone(opt.Migrations),
		logf:       opt.Logf,
		verbose:    opt.Verbose,
	}
	if opt.MaxInFlight > 0 {
		c.sem = semaphore.NewWeighted(opt.MaxInFlight)
	}
	return c
}

// Factory returns the factory the client was created with.
func (c *Client) Factory() *objstore.Factory {
	return c.factory
}

type opInfo struct {
	kind  Kind
	op    string
	db    string
	store string
}

func (c *Client) fail(info opInfo, err error) error {
	e := &Error{Kind: info.kind, Op: info.op, DB: info.db, Store: info.store, Err: err}
	c.logf("client: %v", e)
	return e
}

// run executes fn on a new goroutine. A request whose context is done
// before fn starts still passes through Pending, then fails without
// running fn.
func run[T any](ctx context.Context, c *Client, info opInfo, fn func() (T, error)) *Request[T] {
	req := newRequest[T]()
	if c.watch != nil {
		req.watch = func(s State) { c.watch(info.op, s) }
	}
	go func() {
		var zero T
		if err := ctx.Err(); err != nil {
			req.start()
			req.complete(zero, c.fail(info, err))
			return
		}
		if c.sem != nil {
			if err := c.sem.Acquire(ctx, 1); err != nil {
				req.start()
				req.complete(zero, c.fail(info, err))
				return
			}
			defer c.sem.Release(1)
		}
		req.start()
		v, err := fn()
		if err != nil {
			req.complete(zero, c.fail(info, err))
			return
		}
		if c.verbose {
			c.logf("client: %s %s.%s ok", info.op, info.db, info.store)
		}
		req.complete(v, nil)
	}()
	return req
}

func dbName(db *objstore.DB) string {
	if db == nil {
		return ""
	}
	return db.Name()
}

func requireDB(db *objstore.DB) error {
	if db == nil {
		return objstore.ErrInvalidArgument
	}
	return nil
}

// Open opens the named database, creating or upgrading its schema with the
// client's migrations when version is higher than the stored version.
func (c *Client) Open(ctx context.Context, name string, version uint64) *Request[*objstore.DB] {
	info := opInfo{OpenFailed, "open", name, ""}
	return run(ctx, c, info, func() (*objstore.DB, error) {
		return c.factory.Open(name, version, c.migrations)
	})
}

// Close closes a database handle.
func (c *Client) Close(db *objstore.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}

// Insert adds rec to store and returns its primary key. Fails with
// WriteFailed if the key already exists.
func (c *Client) Insert(ctx context.Context, db *objstore.DB, store string, rec objstore.Record) *Request[any] {
	info := opInfo{WriteFailed, "insert", dbName(db), store}
	return run(ctx, c, info, func() (any, error) {
		if err := requireDB(db); err != nil {
			return nil, err
		}
		var key any
		err := db.Update([]string{store}, func(tx *objstore.Tx) error {
			s, err := tx.ObjectStore(store)
			if err != nil {
				return err
			}
			key, err = s.Add(rec)
			return err
		})
		return key, err
	})
}

// GetByKey returns the record with the given primary key, or nil.
func (c *Client) GetByKey(ctx context.Context, db *objstore.DB, store string, key any) *Request[objstore.Record] {
	info := opInfo{QueryFailed, "getByKey", dbName(db), store}
	return run(ctx, c, info, func() (objstore.Record, error) {
		var rec objstore.Record
		err := view(db, store, func(s *objstore.ObjectStore) (err error) {
			rec, err = s.Get(key)
			return err
		})
		return rec, err
	})
}

// GetAll returns every record of store in primary key order.
func (c *Client) GetAll(ctx context.Context, db *objstore.DB, store string) *Request[[]objstore.Record] {
	info := opInfo{QueryFailed, "getAll", dbName(db), store}
	return run(ctx, c, info, func() ([]objstore.Record, error) {
		var recs []objstore.Record
		err := view(db, store, func(s *objstore.ObjectStore) (err error) {
			recs, err = s.GetAll(nil, 0)
			return err
		})
		return recs, err
	})
}

// IterateAll visits every record of store with a cursor and returns them in
// primary key order.
func (c *Client) IterateAll(ctx context.Context, db *objstore.DB, store string) *Request[[]objstore.Record] {
	info := opInfo{QueryFailed, "iterateAll", dbName(db), store}
	return run(ctx, c, info, func() ([]objstore.Record, error) {
		var recs []objstore.Record
		err := view(db, store, func(s *objstore.ObjectStore) error {
			cur, err := s.OpenCursor(nil, objstore.Next)
			if err != nil {
				return err
			}
			recs, err = collect(cur, 0, 0)
			return err
		})
		return recs, err
	})
}

// GetByIndex returns the first record whose index value equals value, or
// nil if there is none.
func (c *Client) GetByIndex(ctx context.Context, db *objstore.DB, store, index string, value any) *Request[objstore.Record] {
	info := opInfo{QueryFailed, "getByIndex", dbName(db), store}
	return run(ctx, c, info, func() (objstore.Record, error) {
		var rec objstore.Record
		err := view(db, store, func(s *objstore.ObjectStore) error {
			idx, err := s.Index(index)
			if err != nil {
				return err
			}
			rec, err = idx.Get(value)
			return err
		})
		return rec, err
	})
}

// IterateByIndex returns every record whose index value equals value, in
// primary key order.
func (c *Client) IterateByIndex(ctx context.Context, db *objstore.DB, store, index string, value any) *Request[[]objstore.Record] {
	info := opInfo{QueryFailed, "iterateByIndex", dbName(db), store}
	return run(ctx, c, info, func() ([]objstore.Record, error) {
		return iterateIndex(db, store, index, value, 0, 0)
	})
}

// IterateByIndexPaged returns page (1-based) of the records whose index
// value equals value: at most pageSize records starting at offset
// (page-1)*pageSize. A page past the end is empty.
func (c *Client) IterateByIndexPaged(ctx context.Context, db *objstore.DB, store, index string, value any, page, pageSize int) *Request[[]objstore.Record] {
	info := opInfo{QueryFailed, "iterateByIndexPaged", dbName(db), store}
	return run(ctx, c, info, func() ([]objstore.Record, error) {
		if page < 1 || pageSize < 1 {
			return nil, &objstore.StoreError{DB: dbName(db), Store: store, Index: index, Msg: "page and page size must be at least 1", Err: objstore.ErrInvalidArgument}
		}
		return iterateIndex(db, store, index, value, (page-1)*pageSize, pageSize)
	})
}

func iterateIndex(db *objstore.DB, store, index string, value any, skip, take int) ([]objstore.Record, error) {
	var recs []objstore.Record
	err := view(db, store, func(s *objstore.ObjectStore) error {
		idx, err := s.Index(index)
		if err != nil {
			return err
		}
		cur, err := idx.OpenCursor(objstore.Only(value), objstore.Next)
		if err != nil {
			return err
		}
		recs, err = collect(cur, skip, take)
		return err
	})
	return recs, err
}

func view(db *objstore.DB, store string, f func(s *objstore.ObjectStore) error) error {
	if err := requireDB(db); err != nil {
		return err
	}
	return db.View([]string{store}, func(tx *objstore.Tx) error {
		s, err := tx.ObjectStore(store)
		if err != nil {
			return err
		}
		return f(s)
	})
}

// collect drains a cursor, skipping the first skip records and keeping at
// most take (0 means all).
func collect(cur *objstore.Cursor, skip, take int) ([]objstore.Record, error) {
	seq := cur.Records()
	if skip > 0 {
		seq = objstore.Skip(seq, skip)
	}
	if take > 0 {
		seq = objstore.Take(seq, take)
	}
	recs := slices.AppendSeq(make([]objstore.Record, 0), seq)
	if err := cur.Close(); err != nil {
		return nil, err
	}
	return recs, nil
}
