package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/objstore"
)

var usersMigrations = []objstore.Migration{
	{Version: 1, Apply: func(u *objstore.Upgrade) error {
		s, err := u.CreateObjectStore("users", objstore.StoreOptions{KeyPath: "uuid"})
		if err != nil {
			return err
		}
		if _, err := s.CreateIndex("uuid", "uuid", objstore.IndexOptions{Unique: true}); err != nil {
			return err
		}
		if _, err := s.CreateIndex("name", "name", objstore.IndexOptions{}); err != nil {
			return err
		}
		_, err = s.CreateIndex("age", "age", objstore.IndexOptions{})
		return err
	}},
}

func setup(t *testing.T, opt Options) (*Client, *objstore.DB) {
	t.Helper()
	f := objstore.OpenMemory(objstore.Options{IsTesting: true, Logf: t.Logf})
	t.Cleanup(func() { f.Close() })

	if opt.Migrations == nil {
		opt.Migrations = usersMigrations
	}
	opt.Logf = t.Logf
	c := New(f, opt)

	ctx := context.Background()
	db, err := c.Open(ctx, "class", 1).Wait(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(db) })
	return c, db
}

func wait[T any](t *testing.T, req *Request[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, err := req.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "request did not complete")
	return v, err
}

func TestClient_Tutorial(t *testing.T) {
	c, db := setup(t, Options{})
	ctx := context.Background()
	rec := objstore.Record{"uuid": int64(1675579500989), "name": "张三", "age": int64(11)}

	key, err := wait(t, c.Insert(ctx, db, "users", rec))
	require.NoError(t, err)
	assert.Equal(t, any(1675579500989.0), key)

	byKey := c.GetByKey(ctx, db, "users", int64(1675579500989))
	all := c.GetAll(ctx, db, "users")
	iter := c.IterateAll(ctx, db, "users")
	byAge := c.GetByIndex(ctx, db, "users", "age", 11)
	byName := c.IterateByIndex(ctx, db, "users", "name", "张三")
	page2 := c.IterateByIndexPaged(ctx, db, "users", "name", "张三", 2, 10)

	got, err := wait(t, byKey)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	list, err := wait(t, all)
	require.NoError(t, err)
	assert.Equal(t, []objstore.Record{rec}, list)

	list, err = wait(t, iter)
	require.NoError(t, err)
	assert.Equal(t, []objstore.Record{rec}, list)

	got, err = wait(t, byAge)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	list, err = wait(t, byName)
	require.NoError(t, err)
	assert.Equal(t, []objstore.Record{rec}, list)

	list, err = wait(t, page2)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list)

	got, err = wait(t, c.GetByKey(ctx, db, "users", 1))
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = wait(t, c.GetByIndex(ctx, db, "users", "name", "nobody"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClient_DuplicateInsert(t *testing.T) {
	c, db := setup(t, Options{})
	ctx := context.Background()
	rec := objstore.Record{"uuid": int64(1), "name": "a", "age": int64(1)}

	req := c.Insert(ctx, db, "users", rec)
	_, err := wait(t, req)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, req.State())

	req = c.Insert(ctx, db, "users", objstore.Record{"uuid": int64(1), "name": "b", "age": int64(2)})
	_, err = wait(t, req)
	assert.Equal(t, Failed, req.State())
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.ErrorIs(t, err, objstore.ErrConstraint)
	assert.Equal(t, WriteFailed, KindOf(err))

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "insert", e.Op)
	assert.Equal(t, "class", e.DB)
	assert.Equal(t, "users", e.Store)

	list, err := wait(t, c.GetAll(ctx, db, "users"))
	require.NoError(t, err)
	assert.Equal(t, []objstore.Record{rec}, list)

	_, err = wait(t, c.Insert(ctx, db, "users", objstore.Record{"name": "no key"}))
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.ErrorIs(t, err, objstore.ErrData)
}

func TestClient_Paging(t *testing.T) {
	c, db := setup(t, Options{MaxInFlight: 4})
	ctx := context.Background()

	var reqs []*Request[any]
	for i := int64(1); i <= 25; i++ {
		reqs = append(reqs, c.Insert(ctx, db, "users", objstore.Record{"uuid": i, "name": "x", "age": i % 3}))
	}
	_, err := wait(t, c.Insert(ctx, db, "users", objstore.Record{"uuid": int64(100), "name": "y", "age": int64(0)}))
	require.NoError(t, err)
	for _, req := range reqs {
		_, err := wait(t, req)
		require.NoError(t, err)
	}

	uuids := func(recs []objstore.Record) []int64 {
		var result []int64
		for _, rec := range recs {
			result = append(result, rec["uuid"].(int64))
		}
		return result
	}
	page := func(n, size int) []int64 {
		t.Helper()
		list, err := wait(t, c.IterateByIndexPaged(ctx, db, "users", "name", "x", n, size))
		require.NoError(t, err)
		return uuids(list)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, page(1, 10))
	assert.Equal(t, []int64{11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, page(2, 10))
	assert.Equal(t, []int64{21, 22, 23, 24, 25}, page(3, 10))
	assert.Empty(t, page(4, 10))
	assert.Equal(t, []int64{25}, page(25, 1))

	list, err := wait(t, c.IterateByIndex(ctx, db, "users", "name", "x"))
	require.NoError(t, err)
	assert.Len(t, list, 25)

	list, err = wait(t, c.IterateByIndex(ctx, db, "users", "age", 0))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 6, 9, 12, 15, 18, 21, 24, 100}, uuids(list))

	for _, bad := range [][2]int{{0, 10}, {-1, 10}, {1, 0}} {
		_, err := wait(t, c.IterateByIndexPaged(ctx, db, "users", "name", "x", bad[0], bad[1]))
		assert.ErrorIs(t, err, ErrQueryFailed, "page %d size %d", bad[0], bad[1])
		assert.ErrorIs(t, err, objstore.ErrInvalidArgument)
	}
}

func TestClient_QueryFailures(t *testing.T) {
	c, db := setup(t, Options{})
	ctx := context.Background()

	_, err := wait(t, c.GetAll(ctx, db, "nope"))
	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	_, err = wait(t, c.GetByIndex(ctx, db, "users", "nope", 1))
	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	_, err = wait(t, c.IterateByIndex(ctx, db, "users", "name", nil))
	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.ErrorIs(t, err, objstore.ErrData)

	_, err = wait(t, c.GetByKey(ctx, nil, "users", 1))
	assert.Equal(t, QueryFailed, KindOf(err))

	require.NoError(t, c.Close(db))
	_, err = wait(t, c.GetAll(ctx, db, "users"))
	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.ErrorIs(t, err, objstore.ErrClosed)
	assert.NoError(t, c.Close(nil))
}

func TestClient_OpenFailures(t *testing.T) {
	c, db := setup(t, Options{})
	ctx := context.Background()

	_, err := wait(t, c.Open(ctx, "class", 2))
	assert.ErrorIs(t, err, ErrOpenFailed)
	assert.ErrorIs(t, err, objstore.ErrBlocked)

	require.NoError(t, c.Close(db))
	db2, err := wait(t, c.Open(ctx, "class", 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), db2.Version())
	require.NoError(t, c.Close(db2))

	_, err = wait(t, c.Open(ctx, "class", 1))
	assert.ErrorIs(t, err, ErrOpenFailed)
	assert.ErrorIs(t, err, objstore.ErrVersion)
	assert.Equal(t, OpenFailed, KindOf(err))
	assert.Contains(t, err.Error(), "open class: open failed")

	bad := New(c.Factory(), Options{
		Logf: t.Logf,
		Migrations: []objstore.Migration{{Version: 1, Apply: func(u *objstore.Upgrade) error {
			return errors.New("nope")
		}}},
	})
	_, err = wait(t, bad.Open(ctx, "other", 1))
	assert.ErrorIs(t, err, ErrOpenFailed)
	assert.ErrorIs(t, err, objstore.ErrAbort)
}

func TestRequest_Lifecycle(t *testing.T) {
	c, db := setup(t, Options{MaxInFlight: 1})
	ctx := context.Background()

	// hold the only slot so that new requests stay issued
	require.NoError(t, c.sem.Acquire(ctx, 1))

	req := c.GetAll(ctx, db, "users")
	var calls atomic.Int32
	req.OnComplete(func(recs []objstore.Record, err error) {
		calls.Add(1)
	})
	assert.Equal(t, Issued, req.State())
	_, err := req.Result()
	assert.ErrorIs(t, err, ErrNotDone)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	_, err = req.Wait(waitCtx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cctx, ccancel := context.WithCancel(ctx)
	canceled := c.Insert(cctx, db, "users", objstore.Record{"uuid": 1})
	ccancel()

	c.sem.Release(1)

	list, err := wait(t, req)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, Succeeded, req.State())
	assert.Equal(t, int32(1), calls.Load())

	list, err = req.Result()
	assert.NoError(t, err)
	assert.Empty(t, list)

	req.OnComplete(func(recs []objstore.Record, err error) {
		calls.Add(1)
	})
	assert.Equal(t, int32(2), calls.Load())

	_, err = wait(t, canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Equal(t, Failed, canceled.State())

	list, err = wait(t, c.GetAll(ctx, db, "users"))
	require.NoError(t, err)
	assert.Empty(t, list, "a request canceled before it started must not run")
}

func TestRequest_CanceledPassesThroughPending(t *testing.T) {
	c, db := setup(t, Options{})
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string][]State)
	c.watch = func(op string, s State) {
		mu.Lock()
		defer mu.Unlock()
		seen[op] = append(seen[op], s)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	canceled := c.Insert(cctx, db, "users", objstore.Record{"uuid": 1})
	_, err := wait(t, canceled)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = wait(t, c.GetAll(ctx, db, "users"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Pending, Failed}, seen["insert"])
	assert.Equal(t, []State{Pending, Succeeded}, seen["getAll"])
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "open failed", OpenFailed.String())
	assert.Equal(t, "write failed", WriteFailed.String())
	assert.Equal(t, "query failed", QueryFailed.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
	assert.Equal(t, Kind(0), KindOf(errors.New("other")))
	assert.Equal(t, "pending", Pending.String())
}
