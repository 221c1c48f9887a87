package objstore

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"go.etcd.io/bbolt"
)

const trackTxns = true

type Options struct {
	Logf      func(format string, args ...any)
	Verbose   bool
	IsTesting bool
	MmapSize  int
	Now       func() time.Time
}

// Factory owns a storage backend and the named, versioned databases inside it.
type Factory struct {
	st      storage
	logf    func(format string, args ...any)
	verbose bool
	strict  bool
	now     func() time.Time

	// openMu serializes Open and DeleteDatabase; mu guards conns and closed.
	openMu sync.Mutex
	mu     sync.Mutex
	conns  map[string][]*DB
	closed bool

	// ReadCount counts finished read-only transactions, WriteCount
	// committed writes (including upgrades and deletions).
	ReadCount  atomic.Uint64
	WriteCount atomic.Uint64

	txns     []*Tx
	txnsLock sync.Mutex
}

// DatabaseInfo describes a database stored in a factory.
type DatabaseInfo struct {
	Name    string
	Version uint64
}

// OpenBolt opens (creating if needed) a factory backed by a single bbolt file.
func OpenBolt(path string, opt Options) (*Factory, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("objstore: %w", err)
	}
	return newFactory(newBoltStorage(bdb), opt), nil
}

// OpenPebble opens (creating if needed) a factory backed by a pebble directory.
func OpenPebble(dir string, opt Options) (*Factory, error) {
	cache := pebble.NewCache(64 * 1024 * 1024)
	defer cache.Unref()

	popt := &pebble.Options{
		Cache:        cache,
		MemTableSize: 32 * 1024 * 1024,
		DisableWAL:   opt.IsTesting,
	}
	pdb, err := pebble.Open(dir, popt)
	if err != nil {
		return nil, fmt.Errorf("objstore: %w", err)
	}
	return newFactory(newPebbleStorage(pdb, !opt.IsTesting), opt), nil
}

// OpenMemory returns a factory whose data lives only as long as the factory.
func OpenMemory(opt Options) *Factory {
	return newFactory(newMemStorage(), opt)
}

func newFactory(st storage, opt Options) *Factory {
	if opt.Logf == nil {
		opt.Logf = log.Printf
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Factory{
		st:      st,
		logf:    opt.Logf,
		verbose: opt.Verbose,
		strict:  opt.IsTesting,
		now:     opt.Now,
		conns:   make(map[string][]*DB),
	}
}

func validateName(kind, name string) error {
	if name == "" {
		return wrapf(ErrInvalidArgument, "empty %s name", kind)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return wrapf(ErrInvalidArgument, "%s name %q contains a NUL byte", kind, name)
	}
	return nil
}

// Open opens a connection to the named database, upgrading it to version if
// the stored version is lower. Migrations with stored < Version <= version
// run in ascending order inside a single transaction.
func (f *Factory) Open(name string, version uint64, migrations []Migration) (*DB, error) {
	if err := validateName("database", name); err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, storeErrf(name, "", "", nil, ErrInvalidArgument, "version must be at least 1")
	}

	f.openMu.Lock()
	defer f.openMu.Unlock()
	if f.isClosed() {
		return nil, storeErrf(name, "", "", nil, ErrClosed, "")
	}

	st, err := f.readState(name)
	if err != nil {
		return nil, storeErrf(name, "", "", nil, err, "reading schema")
	}
	var stored uint64
	if st != nil {
		stored = st.Version
	}

	if version < stored {
		return nil, storeErrf(name, "", "", nil, ErrVersion, "requested %d, stored %d", version, stored)
	}
	if version > stored {
		if err := f.notifyVersionChange(name, stored, version); err != nil {
			return nil, err
		}
		st, err = f.upgrade(name, st, version, migrations)
		if err != nil {
			return nil, err
		}
	}

	db := &DB{
		f:     f,
		name:  name,
		state: st,
	}
	f.mu.Lock()
	f.conns[name] = append(f.conns[name], db)
	f.mu.Unlock()
	if f.verbose {
		f.logf("db: OPEN %s v%d", name, st.Version)
	}
	return db, nil
}

func (f *Factory) readState(name string) (*dbState, error) {
	stx, err := f.st.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer stx.Rollback()
	return loadState(stx, name)
}

// notifyVersionChange asks every open connection to name to close, and fails
// with ErrBlocked if any of them stays open.
func (f *Factory) notifyVersionChange(name string, oldVersion, newVersion uint64) error {
	f.mu.Lock()
	others := slices.Clone(f.conns[name])
	f.mu.Unlock()

	for _, db := range others {
		db.fireVersionChange(oldVersion, newVersion)
	}

	f.mu.Lock()
	remaining := len(f.conns[name])
	f.mu.Unlock()
	if remaining > 0 {
		f.logf("objstore: %s: version change %d => %d blocked by %d open connection(s)", name, oldVersion, newVersion, remaining)
		return storeErrf(name, "", "", nil, ErrBlocked, "%d connection(s) still open", remaining)
	}
	return nil
}

func (f *Factory) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Factory) removeConn(db *DB) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[db.name] = slices.DeleteFunc(f.conns[db.name], func(d *DB) bool { return d == db })
	if len(f.conns[db.name]) == 0 {
		delete(f.conns, db.name)
	}
}

// Databases lists the databases in the factory in name order.
func (f *Factory) Databases() ([]DatabaseInfo, error) {
	stx, err := f.st.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer stx.Rollback()

	names, err := stx.RootNames()
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	var result []DatabaseInfo
	for _, name := range names {
		st, err := loadState(stx, name)
		if err != nil {
			return nil, err
		}
		if st == nil {
			continue
		}
		result = append(result, DatabaseInfo{Name: name, Version: st.Version})
	}
	return result, nil
}

// DeleteDatabase removes a database and all of its data. Open connections
// get a version change notification with newVersion 0; if any stays open,
// the deletion fails with ErrBlocked. Deleting a missing database succeeds.
func (f *Factory) DeleteDatabase(name string) error {
	if err := validateName("database", name); err != nil {
		return err
	}
	f.openMu.Lock()
	defer f.openMu.Unlock()

	st, err := f.readState(name)
	if err != nil {
		return storeErrf(name, "", "", nil, err, "reading schema")
	}
	var stored uint64
	if st != nil {
		stored = st.Version
	}
	if err := f.notifyVersionChange(name, stored, 0); err != nil {
		return err
	}

	stx, err := f.st.BeginTx(true)
	if err != nil {
		return storeErrf(name, "", "", nil, err, "")
	}
	defer stx.Rollback()
	err = stx.DeleteRoot(name)
	if errors.Is(err, ErrBucketNotFound) {
		return nil
	} else if err != nil {
		return storeErrf(name, "", "", nil, err, "deleting")
	}
	if err := stx.Commit(); err != nil {
		return storeErrf(name, "", "", nil, err, "commit")
	}
	f.WriteCount.Add(1)
	if f.verbose {
		f.logf("db: DELETE_DATABASE %s", name)
	}
	return nil
}

// Close closes every open connection and the storage backend.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	var open []*DB
	for _, dbs := range f.conns {
		open = append(open, dbs...)
	}
	f.mu.Unlock()

	for _, db := range open {
		db.Close()
	}
	if n := len(f.openTxns()); n > 0 {
		f.logf("objstore: closing with %d open transactions:\n%s", n, f.DescribeOpenTxns())
	}
	return f.st.Close()
}

func (f *Factory) addTx(tx *Tx) {
	f.txnsLock.Lock()
	defer f.txnsLock.Unlock()
	f.txns = append(f.txns, tx)
}

func (f *Factory) removeTx(tx *Tx) {
	f.txnsLock.Lock()
	defer f.txnsLock.Unlock()

	found := -1
	for i, t := range f.txns {
		if t == tx {
			found = i
			break
		}
	}
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(f.txns)
	f.txns[found] = f.txns[n-1]
	f.txns[n-1] = nil
	f.txns = f.txns[:n-1]
}

func (f *Factory) openTxns() []*Tx {
	f.txnsLock.Lock()
	defer f.txnsLock.Unlock()
	return slices.Clone(f.txns)
}

func (f *Factory) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	txns := f.openTxns()
	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%s %s open for %d ms\n", tx.db.name, tx.mode, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%s %s open for %d ms:\n%s", tx.db.name, tx.mode, ms, tx.stack)
		}
	}

	return buf.String()
}
