package objstore

import (
	"slices"
	"sync"
)

// DB is a connection to a named, versioned database. Safe for concurrent
// use; each transaction is not.
type DB struct {
	f     *Factory
	name  string
	state *dbState

	mu              sync.Mutex
	closed          bool
	onVersionChange []func(oldVersion, newVersion uint64)
}

func (db *DB) Name() string {
	return db.name
}

func (db *DB) Version() uint64 {
	return db.state.Version
}

func (db *DB) ObjectStoreNames() []string {
	return db.state.storeNames()
}

func (db *DB) Factory() *Factory {
	return db.f
}

// OnVersionChange registers a callback invoked when another caller tries to
// upgrade or delete this database. The callback should Close the connection,
// otherwise the upgrade fails with ErrBlocked. newVersion is 0 for deletion.
func (db *DB) OnVersionChange(f func(oldVersion, newVersion uint64)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.onVersionChange = append(db.onVersionChange, f)
}

func (db *DB) fireVersionChange(oldVersion, newVersion uint64) {
	db.mu.Lock()
	handlers := slices.Clone(db.onVersionChange)
	closed := db.closed
	db.mu.Unlock()
	if closed {
		return
	}
	for _, h := range handlers {
		h(oldVersion, newVersion)
	}
}

func (db *DB) IsClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

// Close releases the connection. Transactions that already started keep
// running; new ones fail with ErrClosed.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	db.f.removeConn(db)
	if db.f.verbose {
		db.f.logf("db: CLOSE %s", db.name)
	}
	return nil
}

// Transaction starts a transaction over the given object stores.
func (db *DB) Transaction(stores []string, mode TxMode) (*Tx, error) {
	if db.IsClosed() {
		return nil, storeErrf(db.name, "", "", nil, ErrClosed, "")
	}
	if mode != ReadOnly && mode != ReadWrite {
		return nil, storeErrf(db.name, "", "", nil, ErrInvalidArgument, "invalid transaction mode %v", mode)
	}
	if len(stores) == 0 {
		return nil, storeErrf(db.name, "", "", nil, ErrInvalidArgument, "empty transaction scope")
	}
	scope := slices.Clone(stores)
	slices.Sort(scope)
	scope = slices.Compact(scope)
	for _, name := range scope {
		if db.state.Stores[name] == nil {
			return nil, storeErrf(db.name, name, "", nil, ErrNotFound, "no such object store")
		}
	}

	stx, err := db.f.st.BeginTx(mode == ReadWrite)
	if err != nil {
		return nil, storeErrf(db.name, "", "", nil, err, "begin")
	}
	return db.newTx(stx, mode, scope, db.state), nil
}

// View runs f in a read-only transaction.
func (db *DB) View(stores []string, f func(tx *Tx) error) error {
	tx, err := db.Transaction(stores, ReadOnly)
	if err != nil {
		return err
	}
	defer tx.release()
	return safelyCall(f, tx)
}

// Update runs f in a read-write transaction, committing if f returns nil
// and rolling back otherwise.
func (db *DB) Update(stores []string, f func(tx *Tx) error) error {
	tx, err := db.Transaction(stores, ReadWrite)
	if err != nil {
		return err
	}
	defer tx.release()
	err = safelyCall(f, tx)
	if err != nil {
		return err
	}
	if tx.finished {
		return nil
	}
	return tx.Commit()
}
