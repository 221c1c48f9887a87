package objstore

import (
	"fmt"
	"runtime/debug"
	"slices"
	"time"
)

type TxMode int

const (
	ReadOnly TxMode = iota
	ReadWrite
	VersionChange
)

func (m TxMode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case VersionChange:
		return "versionchange"
	default:
		return fmt.Sprintf("TxMode(%d)", int(m))
	}
}

// Tx is a transaction over a set of object stores. Not safe for concurrent use.
type Tx struct {
	db    *DB
	stx   storageTx
	mode  TxMode
	scope []string // sorted; nil means every store (upgrades)
	state *dbState

	upgrade  *Upgrade
	finished bool
	written  bool
	cursors  []*Cursor

	startTime time.Time
	stack     []byte
}

func (db *DB) newTx(stx storageTx, mode TxMode, scope []string, state *dbState) *Tx {
	tx := &Tx{
		db:        db,
		stx:       stx,
		mode:      mode,
		scope:     scope,
		state:     state,
		startTime: time.Now(),
	}
	if trackTxns {
		tx.stack = debug.Stack()
		db.f.addTx(tx)
	}
	return tx
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) Mode() TxMode {
	return tx.mode
}

// Active reports whether the transaction can still be used.
func (tx *Tx) Active() bool {
	return !tx.finished
}

// ObjectStoreNames lists the stores within the transaction's scope.
func (tx *Tx) ObjectStoreNames() []string {
	if tx.scope == nil {
		return tx.state.storeNames()
	}
	return slices.Clone(tx.scope)
}

// ObjectStore returns a store in the transaction's scope.
func (tx *Tx) ObjectStore(name string) (*ObjectStore, error) {
	if err := tx.ensureActive(); err != nil {
		return nil, storeErrf(tx.db.name, name, "", nil, err, "")
	}
	if tx.scope != nil {
		if _, found := slices.BinarySearch(tx.scope, name); !found {
			return nil, storeErrf(tx.db.name, name, "", nil, ErrNotFound, "object store is not in the transaction scope")
		}
	}
	ss := tx.state.Stores[name]
	if ss == nil {
		return nil, storeErrf(tx.db.name, name, "", nil, ErrNotFound, "no such object store")
	}
	return &ObjectStore{tx: tx, name: name, state: ss}, nil
}

func (tx *Tx) ensureActive() error {
	if tx.finished {
		return ErrTransactionInactive
	}
	return nil
}

func (tx *Tx) ensureWritable() error {
	if tx.finished {
		return ErrTransactionInactive
	}
	if tx.mode == ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// Commit finishes the transaction. For read-only transactions it just
// releases the snapshot.
func (tx *Tx) Commit() error {
	if tx.finished {
		return storeErrf(tx.db.name, "", "", nil, ErrTransactionInactive, "commit")
	}
	tx.finish()
	if tx.mode == ReadOnly {
		return tx.stx.Rollback()
	}
	err := tx.stx.Commit()
	if err != nil {
		tx.stx.Rollback()
		return storeErrf(tx.db.name, "", "", nil, err, "commit")
	}
	tx.db.f.WriteCount.Add(1)
	return nil
}

// Abort rolls back every change made in the transaction.
func (tx *Tx) Abort() error {
	if tx.finished {
		return storeErrf(tx.db.name, "", "", nil, ErrTransactionInactive, "abort")
	}
	tx.finish()
	if tx.db.f.verbose && tx.written {
		tx.db.f.logf("db: ABORT %s", tx.db.name)
	}
	return tx.stx.Rollback()
}

// release rolls back unless the transaction is already finished.
func (tx *Tx) release() {
	if tx.finished {
		return
	}
	tx.finish()
	err := tx.stx.Rollback()
	if err != nil {
		tx.db.f.logf("objstore: %s: rollback: %v", tx.db.name, err)
	}
}

func (tx *Tx) finish() {
	tx.finished = true
	if tx.mode == ReadOnly {
		tx.db.f.ReadCount.Add(1)
	}
	cursors := tx.cursors
	tx.cursors = nil
	for _, c := range cursors {
		c.release()
	}
	if trackTxns {
		tx.db.f.removeTx(tx)
	}
}

func (tx *Tx) addCursor(c *Cursor) {
	tx.cursors = append(tx.cursors, c)
}

func (tx *Tx) removeCursor(c *Cursor) {
	tx.cursors = slices.DeleteFunc(tx.cursors, func(o *Cursor) bool { return o == c })
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall[T any](fn func(T) error, arg T) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(arg)
}
