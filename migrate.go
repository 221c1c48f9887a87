package objstore

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"time"
)

// Migration moves a database schema to Version. Apply runs inside the
// upgrade transaction and may create or delete object stores and indexes.
type Migration struct {
	Version uint64
	Apply   func(u *Upgrade) error
}

// Upgrade is the context passed to migrations.
type Upgrade struct {
	tx         *Tx
	OldVersion uint64
	NewVersion uint64
}

func (f *Factory) upgrade(name string, old *dbState, version uint64, migrations []Migration) (*dbState, error) {
	migrations = slices.Clone(migrations)
	slices.SortStableFunc(migrations, func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})

	stx, err := f.st.BeginTx(true)
	if err != nil {
		return nil, storeErrf(name, "", "", nil, err, "begin upgrade")
	}

	var st *dbState
	var oldVersion uint64
	if old != nil {
		st = old.clone()
		oldVersion = old.Version
	} else {
		st = &dbState{Stores: make(map[string]*storeState)}
	}
	if _, err := stx.CreateBucket(name, metaBucket); err != nil {
		stx.Rollback()
		return nil, storeErrf(name, "", "", nil, err, "creating database")
	}

	db := &DB{f: f, name: name, state: st}
	tx := db.newTx(stx, VersionChange, nil, st)
	defer tx.release()
	u := &Upgrade{tx: tx, OldVersion: oldVersion, NewVersion: version}
	tx.upgrade = u

	start := time.Now()
	var applied int
	for _, m := range migrations {
		if m.Version <= oldVersion || m.Version > version {
			continue
		}
		if m.Apply == nil {
			continue
		}
		err := safelyCall(m.Apply, u)
		if err == nil && tx.finished {
			err = ErrTransactionInactive
		}
		if err != nil {
			f.logf("objstore: %s: migration to version %d failed: %v", name, m.Version, err)
			return nil, storeErrf(name, "", "", nil, fmt.Errorf("%w: %w", ErrAbort, err), "migration to version %d", m.Version)
		}
		applied++
	}

	st.Version = version
	st.LastOpened = f.now()
	if err := saveState(stx, name, st); err != nil {
		return nil, storeErrf(name, "", "", nil, err, "saving schema")
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	f.logf("objstore: %s: upgraded from version %d to %d (%d migrations) in %d ms", name, oldVersion, version, applied, time.Since(start).Milliseconds())
	return st, nil
}

func (u *Upgrade) Tx() *Tx {
	return u.tx
}

func (u *Upgrade) ObjectStoreNames() []string {
	return u.tx.state.storeNames()
}

func (u *Upgrade) ObjectStore(name string) (*ObjectStore, error) {
	return u.tx.ObjectStore(name)
}

// StoreOptions configure a new object store. An empty KeyPath means keys
// are provided out of line (AddWithKey, PutWithKey) or generated.
type StoreOptions struct {
	KeyPath       string
	AutoIncrement bool
}

func (u *Upgrade) CreateObjectStore(name string, opt StoreOptions) (*ObjectStore, error) {
	tx := u.tx
	dbName := tx.db.name
	if err := tx.ensureActive(); err != nil {
		return nil, storeErrf(dbName, name, "", nil, err, "")
	}
	if err := validateName("object store", name); err != nil {
		return nil, storeErrf(dbName, name, "", nil, err, "")
	}
	if err := validateKeyPath(opt.KeyPath); err != nil {
		return nil, storeErrf(dbName, name, "", nil, err, "")
	}
	if tx.state.Stores[name] != nil {
		return nil, storeErrf(dbName, name, "", nil, ErrConstraint, "object store already exists")
	}
	if _, err := tx.stx.CreateBucket(dbName, dataBucketName(name)); err != nil {
		return nil, storeErrf(dbName, name, "", nil, err, "creating bucket")
	}
	ss := &storeState{
		KeyPath:       opt.KeyPath,
		AutoIncrement: opt.AutoIncrement,
		Indexes:       make(map[string]*indexState),
	}
	tx.state.Stores[name] = ss
	tx.written = true
	if tx.db.f.verbose {
		tx.db.f.logf("db: CREATE_STORE %s.%s keyPath=%q autoIncrement=%v", dbName, name, opt.KeyPath, opt.AutoIncrement)
	}
	return &ObjectStore{tx: tx, name: name, state: ss}, nil
}

func (u *Upgrade) DeleteObjectStore(name string) error {
	tx := u.tx
	dbName := tx.db.name
	if err := tx.ensureActive(); err != nil {
		return storeErrf(dbName, name, "", nil, err, "")
	}
	ss := tx.state.Stores[name]
	if ss == nil {
		return storeErrf(dbName, name, "", nil, ErrNotFound, "no such object store")
	}
	for _, idx := range ss.indexNames() {
		if err := tx.stx.DeleteBucket(dbName, indexBucketName(name, idx)); err != nil {
			return storeErrf(dbName, name, idx, nil, err, "deleting index bucket")
		}
	}
	if err := tx.stx.DeleteBucket(dbName, dataBucketName(name)); err != nil {
		return storeErrf(dbName, name, "", nil, err, "deleting bucket")
	}
	if err := deleteGenerator(tx.stx, dbName, name); err != nil {
		return storeErrf(dbName, name, "", nil, err, "deleting key generator")
	}
	delete(tx.state.Stores, name)
	tx.written = true
	if tx.db.f.verbose {
		tx.db.f.logf("db: DELETE_STORE %s.%s", dbName, name)
	}
	return nil
}

// IndexOptions configure a new index.
type IndexOptions struct {
	Unique bool
}

// CreateIndex adds an index to the store and indexes every existing record.
// Only allowed during an upgrade.
func (s *ObjectStore) CreateIndex(name, keyPath string, opt IndexOptions) (*Index, error) {
	tx := s.tx
	if err := tx.ensureActive(); err != nil {
		return nil, s.errf(name, nil, err, "")
	}
	if tx.upgrade == nil {
		return nil, s.errf(name, nil, ErrInvalidState, "indexes can only be created during an upgrade")
	}
	if err := validateName("index", name); err != nil {
		return nil, s.errf(name, nil, err, "")
	}
	if keyPath == "" {
		return nil, s.errf(name, nil, ErrInvalidArgument, "empty key path")
	}
	if err := validateKeyPath(keyPath); err != nil {
		return nil, s.errf(name, nil, err, "")
	}
	if s.state.Indexes[name] != nil {
		return nil, s.errf(name, nil, ErrConstraint, "index already exists")
	}

	xb, err := tx.stx.CreateBucket(tx.db.name, indexBucketName(s.name, name))
	if err != nil {
		return nil, s.errf(name, nil, err, "creating bucket")
	}
	is := &indexState{KeyPath: keyPath, Unique: opt.Unique}
	s.state.Indexes[name] = is
	tx.written = true

	if err := s.buildIndex(xb, name, is); err != nil {
		delete(s.state.Indexes, name)
		if derr := tx.stx.DeleteBucket(tx.db.name, indexBucketName(s.name, name)); derr != nil {
			tx.db.f.logf("objstore: %s.%s.%s: dropping failed index: %v", tx.db.name, s.name, name, derr)
		}
		return nil, err
	}
	if tx.db.f.verbose {
		tx.db.f.logf("db: CREATE_INDEX %s.%s.%s keyPath=%q unique=%v", tx.db.name, s.name, name, keyPath, opt.Unique)
	}
	return &Index{store: s, name: name, state: is}, nil
}

// buildIndex adds index entries for every existing record and rewrites each
// record's stored index keys.
func (s *ObjectStore) buildIndex(xb storageBucket, name string, is *indexState) error {
	db, err := s.dataBucket()
	if err != nil {
		return err
	}

	type row struct{ pk, raw []byte }
	var rows []row
	err = scanBucket(db, rawRange{}, false, nil, func(k, v []byte) (bool, error) {
		rows = append(rows, row{bytes.Clone(k), bytes.Clone(v)})
		return true, nil
	})
	if err != nil {
		return s.errf(name, nil, err, "scanning records")
	}
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()
	for _, r := range rows {
		var vle value
		if err := vle.decode(r.raw); err != nil {
			return s.rawErrf(name, r.pk, err, "decoding record")
		}
		rec, err := decodeRecord(vle.Data)
		if err != nil {
			return s.rawErrf(name, r.pk, err, "decoding record")
		}

		index := slices.DeleteFunc(vle.Index, func(ir indexRecord) bool { return ir.Name == name })
		if ik, ok := indexKeyOf(rec, is); ok {
			if is.Unique {
				existing, err := xb.Get(ik)
				if err != nil {
					return s.errf(name, nil, err, "")
				}
				if existing != nil && !bytes.Equal(existing, r.pk) {
					return s.rawErrf(name, r.pk, ErrConstraint, "duplicate value for unique index")
				}
			}
			if err := putIndexEntry(xb, is, ik, r.pk); err != nil {
				return s.errf(name, nil, err, "")
			}
			index = append(index, indexRecord{Name: name, Key: ik})
			slices.SortFunc(index, func(a, b indexRecord) int { return cmp.Compare(a.Name, b.Name) })
		}
		raw := encodeValue(nil, vle.Flags, vle.ModCount, vle.Data, index)
		if err := db.Put(r.pk, raw); err != nil {
			return s.rawErrf(name, r.pk, err, "")
		}
	}
	s.tx.db.f.logf("objstore: %s.%s: indexing %d records into %s took %d ms", s.tx.db.name, s.name, len(rows), name, time.Since(start).Milliseconds())
	return nil
}

// DeleteIndex removes an index. Only allowed during an upgrade.
func (s *ObjectStore) DeleteIndex(name string) error {
	tx := s.tx
	if err := tx.ensureActive(); err != nil {
		return s.errf(name, nil, err, "")
	}
	if tx.upgrade == nil {
		return s.errf(name, nil, ErrInvalidState, "indexes can only be deleted during an upgrade")
	}
	if s.state.Indexes[name] == nil {
		return s.errf(name, nil, ErrNotFound, "no such index")
	}
	if err := tx.stx.DeleteBucket(tx.db.name, indexBucketName(s.name, name)); err != nil {
		return s.errf(name, nil, err, "deleting bucket")
	}
	delete(s.state.Indexes, name)
	tx.written = true
	if tx.db.f.verbose {
		tx.db.f.logf("db: DELETE_INDEX %s.%s.%s", tx.db.name, s.name, name)
	}
	return nil
}
