package objstore

import "errors"

// ErrBucketNotFound is returned by storageTx.DeleteBucket and DeleteRoot when the bucket doesn't exist.
var ErrBucketNotFound = errors.New("bucket not found")

// storage represents a sorted key-value storage backend (Bolt, Pebble, in-memory).
type storage interface {
	// BeginTx starts a new transaction. Writable transactions are serialized.
	BeginTx(writable bool) (storageTx, error)
	// Close closes the storage.
	Close() error
}

// storageTx represents a storage transaction.
type storageTx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Bucket returns a bucket. Use sub="" for a root bucket, non-empty for a nested bucket.
	// Returns nil if the bucket doesn't exist.
	Bucket(name, sub string) storageBucket

	// CreateBucket creates a bucket if it doesn't exist.
	// For sub != "", it must also ensure the root bucket exists.
	CreateBucket(name, sub string) (storageBucket, error)

	// DeleteBucket deletes a nested bucket (sub must be non-empty).
	DeleteBucket(name, sub string) error

	// DeleteRoot deletes a root bucket with all of its nested buckets.
	DeleteRoot(name string) error

	// RootNames lists the root buckets in key order.
	RootNames() ([]string, error)

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. It should be safe to call multiple times,
	// including after Commit.
	Rollback() error
}

// storageBucket represents a bucket (sorted key-value collection).
// Returned slices are only valid until the end of the transaction
// and must not be modified.
type storageBucket interface {
	// Get retrieves a value by key. Returns nil if not found.
	Get(key []byte) ([]byte, error)

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// Cursor returns a cursor for iteration. The bucket must not be modified
	// while the cursor is in use.
	Cursor() storageCursor

	// KeyCount returns the number of keys in the bucket.
	KeyCount() (int, error)
}

// storageCursor iterates over a sorted bucket. All positioning methods
// return nil key when there is no such item.
type storageCursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Last moves to the last key-value pair.
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// SeekLast moves to the last key that is less than or equal to prefix or starts with prefix.
	// This is commonly implemented as: Seek(inc(prefix)) then Prev().
	SeekLast(prefix []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)

	// Prev moves to the previous key-value pair.
	Prev() (key, value []byte)

	// Close releases the cursor and reports any iteration error.
	Close() error
}
