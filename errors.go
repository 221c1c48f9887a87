package objstore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a database, object store or index does not exist,
	// or when an object store is not in the transaction's scope.
	ErrNotFound = errors.New("not found")

	// ErrConstraint is returned when a write would violate a primary key or
	// unique index constraint.
	ErrConstraint = errors.New("constraint violation")

	// ErrData is returned for invalid keys, key ranges and missing in-line keys.
	ErrData = errors.New("invalid data")

	// ErrDataClone is returned when a record holds a value that cannot be stored.
	ErrDataClone = errors.New("value cannot be cloned")

	ErrReadOnly            = errors.New("transaction is read-only")
	ErrTransactionInactive = errors.New("transaction is not active")
	ErrInvalidState        = errors.New("invalid state")
	ErrInvalidArgument     = errors.New("invalid argument")

	// ErrVersion is returned when opening a database with a version lower than
	// the stored one.
	ErrVersion = errors.New("requested version is lower than the stored version")

	// ErrBlocked is returned when an upgrade or deletion cannot proceed because
	// other connections to the same database are still open.
	ErrBlocked = errors.New("blocked by open connections")

	// ErrAbort wraps the error that caused an upgrade to be rolled back.
	ErrAbort = errors.New("aborted")

	ErrClosed = errors.New("closed")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}

// StoreError describes a failed engine operation. Err is one of the sentinel
// errors above (possibly wrapping a cause), so errors.Is works on it.
type StoreError struct {
	DB    string
	Store string
	Index string
	Key   any
	Msg   string
	Err   error
}

func storeErrf(db, store, index string, key any, err error, format string, args ...any) error {
	var msg string
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &StoreError{db, store, index, key, msg, err}
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.DB)
	if e.Store != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Store)
	}
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(FormatKey(e.Key))
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
