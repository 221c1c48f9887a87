package client

import (
	"errors"
	"fmt"
)

// Kind classifies adapter failures.
type Kind int

const (
	// OpenFailed means the engine refused to open or upgrade a database.
	OpenFailed Kind = iota + 1
	// WriteFailed means a write was rejected, e.g. a duplicate primary key.
	WriteFailed
	// QueryFailed means a read failed.
	QueryFailed
)

var (
	ErrOpenFailed  = errors.New("open failed")
	ErrWriteFailed = errors.New("write failed")
	ErrQueryFailed = errors.New("query failed")
)

func (k Kind) sentinel() error {
	switch k {
	case OpenFailed:
		return ErrOpenFailed
	case WriteFailed:
		return ErrWriteFailed
	case QueryFailed:
		return ErrQueryFailed
	default:
		return nil
	}
}

func (k Kind) String() string {
	if err := k.sentinel(); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the failure value of every request. errors.Is matches both the
// kind sentinel (ErrOpenFailed etc.) and the underlying engine error.
type Error struct {
	Kind  Kind
	Op    string
	DB    string
	Store string
	Err   error
}

func (e *Error) Error() string {
	target := e.DB
	if e.Store != "" {
		target += "." + e.Store
	}
	if target == "" {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, target, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf returns the kind of an adapter error, or 0 if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
