package objstore

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDataError_ErrorAndUnwrap(t *testing.T) {
	err := dataErrf([]byte{1, 2, 3}, 1, io.ErrUnexpectedEOF, "decode %s", "thing")
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("errors.Is(DataError, ErrUnexpectedEOF) = false")
	}
	if msg := err.Error(); msg != "decode thing at 1: unexpected EOF: (3) 010203" {
		t.Fatalf("DataError.Error() = %q", msg)
	}

	long := make([]byte, 200)
	msg := dataErrf(long, 0, nil, "bad").Error()
	if !strings.Contains(msg, "(200)") || !strings.Contains(msg, "...") {
		t.Fatalf("DataError.Error() for long data = %q, wanted truncated form", msg)
	}
}

func TestStoreError_ErrorAndUnwrap(t *testing.T) {
	err := storeErrf("class", "users", "name", int64(1675579500989), ErrConstraint, "key already exists")
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("errors.Is(StoreError, ErrConstraint) = false")
	}
	deepEqual(t, err.Error(), `class.users.name/1675579500989: key already exists: constraint violation`)

	err = storeErrf("class", "", "", nil, ErrVersion, "")
	deepEqual(t, err.Error(), "class: requested version is lower than the stored version")

	var se *StoreError
	if !errors.As(err, &se) || se.DB != "class" {
		t.Fatalf("errors.As(StoreError) = %v", se)
	}
}

func TestWrapf(t *testing.T) {
	err := wrapf(ErrData, "bad key %d", 42)
	if !errors.Is(err, ErrData) {
		t.Fatalf("wrapf lost the sentinel")
	}
	deepEqual(t, err.Error(), "invalid data: bad key 42")
}
