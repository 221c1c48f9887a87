package objstore

import (
	"bytes"
	"fmt"
)

// KeyRange restricts the keys visited by a query or a cursor. A nil
// *KeyRange means all keys.
type KeyRange struct {
	lower     any
	upper     any
	hasLower  bool
	hasUpper  bool
	lowerOpen bool
	upperOpen bool
}

// Only matches exactly one key.
func Only(v any) *KeyRange {
	return &KeyRange{lower: v, upper: v, hasLower: true, hasUpper: true}
}

// LowerBound matches keys greater than (open) or greater than or equal to v.
func LowerBound(v any, open bool) *KeyRange {
	return &KeyRange{lower: v, hasLower: true, lowerOpen: open}
}

// UpperBound matches keys less than (open) or less than or equal to v.
func UpperBound(v any, open bool) *KeyRange {
	return &KeyRange{upper: v, hasUpper: true, upperOpen: open}
}

func Bound(lower, upper any, lowerOpen, upperOpen bool) *KeyRange {
	return &KeyRange{
		lower:     lower,
		upper:     upper,
		hasLower:  true,
		hasUpper:  true,
		lowerOpen: lowerOpen,
		upperOpen: upperOpen,
	}
}

func (r *KeyRange) Lower() any      { return r.lower }
func (r *KeyRange) Upper() any      { return r.upper }
func (r *KeyRange) LowerOpen() bool { return r.lowerOpen }
func (r *KeyRange) UpperOpen() bool { return r.upperOpen }

func (r *KeyRange) String() string {
	if r == nil {
		return "(all)"
	}
	var lo, hi string
	if r.hasLower {
		lo = FormatKey(r.lower)
	} else {
		lo = "-∞"
	}
	if r.hasUpper {
		hi = FormatKey(r.upper)
	} else {
		hi = "+∞"
	}
	lb, ub := "[", "]"
	if r.lowerOpen || !r.hasLower {
		lb = "("
	}
	if r.upperOpen || !r.hasUpper {
		ub = ")"
	}
	return fmt.Sprintf("%s%s, %s%s", lb, lo, hi, ub)
}

// Includes reports whether key falls within the range.
func (r *KeyRange) Includes(key any) (bool, error) {
	rr, err := r.compile()
	if err != nil {
		return false, err
	}
	ek, err := EncodeKey(key)
	if err != nil {
		return false, err
	}
	return !rr.belowLower(ek) && !rr.aboveUpper(ek), nil
}

// rawRange is a compiled KeyRange. Nil bounds are unbounded.
type rawRange struct {
	lower     []byte
	upper     []byte
	lowerOpen bool
	upperOpen bool
}

func (r *KeyRange) compile() (rawRange, error) {
	var rr rawRange
	if r == nil {
		return rr, nil
	}
	var err error
	if r.hasLower {
		rr.lower, err = EncodeKey(r.lower)
		if err != nil {
			return rr, fmt.Errorf("lower bound: %w", err)
		}
		rr.lowerOpen = r.lowerOpen
	}
	if r.hasUpper {
		rr.upper, err = EncodeKey(r.upper)
		if err != nil {
			return rr, fmt.Errorf("upper bound: %w", err)
		}
		rr.upperOpen = r.upperOpen
	}
	if rr.lower != nil && rr.upper != nil {
		cmp := bytes.Compare(rr.lower, rr.upper)
		if cmp > 0 {
			return rr, wrapf(ErrData, "lower bound %s is greater than upper bound %s", FormatKey(r.lower), FormatKey(r.upper))
		}
		if cmp == 0 && (rr.lowerOpen || rr.upperOpen) {
			return rr, wrapf(ErrData, "empty range with equal bounds %s", FormatKey(r.lower))
		}
	}
	return rr, nil
}

// compileQuery turns a query argument (nil, a key or a *KeyRange) into a raw range.
func compileQuery(query any) (rawRange, error) {
	switch q := query.(type) {
	case nil:
		return rawRange{}, nil
	case *KeyRange:
		return q.compile()
	case KeyRange:
		return q.compile()
	default:
		return Only(q).compile()
	}
}

func (r *rawRange) belowLower(k []byte) bool {
	if r.lower == nil {
		return false
	}
	cmp := bytes.Compare(k, r.lower)
	return cmp < 0 || (cmp == 0 && r.lowerOpen)
}

func (r *rawRange) aboveUpper(k []byte) bool {
	if r.upper == nil {
		return false
	}
	cmp := bytes.Compare(k, r.upper)
	return cmp > 0 || (cmp == 0 && r.upperOpen)
}

func (r *rawRange) isExact() bool {
	return r.lower != nil && r.upper != nil && bytes.Equal(r.lower, r.upper)
}

// rangeScan walks a bucket within a rawRange in either direction. For
// non-unique index buckets, entry keys are index key ‖ primary key, and
// keyOf extracts the part compared against the bounds.
type rangeScan struct {
	r       rawRange
	c       storageCursor
	reverse bool
	keyOf   func(k []byte) []byte
	started bool
	done    bool
}

func newRangeScan(r rawRange, c storageCursor, reverse bool, keyOf func([]byte) []byte) *rangeScan {
	if keyOf == nil {
		keyOf = identityKey
	}
	return &rangeScan{r: r, c: c, reverse: reverse, keyOf: keyOf}
}

func identityKey(k []byte) []byte { return k }

// leadingKey is keyOf for non-unique index entries.
func leadingKey(k []byte) []byte {
	n := keyLen(k)
	if n < 0 {
		return k
	}
	return k[:n]
}

func (s *rangeScan) next() ([]byte, []byte) {
	if s.done {
		return nil, nil
	}
	var k, v []byte
	if s.reverse {
		if !s.started {
			s.started = true
			if s.r.upper != nil {
				k, v = s.c.SeekLast(s.r.upper)
			} else {
				k, v = s.c.Last()
			}
			for k != nil && s.r.aboveUpper(s.keyOf(k)) {
				k, v = s.c.Prev()
			}
		} else {
			k, v = s.c.Prev()
		}
		if k != nil && s.r.belowLower(s.keyOf(k)) {
			k = nil
		}
	} else {
		if !s.started {
			s.started = true
			if s.r.lower != nil {
				k, v = s.c.Seek(s.r.lower)
			} else {
				k, v = s.c.First()
			}
			for k != nil && s.r.belowLower(s.keyOf(k)) {
				k, v = s.c.Next()
			}
		} else {
			k, v = s.c.Next()
		}
		if k != nil && s.r.aboveUpper(s.keyOf(k)) {
			k = nil
		}
	}
	if k == nil {
		s.done = true
		return nil, nil
	}
	return k, v
}
