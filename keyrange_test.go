package objstore

import (
	"errors"
	"testing"
)

func TestKeyRange_Includes(t *testing.T) {
	o := func(r *KeyRange, key any, expected bool) {
		t.Helper()
		ok, err := r.Includes(key)
		if err != nil {
			t.Fatalf("%v.Includes(%v) failed: %v", r, key, err)
		}
		if ok != expected {
			t.Errorf("** %v.Includes(%s) = %v, wanted %v", r, FormatKey(key), ok, expected)
		}
	}
	o(Only(5), 5, true)
	o(Only(5), 5.5, false)
	o(Only([]any{1, 2}), []any{1.0, 2}, true)
	o(LowerBound(5, true), 5, false)
	o(LowerBound(5, false), 5, true)
	o(LowerBound(5, true), 6, true)
	o(LowerBound(5, true), "a", true)
	o(UpperBound("m", false), "m", true)
	o(UpperBound("m", true), "m", false)
	o(UpperBound("m", false), "n", false)
	o(UpperBound("m", false), 1e9, true)
	o(Bound(1, 5, false, true), 1, true)
	o(Bound(1, 5, false, true), 5, false)
	o(Bound(1, 5, true, false), 5, true)
	o(nil, "anything", true)

	if _, err := Only(1).Includes(nil); !errors.Is(err, ErrData) {
		t.Errorf("** Includes(nil) err = %v, wanted ErrData", err)
	}
}

func TestKeyRange_Invalid(t *testing.T) {
	for _, r := range []*KeyRange{
		Bound(5, 1, false, false),
		Bound(1, 1, true, false),
		Bound(1, 1, false, true),
		Bound("b", "a", false, false),
		Only(nil),
		LowerBound(map[string]any{}, false),
	} {
		if _, err := r.compile(); !errors.Is(err, ErrData) {
			t.Errorf("** %v compile err = %v, wanted ErrData", r, err)
		}
	}

	rr, err := Bound(1, 1, false, false).compile()
	if err != nil {
		t.Fatalf("** Bound(1, 1) failed: %v", err)
	}
	if !rr.isExact() {
		t.Errorf("** Bound(1, 1) is not exact")
	}
}

func TestKeyRange_String(t *testing.T) {
	o := func(r *KeyRange, expected string) {
		t.Helper()
		if got := r.String(); got != expected {
			t.Errorf("** String() = %q, wanted %q", got, expected)
		}
	}
	o(nil, "(all)")
	o(Only(3), "[3, 3]")
	o(Bound(1, 5, false, true), "[1, 5)")
	o(LowerBound("a", true), `("a", +∞)`)
	o(UpperBound(2, false), "(-∞, 2]")
}

func TestCompileQuery(t *testing.T) {
	rr, err := compileQuery(nil)
	if err != nil || rr.lower != nil || rr.upper != nil {
		t.Errorf("** compileQuery(nil) = %+v, %v, wanted unbounded", rr, err)
	}

	rr, err = compileQuery("x")
	if err != nil || !rr.isExact() {
		t.Errorf("** compileQuery(\"x\") = %+v, %v, wanted exact", rr, err)
	}

	rr, err = compileQuery(*LowerBound(1, false))
	if err != nil || rr.lower == nil || rr.upper != nil {
		t.Errorf("** compileQuery(KeyRange) = %+v, %v", rr, err)
	}

	if _, err := compileQuery(true); !errors.Is(err, ErrData) {
		t.Errorf("** compileQuery(true) err = %v, wanted ErrData", err)
	}
}

func TestRangeScan(t *testing.T) {
	st := newMemStorage()
	stx := must(st.BeginTx(true))
	defer stx.Rollback()
	b := must(stx.CreateBucket("db", "b"))
	for _, k := range []any{1, 2, 3, 4, 5} {
		if err := b.Put(encodeKey(nil, must(normalizeKey(k))), []byte{byte(k.(int))}); err != nil {
			t.Fatal(err)
		}
	}

	o := func(r *KeyRange, reverse bool, expected ...byte) {
		t.Helper()
		rr := must(r.compile())
		var actual []byte
		sc := newRangeScan(rr, b.Cursor(), reverse, nil)
		for k, v := sc.next(); k != nil; k, v = sc.next() {
			actual = append(actual, v[0])
		}
		deepEqual(t, actual, expected)
	}
	o(nil, false, 1, 2, 3, 4, 5)
	o(nil, true, 5, 4, 3, 2, 1)
	o(Bound(2, 4, false, false), false, 2, 3, 4)
	o(Bound(2, 4, true, true), false, 3)
	o(Bound(2, 4, true, false), true, 4, 3)
	o(Bound(2, 4, false, true), true, 3, 2)
	o(LowerBound(5, true), false)
	o(UpperBound(1, true), true)
	o(UpperBound(0, false), false)
	o(LowerBound(3.5, false), true, 5, 4)
	o(Only(3), true, 3)
}

func TestRangeScan_NonUniqueIndex(t *testing.T) {
	st := newMemStorage()
	stx := must(st.BeginTx(true))
	defer stx.Rollback()
	b := must(stx.CreateBucket("db", "x"))

	entries := []struct {
		ik string
		pk float64
	}{
		{"bar", 3}, {"bar", 4}, {"bar", 5}, {"bubble", 2}, {"foo", 1},
	}
	for _, e := range entries {
		k := nonUniqueEntryKey(encodeKey(nil, e.ik), encodeKey(nil, e.pk))
		if err := b.Put(k, []byte{}); err != nil {
			t.Fatal(err)
		}
	}

	o := func(r *KeyRange, reverse bool, expected ...float64) {
		t.Helper()
		var actual []float64
		sc := newRangeScan(must(r.compile()), b.Cursor(), reverse, leadingKey)
		for k, _ := sc.next(); k != nil; k, _ = sc.next() {
			pk := must(decodeFullKey(k[keyLen(k):]))
			actual = append(actual, pk.(float64))
		}
		deepEqual(t, actual, expected)
	}
	o(Only("bar"), false, 3, 4, 5)
	o(Only("bar"), true, 5, 4, 3)
	o(Only("ba"), false)
	o(Only("bubble"), false, 2)
	o(UpperBound("bubble", false), true, 2, 5, 4, 3)
	o(LowerBound("bar", true), false, 2, 1)
	o(Bound("bar", "foo", true, true), false, 2)
}
