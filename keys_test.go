package objstore

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"
)

func TestKeyOrdering(t *testing.T) {
	ordered := []any{
		math.Inf(-1),
		-1e10,
		-1.5,
		0,
		1,
		1.5,
		int64(1675579500989),
		math.Inf(1),
		time.Date(1969, 12, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 2, 5, 6, 45, 0, 0, time.UTC),
		"",
		"a",
		"a\x00",
		"ab",
		"b",
		"张三",
		[]byte{},
		[]byte{0},
		[]byte{1},
		[]byte{0xFF},
		[]any{},
		[]any{1},
		[]any{1, "a"},
		[]any{2},
		[]any{[]any{}},
	}
	for i := 1; i < len(ordered); i++ {
		a, b := ordered[i-1], ordered[i]
		c, err := CompareKeys(a, b)
		if err != nil {
			t.Fatalf("CompareKeys(%s, %s) failed: %v", FormatKey(a), FormatKey(b), err)
		}
		if c != -1 {
			t.Errorf("** CompareKeys(%s, %s) = %d, wanted -1", FormatKey(a), FormatKey(b), c)
		}
		c, _ = CompareKeys(b, a)
		if c != 1 {
			t.Errorf("** CompareKeys(%s, %s) = %d, wanted 1", FormatKey(b), FormatKey(a), c)
		}
	}
}

func TestKeyEquivalence(t *testing.T) {
	o := func(a, b any) {
		t.Helper()
		c, err := CompareKeys(a, b)
		if err != nil {
			t.Fatalf("CompareKeys(%v, %v) failed: %v", a, b, err)
		}
		if c != 0 {
			t.Errorf("** CompareKeys(%v, %v) = %d, wanted 0", a, b, c)
		}
	}
	o(1, 1.0)
	o(int64(5), uint8(5))
	o(float32(2.5), 2.5)
	o(math.Copysign(0, -1), 0)
	o([]int{1, 2}, []any{1.0, 2.0})
	o(time.Date(2023, 1, 1, 12, 0, 0, 0, time.FixedZone("X", 3600)), time.Date(2023, 1, 1, 11, 0, 0, 0, time.UTC))

	type myString string
	o(myString("x"), "x")
}

func TestKeyRoundTrip(t *testing.T) {
	o := func(in, expected any) {
		t.Helper()
		raw, err := EncodeKey(in)
		if err != nil {
			t.Fatalf("EncodeKey(%v) failed: %v", in, err)
		}
		if n := keyLen(raw); n != len(raw) {
			t.Errorf("** keyLen(%x) = %d, wanted %d", raw, n, len(raw))
		}
		out, err := decodeFullKey(raw)
		if err != nil {
			t.Fatalf("decodeFullKey(%x) failed: %v", raw, err)
		}
		deepEqual(t, out, expected)
	}
	o(42, 42.0)
	o(-0.25, -0.25)
	o(math.Inf(1), math.Inf(1))
	o("", "")
	o("a\x00b", "a\x00b")
	o("张三", "张三")
	o([]byte{}, []byte{})
	o([]byte{0, 0xFF, 0}, []byte{0, 0xFF, 0})
	o([]any{}, []any{})
	o([]any{1, "x", []any{[]byte{0}}}, []any{1.0, "x", []any{[]byte{0}}})
	o(time.Unix(1675579500, 989000000), time.Unix(1675579500, 989000000).UTC())
}

func TestInvalidKeys(t *testing.T) {
	for _, k := range []any{
		nil,
		math.NaN(),
		true,
		map[string]any{"a": 1},
		struct{}{},
		[]any{1, nil},
	} {
		if IsValidKey(k) {
			t.Errorf("** IsValidKey(%v) = true, wanted false", k)
		}
		_, err := EncodeKey(k)
		if !errors.Is(err, ErrData) {
			t.Errorf("** EncodeKey(%v) err = %v, wanted ErrData", k, err)
		}
	}

	deep := any(1)
	for range maxKeyNest + 2 {
		deep = []any{deep}
	}
	if IsValidKey(deep) {
		t.Errorf("** deeply nested key accepted")
	}
}

func TestDecodeKeyErrors(t *testing.T) {
	for _, raw := range [][]byte{
		nil,
		{0x99},
		{ktNumber, 1, 2, 3},
		{ktString, 'a', 'b'},
		{ktString, 'a', 0, 0x42},
		{ktArray, ktNumber},
		append(encodeKey(nil, "a"), 0x10),
	} {
		if _, err := decodeFullKey(raw); err == nil {
			t.Errorf("** decodeFullKey(%x) succeeded, wanted error", raw)
		}
	}
}

func TestLeadingKey(t *testing.T) {
	ik := encodeKey(nil, "bar")
	pk := encodeKey(nil, 4.0)
	entry := nonUniqueEntryKey(ik, pk)
	if got := leadingKey(entry); !bytes.Equal(got, ik) {
		t.Errorf("** leadingKey = %x, wanted %x", got, ik)
	}

	// an index key that is a prefix of another must still sort first
	short := nonUniqueEntryKey(encodeKey(nil, "ba"), pk)
	if bytes.Compare(short, entry) >= 0 {
		t.Errorf("** entry for \"ba\" sorts after entry for \"bar\"")
	}
}

func TestFormatKey(t *testing.T) {
	o := func(k any, expected string) {
		t.Helper()
		if got := FormatKey(k); got != expected {
			t.Errorf("** FormatKey(%v) = %q, wanted %q", k, got, expected)
		}
	}
	o(int64(1675579500989), "1675579500989")
	o(1.5, "1.5")
	o(1e300, "1e+300")
	o("a", `"a"`)
	o([]byte{0xab, 0x01}, "0xab01")
	o([]any{1, "x"}, `[1,"x"]`)
	o(time.Date(2023, 2, 5, 6, 45, 0, 0, time.UTC), "2023-02-05T06:45:00Z")
	o(true, "true")
}
