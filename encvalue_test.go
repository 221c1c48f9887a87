package objstore

import (
	"errors"
	"testing"
)

func TestValueFlags_Ver(t *testing.T) {
	if got := vfDefault.ver(); got != vfVer1 {
		t.Fatalf("vfDefault.ver() = %v, wanted %v", got, vfVer1)
	}
}

func TestValue_RoundTrip(t *testing.T) {
	data := must(encodeMsgpack(nil, Record{"uuid": int64(1), "name": "foo"}))
	index := []indexRecord{
		{Name: "name", Key: encodeKey(nil, "foo")},
		{Name: "uuid", Key: encodeKey(nil, 1.0)},
	}
	raw := encodeValue(nil, vfDefault, 7, data, index)

	var vle value
	if err := vle.decode(raw); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	deepEqual(t, vle.Flags, vfDefault)
	deepEqual(t, vle.ModCount, uint64(7))
	deepEqual(t, vle.Data, data)
	deepEqual(t, vle.Index, index)
	deepEqual(t, vle.indexKey("name"), encodeKey(nil, "foo"))
	if vle.indexKey("age") != nil {
		t.Errorf("** indexKey(age) = %x, wanted nil", vle.indexKey("age"))
	}

	rec := must(decodeRecord(vle.Data))
	deepEqual(t, rec, Record{"uuid": int64(1), "name": "foo"})
}

func TestValue_Corruption(t *testing.T) {
	data := must(encodeMsgpack(nil, Record{"a": "b"}))
	raw := encodeValue(nil, vfDefault, 1, data, nil)

	flipped := append([]byte(nil), raw...)
	flipped[len(flipped)-2] ^= 0x01
	var vle value
	err := vle.decode(flipped)
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("** decode(corrupted) err = %v, wanted *DataError", err)
	}

	if err := vle.decode(raw[:len(raw)-1]); err == nil {
		t.Errorf("** decode(truncated) succeeded")
	}
	if err := vle.decode([]byte{1, 2, 3}); err == nil {
		t.Errorf("** decode(short) succeeded")
	}

	bad := append([]byte{0x0F}, raw[1:]...)
	if err := vle.decode(bad); err == nil {
		t.Errorf("** decode(unsupported flags) succeeded")
	}
}

func TestDecodeRecord_IntegerWidths(t *testing.T) {
	rec := must(cloneRecord(Record{
		"i":   7,
		"i8":  int8(-3),
		"u16": uint16(500),
		"f32": float32(1.5),
		"nested": map[string]any{
			"list": []int{1, 2},
		},
	}))
	data := must(encodeMsgpack(nil, rec))
	deepEqual(t, must(decodeRecord(data)), Record{
		"i":   int64(7),
		"i8":  int64(-3),
		"u16": uint64(500),
		"f32": 1.5,
		"nested": map[string]any{
			"list": []any{int64(1), int64(2)},
		},
	})
}
