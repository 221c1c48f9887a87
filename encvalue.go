package objstore

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

type valueFlags uint64

const (
	vfVerBit0 = valueFlags(1 << iota)
	vfVerBit1
	vfVerBit2
	vfVerBit3

	vfVerMask       = (vfVerBit0 | vfVerBit1 | vfVerBit2 | vfVerBit3)
	vfVer1          = vfVerBit0
	vfSupportedMask = vfVer1
	vfDefault       = vfVer1

	minValueSize = 12
)

func (vf valueFlags) ver() valueFlags {
	return vf & vfVerMask
}

// value is a decoded stored record: header, msgpack data and the index keys
// the record contributed when it was written.
type value struct {
	Flags    valueFlags
	ModCount uint64
	Sum      uint64
	Data     []byte
	Index    []indexRecord
}

// indexRecord is one index entry contributed by a record. Stored with the
// record so that overwrites remove exactly the entries that were added.
type indexRecord struct {
	Name string
	Key  []byte
}

func encodeValue(buf []byte, flags valueFlags, modCount uint64, data []byte, index []indexRecord) []byte {
	if (flags &^ vfSupportedMask) != 0 {
		panic(fmt.Errorf("invalid flags %x", flags))
	}
	idx := appendIndexRecords(nil, index)

	h := xxhash.New()
	h.Write(data)
	h.Write(idx)

	buf = appendUvarint(buf, uint64(flags))
	buf = appendUvarint(buf, modCount)
	buf = binary.BigEndian.AppendUint64(buf, h.Sum64())
	buf = appendUvarint(buf, uint64(len(data)))
	buf = appendUvarint(buf, uint64(len(idx)))
	buf = appendRaw(buf, data)
	return appendRaw(buf, idx)
}

func appendIndexRecords(buf []byte, index []indexRecord) []byte {
	buf = appendUvarint(buf, uint64(len(index)))
	for _, ir := range index {
		buf = appendVarbytes(buf, unsafeBytesFromString(ir.Name))
		buf = appendVarbytes(buf, ir.Key)
	}
	return buf
}

func (vle *value) decode(raw []byte) error {
	if len(raw) < minValueSize {
		return dataErrf(raw, 0, nil, "invalid value: at least %d bytes required", minValueSize)
	}
	d := makeByteDecoder(raw)

	v, err := d.Uvarint()
	if err != nil {
		return err
	}
	if (v &^ uint64(vfSupportedMask)) != 0 {
		return dataErrf(raw, 0, nil, "invalid value: unsupported flags %x", v)
	}
	vle.Flags = valueFlags(v)

	vle.ModCount, err = d.Uvarint()
	if err != nil {
		return err
	}
	vle.Sum, err = d.Fixed64()
	if err != nil {
		return err
	}
	dataSize, err := d.Uvarinti()
	if err != nil {
		return err
	}
	indexSize, err := d.Uvarinti()
	if err != nil {
		return err
	}
	if len(d.Buf) != dataSize+indexSize {
		return dataErrf(raw, d.Off(), nil, "invalid value: got %d bytes for data+index, expected %d bytes", len(d.Buf), dataSize+indexSize)
	}
	if sum := xxhash.Sum64(d.Buf); sum != vle.Sum {
		return dataErrf(raw, d.Off(), nil, "invalid value: checksum mismatch, stored %016x, computed %016x", vle.Sum, sum)
	}

	vle.Data, _ = d.Raw(dataSize)
	vle.Index, err = decodeIndexRecords(d.Buf)
	return err
}

func decodeIndexRecords(raw []byte) ([]indexRecord, error) {
	d := makeByteDecoder(raw)
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	if n > len(raw) {
		return nil, dataErrf(raw, 0, nil, "invalid index records: count %d", n)
	}
	out := make([]indexRecord, 0, n)
	for range n {
		name, err := d.VarBytes()
		if err != nil {
			return nil, err
		}
		key, err := d.VarBytes()
		if err != nil {
			return nil, err
		}
		out = append(out, indexRecord{string(name), key})
	}
	if len(d.Buf) != 0 {
		return nil, dataErrf(raw, d.Off(), nil, "invalid index records: %d trailing bytes", len(d.Buf))
	}
	return out, nil
}

func (vle *value) indexKey(name string) []byte {
	for _, ir := range vle.Index {
		if ir.Name == name {
			return ir.Key
		}
	}
	return nil
}
