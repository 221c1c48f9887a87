package objstore

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeMsgpack appends the msgpack encoding of v to buf. Map keys are
// sorted, so equal records always produce equal bytes.
func encodeMsgpack(buf []byte, v any) ([]byte, error) {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return bb.Buf, nil
}

func decodeMsgpack(buf []byte, ptr any) error {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(ptr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(buf, 0, err, "failed to decode msgpack into %T", ptr)
	}
	return nil
}

// decodeRecord decodes record data. Integers come back as int64 or uint64
// regardless of the width msgpack chose when encoding.
func decodeRecord(buf []byte) (Record, error) {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	dec.UseLooseInterfaceDecoding(true)
	var v any
	err := dec.Decode(&v)
	dec.UseLooseInterfaceDecoding(false)
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dataErrf(buf, 0, err, "failed to decode record")
	}
	rec, ok := normalizeDecoded(v).(map[string]any)
	if !ok {
		return nil, dataErrf(buf, 0, nil, "record is %T, not a map", v)
	}
	return rec, nil
}
