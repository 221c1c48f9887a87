/*
Package objstore implements an embedded object store modeled after the
browser IndexedDB API, on top of a sorted key-value store (Bolt, Pebble, or
memory).

We implement:

1. Databases, named and versioned, upgraded by explicit migrations.

2. Object stores, collections of records (map[string]any) keyed by an
in-line key path or by out-of-line keys, optionally with a key generator.

3. Indexes, allowing lookup of records by a field, optionally unique.

4. Transactions (read-only and read-write), key ranges, and cursors.

# Technical Details

**Buckets.**
We rely on scoped namespaces for keys called buckets. Bolt supports them
natively; the Pebble backend simulates them with key prefixes. Each database
is a root bucket with nested buckets:

  - `$meta` holds the schema (msgpack) and key generator states;
  - `d:<store>` maps encoded primary keys to values;
  - `x:<len>:<store>:<index>` holds index entries.

**Index entries.**
A unique index maps the encoded index key to the encoded primary key.
A non-unique index stores index key ‖ primary key with an empty value.
Key encoding is prefix-free, so the index key part can always be split off.

## Binary encoding

**Key encoding** is order-preserving: comparing encoded keys bytewise gives
number < date < string < binary < array, and within each type the natural
order.

 1. Type tag byte: 0x10 number, 0x20 date, 0x30 string, 0x40 binary,
    0x50 array (0x00 ends an array).
 2. Number: float64 bits with the sign bit flipped for positives and all
    bits flipped for negatives (8 bytes).
 3. Date: Unix nanoseconds with the sign bit flipped (8 bytes).
 4. String, binary: bytes with 0x00 escaped as 0x00 0xFF, terminated by
    0x00 0x01.

**Value**: value header, then encoded data, then encoded index key records.

**Value header**:
 1. Flags (uvarint).
 2. Modification count (uvarint).
 3. xxhash64 of data and index records (8 bytes, big endian).
 4. Data size (uvarint).
 5. Index size (uvarint).

**Value data**: msgpack of the record with sorted map keys.

**Index key records** (inside a value) record the keys contributed by this
record. If an index changes, we still need to know which index keys to
delete when updating the record, so we store all index keys. Format:
 1. Number of entries (uvarint).
 2. For each entry: index name length (uvarint), name, key length (uvarint),
    key bytes.
*/
package objstore
