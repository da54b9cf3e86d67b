package kv

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Tuple packing produces byte strings that compare lexicographically
// consistent with the logical ordering of their elements, the way
// FoundationDB's tuple layer does. Only the element kinds nimbus needs
// are supported: byte strings, unicode strings and uint64 integers.
//
// Byte strings are escaped so that a literal 0x00 byte (which would
// otherwise terminate the element early) round-trips: 0x00 is encoded
// as the two-byte sequence 0x00 0xFF, and the element is terminated by
// a bare 0x00. This also means keys containing literal 0xFF bytes are
// untouched and still sort correctly, satisfying the invariant in
// spec §3 that both 0x00 and 0xFF survive a round trip.
const (
	tupleTypeBytes  byte = 0x01
	tupleTypeString byte = 0x02
	tupleTypeUint   byte = 0x03
)

// Tuple is an ordered list of packable elements.
type Tuple []any

// Pack encodes the tuple into its byte-comparable representation.
func (t Tuple) Pack() []byte {
	var buf bytes.Buffer
	for _, el := range t {
		switch v := el.(type) {
		case []byte:
			buf.WriteByte(tupleTypeBytes)
			buf.Write(escapeNil(v))
			buf.WriteByte(0x00)
		case string:
			buf.WriteByte(tupleTypeString)
			buf.Write(escapeNil([]byte(v)))
			buf.WriteByte(0x00)
		case uint64:
			buf.WriteByte(tupleTypeUint)
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], v)
			buf.Write(b[:])
		case uint32:
			buf.WriteByte(tupleTypeUint)
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(v))
			buf.Write(b[:])
		case int:
			buf.WriteByte(tupleTypeUint)
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(v))
			buf.Write(b[:])
		default:
			panic(fmt.Sprintf("kv: unsupported tuple element type %T", el))
		}
	}
	return buf.Bytes()
}

func escapeNil(b []byte) []byte {
	if !bytes.Contains(b, []byte{0x00}) {
		return b
	}
	out := make([]byte, 0, len(b)+4)
	for _, c := range b {
		if c == 0x00 {
			out = append(out, 0x00, 0xFF)
		} else {
			out = append(out, c)
		}
	}
	return out
}

// Unpack decodes a packed tuple back into its elements. Range scans
// across the engine use it to recover key fields (ids, names) from
// the packed keys they return.
func Unpack(data []byte) (Tuple, error) {
	var out Tuple
	i := 0
	for i < len(data) {
		kind := data[i]
		i++
		switch kind {
		case tupleTypeBytes, tupleTypeString:
			var raw []byte
			for i < len(data) {
				if data[i] == 0x00 {
					if i+1 < len(data) && data[i+1] == 0xFF {
						raw = append(raw, 0x00)
						i += 2
						continue
					}
					i++
					break
				}
				raw = append(raw, data[i])
				i++
			}
			if kind == tupleTypeBytes {
				out = append(out, raw)
			} else {
				out = append(out, string(raw))
			}
		case tupleTypeUint:
			if i+8 > len(data) {
				return nil, fmt.Errorf("kv: truncated uint tuple element")
			}
			out = append(out, binary.BigEndian.Uint64(data[i:i+8]))
			i += 8
		default:
			return nil, fmt.Errorf("kv: unknown tuple element tag %x", kind)
		}
	}
	return out, nil
}

// PrefixRange returns [prefix, strinc(prefix)) — the range of all keys
// having prefix as a prefix. A 0xFF byte is appended rather than
// incrementing the last byte, so it works even when prefix ends in
// 0xFF (spec §4.8: "appending 0xFF to avoid tuple-encoder truncation").
func PrefixRange(prefix []byte) (begin, end []byte) {
	begin = append([]byte(nil), prefix...)
	end = append(append([]byte(nil), prefix...), 0xFF)
	return begin, end
}
