// Package codec implements the MikroDB binary table file format (spec
// §4.1, §6): a small fixed-header, variable-record format encoding the
// records of one table.
//
// # File layout
//
//	Offset  Size  Field
//	0x00    3     Magic "MDB" (0x4D 0x44 0x42)
//	0x03    1     Format version (currently 1)
//	0x04    4     Record count, LE u32
//	0x08    ...   Records
//
// Each record:
//
//	Field       Width  Encoding
//	key length  2 B    LE u16
//	value length 4 B   LE u32
//	version     4 B    LE u32
//	timestamp   8 B    LE u64
//	expiration  8 B    LE u64 (0 = none)
//	key         k B    UTF-8 bytes
//	value       v B    tagged value encoding
//
// Value tags: 0x00 null, 0x01 bool, 0x02 i32, 0x03 f64, 0x04 string,
// 0x05 array, 0x06 object, 0x07 date.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/mikrodb/mikrodb/internal/mikroerr"
	"github.com/mikrodb/mikrodb/internal/value"
)

const (
	FormatVersion byte = 1

	headerSize       = 8 // magic(3) + version(1) + count(4)
	recordFixedSize  = 2 + 4 + 4 + 8 + 8

	tagNull   byte = 0x00
	tagBool   byte = 0x01
	tagI32    byte = 0x02
	tagF64    byte = 0x03
	tagString byte = 0x04
	tagArray  byte = 0x05
	tagObject byte = 0x06
	tagDate   byte = 0x07
)

var magic = [3]byte{'M', 'D', 'B'}

// Record is one entry of a table file, mirroring the Record data model in
// spec §3.
type Record struct {
	Key        string
	Value      value.Value
	Version    uint32
	Timestamp  uint64
	Expiration uint64 // 0 = none
}

// Encode serializes records into a complete table file image. Encoding
// order matches the order records are given in, which is expected to be
// the in-memory table's iteration order. Keys that are not valid UTF-8 are
// skipped, per spec §4.1.
func Encode(records []Record) []byte {
	buf := make([]byte, headerSize, headerSize+len(records)*64)
	copy(buf[0:3], magic[:])
	buf[3] = FormatVersion

	var count uint32
	for _, r := range records {
		if !utf8.ValidString(r.Key) || len(r.Key) > 65535 {
			continue
		}
		buf = appendRecord(buf, r)
		count++
	}
	binary.LittleEndian.PutUint32(buf[4:8], count)
	return buf
}

func appendRecord(buf []byte, r Record) []byte {
	valBytes := encodeValue(nil, r.Value)

	head := make([]byte, recordFixedSize)
	binary.LittleEndian.PutUint16(head[0:2], uint16(len(r.Key)))
	binary.LittleEndian.PutUint32(head[2:6], uint32(len(valBytes)))
	binary.LittleEndian.PutUint32(head[6:10], r.Version)
	binary.LittleEndian.PutUint64(head[10:18], r.Timestamp)
	binary.LittleEndian.PutUint64(head[18:26], r.Expiration)

	buf = append(buf, head...)
	buf = append(buf, r.Key...)
	buf = append(buf, valBytes...)
	return buf
}

func encodeValue(buf []byte, v value.Value) []byte {
	switch v.Kind {
	case value.KindNull:
		buf = append(buf, tagNull)
	case value.KindBool:
		buf = append(buf, tagBool)
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case value.KindI32:
		buf = append(buf, tagI32)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(v.I32))
		buf = append(buf, tmp[:]...)
	case value.KindF64:
		buf = append(buf, tagF64)
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.F64))
		buf = append(buf, tmp[:]...)
	case value.KindString:
		buf = append(buf, tagString)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(v.Str)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, v.Str...)
	case value.KindArray:
		buf = append(buf, tagArray)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(v.Arr)))
		buf = append(buf, tmp[:]...)
		for _, e := range v.Arr {
			buf = encodeValue(buf, e)
		}
	case value.KindObject:
		buf = append(buf, tagObject)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(v.Obj)))
		buf = append(buf, tmp[:]...)
		for _, m := range v.Obj {
			var klen [2]byte
			binary.LittleEndian.PutUint16(klen[:], uint16(len(m.Key)))
			buf = append(buf, klen[:]...)
			buf = append(buf, m.Key...)
			buf = encodeValue(buf, m.Value)
		}
	case value.KindDate:
		buf = append(buf, tagDate)
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.Date))
		buf = append(buf, tmp[:]...)
	default:
		buf = append(buf, tagNull)
	}
	return buf
}

// Decode parses a complete table file image into its records. nowMillis is
// the clock used to drop already-expired records during decode (spec
// §4.1). An invalid magic header is a fatal parse error; truncation
// terminates decoding silently and returns whatever was read so far.
func Decode(data []byte, nowMillis int64) ([]Record, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("codec: %w: file too small for header", mikroerr.ErrCorruption)
	}
	if data[0] != magic[0] || data[1] != magic[1] || data[2] != magic[2] {
		return nil, fmt.Errorf("codec: %w: bad magic", mikroerr.ErrCorruption)
	}
	// Version byte at data[3] is currently always FormatVersion; future
	// versions would switch decoding strategy here.

	count := binary.LittleEndian.Uint32(data[4:8])
	off := headerSize
	records := make([]Record, 0, count)

	for i := uint32(0); i < count; i++ {
		if off+recordFixedSize > len(data) {
			break
		}
		head := data[off : off+recordFixedSize]
		keyLen := int(binary.LittleEndian.Uint16(head[0:2]))
		valLen := int(binary.LittleEndian.Uint32(head[2:6]))
		version := binary.LittleEndian.Uint32(head[6:10])
		timestamp := binary.LittleEndian.Uint64(head[10:18])
		expiration := binary.LittleEndian.Uint64(head[18:26])
		off += recordFixedSize

		if off+keyLen > len(data) {
			break
		}
		key := string(data[off : off+keyLen])
		off += keyLen

		if off+valLen > len(data) {
			break
		}
		valBytes := data[off : off+valLen]
		off += valLen

		if expiration != 0 && int64(expiration) <= nowMillis {
			continue
		}

		v, _, ok := decodeValue(valBytes)
		if !ok {
			// Unknown tag or malformed value: skip this record only.
			continue
		}

		records = append(records, Record{
			Key:        key,
			Value:      v,
			Version:    version,
			Timestamp:  timestamp,
			Expiration: expiration,
		})
	}

	return records, nil
}

// decodeValue decodes one tagged value from buf, returning the value,
// the number of bytes consumed, and whether decoding succeeded.
func decodeValue(buf []byte) (value.Value, int, bool) {
	if len(buf) < 1 {
		return value.Null, 0, false
	}
	tag := buf[0]
	rest := buf[1:]

	switch tag {
	case tagNull:
		return value.Null, 1, true
	case tagBool:
		if len(rest) < 1 {
			return value.Null, 0, false
		}
		return value.Bool(rest[0] != 0), 2, true
	case tagI32:
		if len(rest) < 4 {
			return value.Null, 0, false
		}
		i := int32(binary.LittleEndian.Uint32(rest[0:4]))
		return value.I32(i), 5, true
	case tagF64:
		if len(rest) < 8 {
			return value.Null, 0, false
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(rest[0:8]))
		return value.F64(f), 9, true
	case tagString:
		if len(rest) < 4 {
			return value.Null, 0, false
		}
		n := int(binary.LittleEndian.Uint32(rest[0:4]))
		if len(rest) < 4+n {
			return value.Null, 0, false
		}
		s := string(rest[4 : 4+n])
		return value.String(s), 1 + 4 + n, true
	case tagArray:
		if len(rest) < 4 {
			return value.Null, 0, false
		}
		n := int(binary.LittleEndian.Uint32(rest[0:4]))
		pos := 4
		arr := make([]value.Value, 0, n)
		for i := 0; i < n; i++ {
			if pos >= len(rest) {
				return value.Null, 0, false
			}
			v, consumed, ok := decodeValue(rest[pos:])
			if !ok {
				return value.Null, 0, false
			}
			arr = append(arr, v)
			pos += consumed
		}
		return value.Array(arr), 1 + pos, true
	case tagObject:
		if len(rest) < 4 {
			return value.Null, 0, false
		}
		n := int(binary.LittleEndian.Uint32(rest[0:4]))
		pos := 4
		obj := make([]value.Member, 0, n)
		for i := 0; i < n; i++ {
			if pos+2 > len(rest) {
				return value.Null, 0, false
			}
			klen := int(binary.LittleEndian.Uint16(rest[pos : pos+2]))
			pos += 2
			if pos+klen > len(rest) {
				return value.Null, 0, false
			}
			key := string(rest[pos : pos+klen])
			pos += klen
			if pos > len(rest) {
				return value.Null, 0, false
			}
			v, consumed, ok := decodeValue(rest[pos:])
			if !ok {
				return value.Null, 0, false
			}
			obj = append(obj, value.Member{Key: key, Value: v})
			pos += consumed
		}
		return value.Object(obj), 1 + pos, true
	case tagDate:
		if len(rest) < 8 {
			return value.Null, 0, false
		}
		ms := int64(binary.LittleEndian.Uint64(rest[0:8]))
		return value.Date(ms), 9, true
	default:
		return value.Null, 0, false
	}
}
