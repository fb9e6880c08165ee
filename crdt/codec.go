package crdt

import (
	"encoding/binary"
	"errors"
	"sort"
)

// errTruncated signals that a length- or varint-prefixed field ran past the
// end of the buffer it was being read from.
var errTruncated = errors.New("crdt: truncated buffer")

// putUvarint appends v to buf in LEB128 form and returns the grown slice.
func putUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// takeUvarint reads a LEB128 varint from the front of buf, returning the
// value and the unread remainder.
func takeUvarint(buf []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, nil, errTruncated
	}
	return v, buf[n:], nil
}

// putBytes appends a varint length prefix followed by b.
func putBytes(buf []byte, b []byte) []byte {
	buf = putUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// takeBytes reads a varint-length-prefixed byte string from the front of buf.
func takeBytes(buf []byte) ([]byte, []byte, error) {
	n, rest, err := takeUvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < n {
		return nil, nil, errTruncated
	}
	return rest[:n], rest[n:], nil
}

// encodeStateVector serializes a VClock as:
//
//	varint(originCount)
//	{ varint(len(origin)) origin varint(counter) } * originCount
//
// Origins are written in sorted order so the same state vector always
// produces identical bytes.
func encodeStateVector(sv VClock) []byte {
	origins := make([]string, 0, len(sv))
	for origin := range sv {
		origins = append(origins, origin)
	}
	sort.Strings(origins)

	buf := putUvarint(nil, uint64(len(origins)))
	for _, origin := range origins {
		buf = putBytes(buf, []byte(origin))
		buf = putUvarint(buf, sv[origin])
	}
	return buf
}

func decodeStateVector(b []byte) (VClock, error) {
	count, rest, err := takeUvarint(b)
	if err != nil {
		return nil, err
	}
	sv := make(VClock, count)
	for i := uint64(0); i < count; i++ {
		var originBytes []byte
		originBytes, rest, err = takeBytes(rest)
		if err != nil {
			return nil, err
		}
		var counter uint64
		counter, rest, err = takeUvarint(rest)
		if err != nil {
			return nil, err
		}
		sv[string(originBytes)] = counter
	}
	return sv, nil
}

// encodeUpdate serializes an ordered slice of elementOp as:
//
//	varint(opCount)
//	{ varint(len(origin)) origin varint(counter) varint(len(id)) id
//	  byte(deleted) [varint(len(value)) value] } * opCount
func encodeUpdate(ops []elementOp) []byte {
	buf := putUvarint(nil, uint64(len(ops)))
	for _, op := range ops {
		buf = putBytes(buf, []byte(op.Origin))
		buf = putUvarint(buf, op.Counter)
		buf = putBytes(buf, []byte(op.ID))
		if op.Deleted {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
			buf = putBytes(buf, []byte(op.Value))
		}
	}
	return buf
}

func decodeUpdate(b []byte) ([]elementOp, error) {
	count, rest, err := takeUvarint(b)
	if err != nil {
		return nil, err
	}
	ops := make([]elementOp, 0, count)
	for i := uint64(0); i < count; i++ {
		var originBytes, idBytes []byte
		originBytes, rest, err = takeBytes(rest)
		if err != nil {
			return nil, err
		}
		var counter uint64
		counter, rest, err = takeUvarint(rest)
		if err != nil {
			return nil, err
		}
		idBytes, rest, err = takeBytes(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) < 1 {
			return nil, errTruncated
		}
		deleted := rest[0] == 1
		rest = rest[1:]

		op := elementOp{Origin: string(originBytes), Counter: counter, ID: string(idBytes), Deleted: deleted}
		if !deleted {
			var valueBytes []byte
			valueBytes, rest, err = takeBytes(rest)
			if err != nil {
				return nil, err
			}
			op.Value = string(valueBytes)
		}
		ops = append(ops, op)
	}
	return ops, nil
}
