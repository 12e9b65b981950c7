package protocol

import "fmt"

// Wire format primitives. Fields are addressed by small integer tags encoded
// as (field << 3) | wireType, protobuf style. Only two wire types are ever
// produced: varint (0) for integers, bools, and enums, and length-delimited
// (2) for strings, byte arrays, and nested messages. Decoders skip unknown
// fields of any wire type so that newer peers can add fields.

const (
	wireVarint = 0
	wire64Bit  = 1
	wireBytes  = 2
	wire32Bit  = 5

	maxVarintLen = 10
)

// ProtocolError reports malformed wire data. Decode failures are local to a
// single message; callers log and answer with an ERROR envelope rather than
// tearing down the connection.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

func appendUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func appendTag(buf []byte, field, wireType int) []byte {
	return appendUvarint(buf, uint64(field)<<3|uint64(wireType))
}

// appendVarintField writes a varint-typed field, omitting zero values.
func appendVarintField(buf []byte, field int, v uint64) []byte {
	if v == 0 {
		return buf
	}
	buf = appendTag(buf, field, wireVarint)
	return appendUvarint(buf, v)
}

func appendBoolField(buf []byte, field int, v bool) []byte {
	if !v {
		return buf
	}
	buf = appendTag(buf, field, wireVarint)
	return append(buf, 1)
}

// appendBytesField writes a length-delimited field, omitting empty values.
func appendBytesField(buf []byte, field int, v []byte) []byte {
	if len(v) == 0 {
		return buf
	}
	buf = appendTag(buf, field, wireBytes)
	buf = appendUvarint(buf, uint64(len(v)))
	return append(buf, v...)
}

func appendStringField(buf []byte, field int, v string) []byte {
	if v == "" {
		return buf
	}
	buf = appendTag(buf, field, wireBytes)
	buf = appendUvarint(buf, uint64(len(v)))
	return append(buf, v...)
}

// wireReader walks a byte slice field by field.
type wireReader struct {
	buf []byte
	off int
}

func (r *wireReader) done() bool {
	return r.off >= len(r.buf)
}

func (r *wireReader) uvarint() (uint64, error) {
	var v uint64
	var shift uint
	for i := 0; ; i++ {
		if i == maxVarintLen || r.off >= len(r.buf) {
			return 0, protocolErrorf("varint too long")
		}
		b := r.buf[r.off]
		r.off++
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
	}
}

func (r *wireReader) tag() (field, wireType int, err error) {
	v, err := r.uvarint()
	if err != nil {
		return 0, 0, err
	}
	return int(v >> 3), int(v & 7), nil
}

func (r *wireReader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	remaining := len(r.buf) - r.off
	if n > uint64(remaining) {
		return nil, protocolErrorf("length %d exceeds remaining %d bytes", n, remaining)
	}
	out := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return out, nil
}

func (r *wireReader) skip(wireType int) error {
	switch wireType {
	case wireVarint:
		_, err := r.uvarint()
		return err
	case wireBytes:
		_, err := r.bytes()
		return err
	case wire64Bit:
		return r.advance(8)
	case wire32Bit:
		return r.advance(4)
	default:
		return protocolErrorf("unsupported wire type %d", wireType)
	}
}

func (r *wireReader) advance(n int) error {
	if len(r.buf)-r.off < n {
		return protocolErrorf("length %d exceeds remaining %d bytes", n, len(r.buf)-r.off)
	}
	r.off += n
	return nil
}
