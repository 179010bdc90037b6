package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/valyala/bytebufferpool"
)

// ErrUnsupportedValue is the encode-side failure: a value outside the
// closed kind set (or an invalid zero Value).
var ErrUnsupportedValue = errors.New("codec: unsupported value kind")

// ErrInvalidImage is the decode-side failure: a structurally invalid byte
// stream. Every malformed input maps to this error, never to a low-level
// fault, so a corrupted region stays diagnosable.
var ErrInvalidImage = errors.New("codec: invalid image")

// Image format, little-endian throughout:
//
//	image   := count:u32 entry*
//	entry   := kind:u8 keyLen:u16 key payload
//	payload := str/blob: len:u32 bytes
//	         | int:      u64 (two's complement)
//	         | float:    u64 (IEEE 754 bits)
//	         | bool:     u8
//	         | map:      count:u32 entry*
const (
	maxKeyLen = 1<<16 - 1

	// maxDepth bounds nested-map recursion so a corrupt image cannot
	// drive the decoder into unbounded recursion.
	maxDepth = 32
)

// Encode serializes the mapping into a freshly allocated image. The law
// Decode(Encode(m)) == m holds for every supported value; entry order in
// the image is unspecified.
func Encode(m map[string]Value) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := appendMap(buf, m, 0); err != nil {
		return nil, err
	}
	// The pooled buffer gets reused; hand the caller an owned copy.
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func appendMap(buf *bytebufferpool.ByteBuffer, m map[string]Value, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("codec: mapping nested deeper than %d: %w", maxDepth, ErrUnsupportedValue)
	}
	appendUint32(buf, uint32(len(m)))
	for k, v := range m {
		if len(k) > maxKeyLen {
			return fmt.Errorf("codec: key %d bytes exceeds %d: %w", len(k), maxKeyLen, ErrUnsupportedValue)
		}
		buf.WriteByte(byte(v.kind))
		appendUint16(buf, uint16(len(k)))
		buf.WriteString(k)

		switch v.kind {
		case KindString:
			appendUint32(buf, uint32(len(v.str)))
			buf.WriteString(v.str)
		case KindBytes:
			appendUint32(buf, uint32(len(v.blob)))
			buf.Write(v.blob)
		case KindInt:
			appendUint64(buf, uint64(v.i))
		case KindFloat:
			appendUint64(buf, math.Float64bits(v.f))
		case KindBool:
			if v.b {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case KindMap:
			if err := appendMap(buf, v.m, depth+1); err != nil {
				return err
			}
		default:
			return fmt.Errorf("codec: key %q: kind %d: %w", k, v.kind, ErrUnsupportedValue)
		}
	}
	return nil
}

// Decode reconstructs the mapping from an image. An empty image is a valid
// empty dictionary (the state of a freshly created segment). Trailing bytes
// after the last entry make the image invalid.
func Decode(image []byte) (map[string]Value, error) {
	if len(image) == 0 {
		return map[string]Value{}, nil
	}
	d := &decoder{buf: image}
	m, err := d.readMap(0)
	if err != nil {
		return nil, err
	}
	if d.off != len(d.buf) {
		return nil, fmt.Errorf("codec: %d trailing bytes at offset %d: %w", len(d.buf)-d.off, d.off, ErrInvalidImage)
	}
	return m, nil
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remain() int { return len(d.buf) - d.off }

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.remain() < n {
		return nil, fmt.Errorf("codec: need %d bytes at offset %d, have %d: %w", n, d.off, d.remain(), ErrInvalidImage)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) readUint8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) readUint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *decoder) readUint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) readUint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) readMap(depth int) (map[string]Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("codec: mapping nested deeper than %d: %w", maxDepth, ErrInvalidImage)
	}
	count, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	// The smallest possible entry (bool, empty key) is 4 bytes, so the
	// remaining buffer bounds any honest count. Anything larger is a
	// corrupt header and must not become an allocation size.
	if int(count) > d.remain()/4 {
		return nil, fmt.Errorf("codec: count %d exceeds %d remaining bytes: %w",
			count, d.remain(), ErrInvalidImage)
	}
	m := make(map[string]Value, count)
	for i := uint32(0); i < count; i++ {
		kind, err := d.readUint8()
		if err != nil {
			return nil, err
		}
		keyLen, err := d.readUint16()
		if err != nil {
			return nil, err
		}
		keyBytes, err := d.take(int(keyLen))
		if err != nil {
			return nil, err
		}
		key := string(keyBytes)

		var v Value
		switch Kind(kind) {
		case KindString:
			n, err := d.readUint32()
			if err != nil {
				return nil, err
			}
			b, err := d.take(int(n))
			if err != nil {
				return nil, err
			}
			v = String(string(b))
		case KindBytes:
			n, err := d.readUint32()
			if err != nil {
				return nil, err
			}
			b, err := d.take(int(n))
			if err != nil {
				return nil, err
			}
			blob := make([]byte, n)
			copy(blob, b)
			v = Bytes(blob)
		case KindInt:
			u, err := d.readUint64()
			if err != nil {
				return nil, err
			}
			v = Int(int64(u))
		case KindFloat:
			u, err := d.readUint64()
			if err != nil {
				return nil, err
			}
			v = Float(math.Float64frombits(u))
		case KindBool:
			b, err := d.readUint8()
			if err != nil {
				return nil, err
			}
			if b > 1 {
				return nil, fmt.Errorf("codec: key %q: bool byte %d: %w", key, b, ErrInvalidImage)
			}
			v = Bool(b == 1)
		case KindMap:
			nested, err := d.readMap(depth + 1)
			if err != nil {
				return nil, err
			}
			v = Map(nested)
		default:
			return nil, fmt.Errorf("codec: key %q: tag %d out of range: %w", key, kind, ErrInvalidImage)
		}
		m[key] = v
	}
	return m, nil
}

func appendUint16(buf *bytebufferpool.ByteBuffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func appendUint32(buf *bytebufferpool.ByteBuffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func appendUint64(buf *bytebufferpool.ByteBuffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
