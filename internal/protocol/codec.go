package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const intSize = 4

var (
	ErrShortPayload  = errors.New("protocol: short payload")
	ErrInvalidLength = errors.New("protocol: invalid length")
)

// Reader walks a payload field by field. A failed read leaves the cursor where
// it was.
type Reader struct {
	buf []byte
	off int
}

// NewReader binds a reader to payload. The payload is borrowed, not copied.
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// ReadInt reads one little-endian signed 32-bit integer.
func (r *Reader) ReadInt() (int32, error) {
	if r.Remaining() < intSize {
		return 0, ErrShortPayload
	}
	v := int32(binary.LittleEndian.Uint32(r.buf[r.off:]))
	r.off += intSize
	return v, nil
}

// ReadBytes reads a length-prefixed byte range. The returned slice aliases the
// payload.
func (r *Reader) ReadBytes() ([]byte, error) {
	if r.Remaining() < intSize {
		return nil, ErrShortPayload
	}
	n := int32(binary.LittleEndian.Uint32(r.buf[r.off:]))
	if n < 0 {
		return nil, ErrInvalidLength
	}
	if int(n) > r.Remaining()-intSize {
		return nil, ErrShortPayload
	}
	start := r.off + intSize
	end := start + int(n)
	r.off = end
	return r.buf[start:end:end], nil
}

// ReadString reads a sentinel-terminated string. Content after the first NUL
// is ignored; a missing sentinel is tolerated.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

// Writer accumulates reply fields in call order.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) WriteInt(v int32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
	return w
}

func (w *Writer) WriteBytes(b []byte) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

// WriteString writes s followed by the NUL sentinel.
func (w *Writer) WriteString(s string) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(s)+1))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
	return w
}

func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the encoded payload. The writer must not be reused afterwards.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// EncodeInt is shorthand for a payload holding a single int32.
func EncodeInt(v int32) []byte {
	return NewWriter().WriteInt(v).Bytes()
}

// DecodeInt reads a payload holding a single leading int32.
func DecodeInt(payload []byte) (int32, error) {
	return NewReader(payload).ReadInt()
}

// EncodeNode encodes a bare node handle as carried by DMA and FLUSH requests.
func EncodeNode(node uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, node)
}

// DecodeNode reads a bare node handle from a DMA or FLUSH payload.
func DecodeNode(payload []byte) (uint32, error) {
	if len(payload) < intSize {
		return 0, ErrShortPayload
	}
	return binary.LittleEndian.Uint32(payload), nil
}
