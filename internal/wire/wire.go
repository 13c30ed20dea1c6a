// Package wire implements the lib0-style primitives used by the sync
// protocol and the document engine: unsigned LEB128 varints, length-prefixed
// byte arrays, and length-prefixed UTF-8 strings.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrUnexpectedEOF indicates the buffer ended inside a value.
	ErrUnexpectedEOF = errors.New("wire: unexpected end of buffer")
	// ErrOverflow indicates a varint that does not fit in 64 bits.
	ErrOverflow = errors.New("wire: varint overflows uint64")
	// ErrInvalidString indicates a varString payload that is not valid UTF-8.
	ErrInvalidString = errors.New("wire: invalid utf-8 string")
)

// Encoder accumulates encoded values.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with the provided initial capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// WriteVarUint appends an unsigned LEB128 integer.
func (e *Encoder) WriteVarUint(value uint64) {
	e.buf = binary.AppendUvarint(e.buf, value)
}

// WriteVarUint8Array appends a length-prefixed byte array.
func (e *Encoder) WriteVarUint8Array(data []byte) {
	e.WriteVarUint(uint64(len(data)))
	e.buf = append(e.buf, data...)
}

// WriteVarString appends a length-prefixed UTF-8 string.
func (e *Encoder) WriteVarString(value string) {
	e.WriteVarUint(uint64(len(value)))
	e.buf = append(e.buf, value...)
}

// WriteRaw appends bytes without a length prefix.
func (e *Encoder) WriteRaw(data []byte) {
	e.buf = append(e.buf, data...)
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len reports the encoded length.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Decoder reads values sequentially from a buffer.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps the provided buffer.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining reports how many unread bytes are left.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// HasContent reports whether unread bytes remain.
func (d *Decoder) HasContent() bool {
	return d.pos < len(d.buf)
}

// Offset returns the current read position.
func (d *Decoder) Offset() int {
	return d.pos
}

// ReadVarUint reads an unsigned LEB128 integer.
func (d *Decoder) ReadVarUint() (uint64, error) {
	value, n := binary.Uvarint(d.buf[d.pos:])
	switch {
	case n == 0:
		return 0, ErrUnexpectedEOF
	case n < 0:
		return 0, ErrOverflow
	}
	d.pos += n
	return value, nil
}

// ReadVarUint8Array reads a length-prefixed byte array. The returned slice
// aliases the decoder buffer.
func (d *Decoder) ReadVarUint8Array() ([]byte, error) {
	length, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if length > uint64(d.Remaining()) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrUnexpectedEOF, length, d.Remaining())
	}
	start := d.pos
	d.pos += int(length)
	return d.buf[start:d.pos:d.pos], nil
}

// ReadVarString reads a length-prefixed UTF-8 string.
func (d *Decoder) ReadVarString() (string, error) {
	raw, err := d.ReadVarUint8Array()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", ErrInvalidString
	}
	return string(raw), nil
}

// ReadRest returns every unread byte and advances to the end.
func (d *Decoder) ReadRest() []byte {
	rest := d.buf[d.pos:]
	d.pos = len(d.buf)
	return rest
}
