// Package codec reads little-endian fields from a byte buffer.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrOutOfBounds is returned when a read needs more bytes than remain.
var ErrOutOfBounds = errors.New("codec: out of bounds")

// ErrInvalidText is returned when text bytes are not valid in the
// requested charset.
var ErrInvalidText = errors.New("codec: invalid text")

// Charset selects how Text validates bytes.
type Charset int

const (
	UTF8 Charset = iota
	ASCII
)

func (c Charset) String() string {
	if c == ASCII {
		return "us-ascii"
	}
	return "utf-8"
}

// Reader walks a buffer with a cursor. The zero value reads nothing.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Offset returns the cursor position.
func (r *Reader) Offset() int { return r.off }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrOutOfBounds, n, r.off, r.Len())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Bytes returns the next n bytes. The slice aliases the underlying buffer.
func (r *Reader) Bytes(n int) ([]byte, error) {
	return r.take(n)
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) error {
	_, err := r.take(n)
	return err
}

// Text decodes the next n bytes in the given charset. The cursor advances
// even when validation fails so callers see a consistent position.
func (r *Reader) Text(n int, cs Charset) (string, error) {
	b, err := r.take(n)
	if err != nil {
		return "", err
	}
	switch cs {
	case ASCII:
		for i, c := range b {
			if c > 0x7F {
				return "", fmt.Errorf("%w: byte 0x%02X at %d is not %s", ErrInvalidText, c, i, cs)
			}
		}
	default:
		if !utf8.Valid(b) {
			return "", fmt.Errorf("%w: malformed %s sequence", ErrInvalidText, cs)
		}
	}
	return string(b), nil
}
