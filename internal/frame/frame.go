// Package frame reads and writes the receiver's length-prefixed frames:
//
//	| ack:u8 | totalLength:u16-LE | command:u8 | payload | crc:u16-LE |
//
// totalLength counts every byte including the header and the trailer. The
// checksum covers header and payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/adc68/blood-shepherd/internal/crc"
	"github.com/adc68/blood-shepherd/internal/protocol"
)

// ByteSource supplies exactly the number of bytes asked for or fails.
type ByteSource interface {
	ReadExactly(n int) ([]byte, error)
}

// Header is the fixed four-byte frame prefix.
type Header struct {
	Ack     byte
	Length  uint16
	Command byte
}

// PayloadLen returns the payload size implied by Length.
func (h Header) PayloadLen() int {
	return int(h.Length) - protocol.MinFrameLen
}

// Frame is one validated header+payload+trailer unit.
type Frame struct {
	Header
	Payload []byte
	CRC     uint16
}

// State is a step of the read sequence.
type State int

const (
	AwaitingHeader State = iota
	AwaitingPayload
	AwaitingTrailer
	Validating
	Dispatching
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting header"
	case AwaitingPayload:
		return "awaiting payload"
	case AwaitingTrailer:
		return "awaiting trailer"
	case Validating:
		return "validating"
	case Dispatching:
		return "dispatching"
	case Done:
		return "done"
	default:
		return "failed"
	}
}

// ReadError reports the step at which a frame read failed. The wrapped
// error always matches one of the protocol sentinels.
type ReadError struct {
	State State
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("frame: %s: %v", e.State, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Reader pulls frames off a ByteSource. It keeps no state between reads.
type Reader struct {
	table *crc.Table
}

// NewReader returns a Reader validating with table, or crc.Default when nil.
func NewReader(table *crc.Table) *Reader {
	if table == nil {
		table = crc.Default
	}
	return &Reader{table: table}
}

// Read blocks until a complete frame is read and its checksum verified. No
// partial frame is ever returned.
func (r *Reader) Read(src ByteSource) (Frame, error) {
	state := AwaitingHeader
	fail := func(err error) (Frame, error) {
		return Frame{}, &ReadError{State: state, Err: err}
	}

	head, err := readExactly(src, protocol.HeaderSize)
	if err != nil {
		return fail(err)
	}
	h := Header{
		Ack:     head[0],
		Length:  binary.LittleEndian.Uint16(head[1:3]),
		Command: head[3],
	}
	if int(h.Length) < protocol.MinFrameLen {
		return fail(fmt.Errorf("%w: total length %d below minimum %d", protocol.ErrMalformedHeader, h.Length, protocol.MinFrameLen))
	}

	state = AwaitingPayload
	payload := []byte{}
	if n := h.PayloadLen(); n > 0 {
		if payload, err = readExactly(src, n); err != nil {
			return fail(err)
		}
	}

	state = AwaitingTrailer
	trailer, err := readExactly(src, protocol.TrailerSize)
	if err != nil {
		return fail(err)
	}
	want := binary.LittleEndian.Uint16(trailer)

	state = Validating
	sum := r.table.Update(r.table.Checksum(head), payload)
	if sum != want {
		return fail(fmt.Errorf("%w: trailer 0x%04X, computed 0x%04X", protocol.ErrChecksumMismatch, want, sum))
	}
	return Frame{Header: h, Payload: payload, CRC: want}, nil
}

// Read reads one frame validated against crc.Default.
func Read(src ByteSource) (Frame, error) {
	return NewReader(nil).Read(src)
}

func readExactly(src ByteSource, n int) ([]byte, error) {
	b, err := src.ReadExactly(n)
	if err != nil {
		if errors.Is(err, protocol.ErrTransport) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", protocol.ErrTransport, err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("%w: short read, wanted %d bytes got %d", protocol.ErrTransport, n, len(b))
	}
	return b, nil
}

// Encode builds a wire frame around payload.
func Encode(ack, command byte, payload []byte) ([]byte, error) {
	total := protocol.MinFrameLen + len(payload)
	if total > protocol.MaxFrameLen {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds frame limit", protocol.ErrInvalidFieldValue, len(payload))
	}
	buf := make([]byte, total)
	buf[0] = ack
	binary.LittleEndian.PutUint16(buf[1:3], uint16(total))
	buf[3] = command
	copy(buf[protocol.HeaderSize:], payload)
	binary.LittleEndian.PutUint16(buf[total-protocol.TrailerSize:], crc.Checksum(buf[:total-protocol.TrailerSize]))
	return buf, nil
}

// Write encodes a frame and writes it to w in one call.
func Write(w io.Writer, ack, command byte, payload []byte) error {
	buf, err := Encode(ack, command, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrTransport, err)
	}
	return nil
}

// StreamSource adapts an io.Reader into a ByteSource using io.ReadFull.
type StreamSource struct {
	R io.Reader
}

func (s StreamSource) ReadExactly(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.R, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
