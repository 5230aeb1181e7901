package receiver

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/adc68/blood-shepherd/internal/codec"
	"github.com/adc68/blood-shepherd/internal/frame"
	"github.com/adc68/blood-shepherd/internal/protocol"
)

// Emulator answers read commands from stored database pages the way a
// receiver does. It serves a real port through Serve, or acts as an
// in-memory Port for a Client.
type Emulator struct {
	mu       sync.Mutex
	firmware string
	pages    map[protocol.RecordType]map[uint32][]byte
	pending  []byte
	out      bytes.Buffer
	log      *logrus.Entry
}

func NewEmulator(firmware string, log *logrus.Logger) *Emulator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Emulator{
		firmware: firmware,
		pages:    make(map[protocol.RecordType]map[uint32][]byte),
		log:      log.WithField("component", "emulator"),
	}
}

// LoadPages stores every page of a database pages payload under the record
// type and page number found in its header.
func (e *Emulator) LoadPages(payload []byte) error {
	if len(payload) == 0 || len(payload)%protocol.PageSize != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of pages", protocol.ErrTruncatedPayload, len(payload))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for off := 0; off < len(payload); off += protocol.PageSize {
		page := append([]byte(nil), payload[off:off+protocol.PageSize]...)
		rt := protocol.RecordType(page[8])
		num := binary.LittleEndian.Uint32(page[10:14])
		if e.pages[rt] == nil {
			e.pages[rt] = make(map[uint32][]byte)
		}
		e.pages[rt][num] = page
	}
	return nil
}

// Write accepts request bytes. Each complete request frame queues a response.
func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, p...)
	for len(e.pending) >= protocol.MinFrameLen {
		total := int(binary.LittleEndian.Uint16(e.pending[1:3]))
		if total < protocol.MinFrameLen {
			return len(p), fmt.Errorf("%w: request length %d", protocol.ErrMalformedHeader, total)
		}
		if len(e.pending) < total {
			break
		}
		req, err := frame.Read(frame.StreamSource{R: bytes.NewReader(e.pending[:total])})
		e.pending = e.pending[total:]
		if err != nil {
			return len(p), err
		}
		e.out.Write(e.respond(req))
	}
	return len(p), nil
}

// ReadExactly pops queued response bytes.
func (e *Emulator) ReadExactly(n int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.out.Len() < n {
		return nil, io.ErrUnexpectedEOF
	}
	return e.out.Next(n), nil
}

// Serve answers requests read from port until ctx is done or the link
// fails. Read timeouts on an idle link are not failures.
func (e *Emulator) Serve(ctx context.Context, port Port) error {
	for ctx.Err() == nil {
		req, err := frame.Read(port)
		if err != nil {
			var te interface{ Timeout() bool }
			switch {
			case errors.As(err, &te) && te.Timeout():
				continue
			case errors.Is(err, protocol.ErrChecksumMismatch), errors.Is(err, protocol.ErrMalformedHeader):
				e.log.WithError(err).Warn("dropping corrupt request")
				continue
			}
			return err
		}
		e.mu.Lock()
		resp := e.respond(req)
		e.mu.Unlock()
		if _, err := port.Write(resp); err != nil {
			return fmt.Errorf("%w: %w", protocol.ErrTransport, err)
		}
	}
	return ctx.Err()
}

// respond must be called with e.mu held.
func (e *Emulator) respond(req frame.Frame) []byte {
	code, payload := e.answer(req)
	e.log.WithFields(logrus.Fields{
		"command": fmt.Sprintf("0x%02X", req.Command),
		"code":    code,
		"bytes":   len(payload),
	}).Debug("request answered")
	out, err := frame.Encode(protocol.SOF, byte(code), payload)
	if err != nil {
		out, _ = frame.Encode(protocol.SOF, byte(protocol.ReceiverError), nil)
	}
	return out
}

func (e *Emulator) answer(req frame.Frame) (protocol.AckCode, []byte) {
	r := codec.NewReader(req.Payload)
	switch req.Command {
	case protocol.CmdPing:
		return protocol.Ack, nil
	case protocol.CmdReadFirmwareHeader:
		return protocol.Ack, []byte(e.firmware)
	case protocol.CmdReadDatabasePageRange:
		rt, err := r.U8()
		if err != nil {
			return protocol.IncompleteCommand, nil
		}
		first, last := e.pageRange(protocol.RecordType(rt))
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint32(buf[0:4], first)
		binary.LittleEndian.PutUint32(buf[4:8], last)
		return protocol.Ack, buf
	case protocol.CmdReadDatabasePages:
		rt, err := r.U8()
		var first uint32
		var count uint8
		if err == nil {
			first, err = r.U32()
		}
		if err == nil {
			count, err = r.U8()
		}
		if err != nil {
			return protocol.IncompleteCommand, nil
		}
		if count == 0 || count > protocol.MaxPagesPerRequest {
			return protocol.InvalidParam, nil
		}
		var out []byte
		for i := uint32(0); i < uint32(count); i++ {
			page, ok := e.pages[protocol.RecordType(rt)][first+i]
			if !ok {
				return protocol.InvalidParam, nil
			}
			out = append(out, page...)
		}
		return protocol.Ack, out
	default:
		return protocol.InvalidCommand, nil
	}
}

func (e *Emulator) pageRange(rt protocol.RecordType) (uint32, uint32) {
	stored := e.pages[rt]
	if len(stored) == 0 {
		return protocol.NoPage, protocol.NoPage
	}
	nums := make([]uint32, 0, len(stored))
	for n := range stored {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums[0], nums[len(nums)-1]
}
