// Package receiver reads typed responses from a receiver and issues the
// read commands that produce them.
package receiver

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/adc68/blood-shepherd/internal/frame"
	"github.com/adc68/blood-shepherd/internal/parser"
	"github.com/adc68/blood-shepherd/internal/protocol"
)

// Observer is notified of every Read outcome.
type Observer interface {
	FrameRead(kind parser.Kind, payloadLen int)
	ReadFailed(kind parser.Kind, err error)
}

// Option configures a Reader.
type Option func(*Reader)

// WithAckCheck rejects responses whose command byte is not an ACK.
func WithAckCheck() Option {
	return func(r *Reader) { r.checkAck = true }
}

// WithObserver registers o for read outcomes.
func WithObserver(o Observer) Option {
	return func(r *Reader) { r.observer = o }
}

// WithParser replaces the default response parser.
func WithParser(p *parser.Parser) Option {
	return func(r *Reader) { r.parser = p }
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *logrus.Logger) Option {
	return func(r *Reader) { r.log = l.WithField("component", "reader") }
}

// Reader is the frame engine: it reads one frame and dispatches its payload
// to the decoder for the requested kind.
type Reader struct {
	frames   *frame.Reader
	parser   *parser.Parser
	checkAck bool
	observer Observer
	log      *logrus.Entry
}

func NewReader(opts ...Option) *Reader {
	r := &Reader{
		frames: frame.NewReader(nil),
		parser: parser.NewParser(),
		log:    logrus.StandardLogger().WithField("component", "reader"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read blocks until one frame has been read from src and decoded as kind.
func (r *Reader) Read(kind parser.Kind, src frame.ByteSource) (parser.Response, error) {
	resp, n, err := r.read(kind, src)
	if err != nil {
		if r.observer != nil {
			r.observer.ReadFailed(kind, err)
		}
		return nil, err
	}
	if r.observer != nil {
		r.observer.FrameRead(kind, n)
	}
	return resp, nil
}

func (r *Reader) read(kind parser.Kind, src frame.ByteSource) (parser.Response, int, error) {
	f, err := r.frames.Read(src)
	if err != nil {
		return nil, 0, err
	}
	r.log.WithFields(logrus.Fields{
		"kind":    kind,
		"length":  f.Length,
		"command": fmt.Sprintf("0x%02X", f.Command),
	}).Debug("frame read")

	if r.checkAck && protocol.AckCode(f.Command) != protocol.Ack {
		code := protocol.AckCode(f.Command)
		return nil, 0, &frame.ReadError{
			State: frame.Dispatching,
			Err:   fmt.Errorf("%w: receiver answered %s (0x%02X)", protocol.ErrNotAcknowledged, code, f.Command),
		}
	}

	resp, err := r.parser.Decode(kind, f.Payload)
	if err != nil {
		return nil, 0, &frame.ReadError{State: frame.Dispatching, Err: err}
	}
	return resp, len(f.Payload), nil
}

// ReadAs reads a response and asserts its concrete type.
func ReadAs[T parser.Response](r *Reader, kind parser.Kind, src frame.ByteSource) (T, error) {
	var zero T
	resp, err := r.Read(kind, src)
	if err != nil {
		return zero, err
	}
	v, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s decoder produced %T, want %T", protocol.ErrUnknownKind, kind, resp, zero)
	}
	return v, nil
}
