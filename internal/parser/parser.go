// Package parser decodes frame payloads into typed receiver responses.
package parser

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/adc68/blood-shepherd/internal/codec"
	"github.com/adc68/blood-shepherd/internal/crc"
	"github.com/adc68/blood-shepherd/internal/protocol"
)

// DecodeFunc turns a payload into a Response.
type DecodeFunc func(payload []byte) (Response, error)

// Option tunes a Parser.
type Option func(*Parser)

// WithoutPageCRC disables page header checksum verification.
func WithoutPageCRC() Option {
	return func(p *Parser) { p.verifyPageCRC = false }
}

// WithoutRecordCRC disables per-record checksum verification.
func WithoutRecordCRC() Option {
	return func(p *Parser) { p.verifyRecordCRC = false }
}

// WithCRCTable replaces the checksum table used for pages and records.
func WithCRCTable(t *crc.Table) Option {
	return func(p *Parser) { p.table = t }
}

// Parser dispatches payloads through a decode table fixed at construction.
type Parser struct {
	decoders        map[Kind]DecodeFunc
	table           *crc.Table
	verifyPageCRC   bool
	verifyRecordCRC bool
}

func NewParser(opts ...Option) *Parser {
	p := &Parser{
		table:           crc.Default,
		verifyPageCRC:   true,
		verifyRecordCRC: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.decoders = map[Kind]DecodeFunc{
		KindOpaque:             decodeOpaque,
		KindText:               decodeText,
		KindPageRange:          decodePageRange,
		KindDatabasePages:      p.decodeDatabasePages,
		KindManufacturingPages: p.decodeManufacturingPages,
		KindGlucosePages:       p.decodeGlucosePages,
	}
	return p
}

// Decode runs the decoder registered for kind. Failures wrap a protocol
// sentinel; no partial response is returned.
func (p *Parser) Decode(kind Kind, payload []byte) (Response, error) {
	dec, ok := p.decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", protocol.ErrUnknownKind, int(kind))
	}
	resp, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return resp, nil
}

func decodeOpaque(payload []byte) (Response, error) {
	return &Opaque{Payload: append([]byte(nil), payload...)}, nil
}

func decodeText(payload []byte) (Response, error) {
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid utf-8", protocol.ErrInvalidEncoding)
	}
	return &Text{Value: string(payload)}, nil
}

func decodePageRange(payload []byte) (Response, error) {
	r := codec.NewReader(payload)
	first, err := r.U32()
	if err != nil {
		return nil, classify(err, "first page")
	}
	last, err := r.U32()
	if err != nil {
		return nil, classify(err, "last page")
	}
	pr := &PageRange{FirstPage: first, LastPage: last}
	if !pr.Empty() && first > last {
		return nil, fmt.Errorf("%w: first page %d after last page %d", protocol.ErrInvalidFieldValue, first, last)
	}
	return pr, nil
}

// classify maps codec failures onto the protocol taxonomy.
func classify(err error, field string) error {
	switch {
	case errors.Is(err, codec.ErrOutOfBounds):
		return fmt.Errorf("%w: %s: %v", protocol.ErrTruncatedPayload, field, err)
	case errors.Is(err, codec.ErrInvalidText):
		return fmt.Errorf("%w: %s: %v", protocol.ErrInvalidEncoding, field, err)
	default:
		return err
	}
}
