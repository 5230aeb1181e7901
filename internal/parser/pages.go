package parser

import (
	"encoding/binary"
	"fmt"

	"github.com/adc68/blood-shepherd/internal/codec"
	"github.com/adc68/blood-shepherd/internal/models"
	"github.com/adc68/blood-shepherd/internal/protocol"
)

// splitPages partitions a database pages payload. A payload no larger than
// one page is a single page; anything larger must be whole pages.
func splitPages(payload []byte) ([][]byte, error) {
	if len(payload) < protocol.PageHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes cannot hold a %d-byte page header", protocol.ErrTruncatedPayload, len(payload), protocol.PageHeaderSize)
	}
	if len(payload) <= protocol.PageSize {
		return [][]byte{payload}, nil
	}
	if len(payload)%protocol.PageSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte pages", protocol.ErrTruncatedPayload, len(payload), protocol.PageSize)
	}
	pages := make([][]byte, 0, len(payload)/protocol.PageSize)
	for off := 0; off < len(payload); off += protocol.PageSize {
		pages = append(pages, payload[off:off+protocol.PageSize])
	}
	return pages, nil
}

func (p *Parser) decodePageHeader(page []byte) (models.PageHeader, error) {
	var h models.PageHeader
	r := codec.NewReader(page)
	var err error
	read32 := func(dst *uint32) {
		if err == nil {
			*dst, err = r.U32()
		}
	}
	read32(&h.FirstRecordIndex)
	read32(&h.RecordCount)
	if err == nil {
		var t uint8
		t, err = r.U8()
		h.RecordType = protocol.RecordType(t)
	}
	if err == nil {
		h.Revision, err = r.U8()
	}
	read32(&h.PageNumber)
	for i := range h.Reserved {
		read32(&h.Reserved[i])
	}
	if err == nil {
		h.CRC, err = r.U16()
	}
	if err != nil {
		return h, classify(err, "page header")
	}
	if p.verifyPageCRC {
		if sum := p.table.Checksum(page[:protocol.PageHeaderCRCOffset]); sum != h.CRC {
			return h, fmt.Errorf("%w: page %d header stores 0x%04X, computed 0x%04X", protocol.ErrChecksumMismatch, h.PageNumber, h.CRC, sum)
		}
	}
	return h, nil
}

func expectRecordType(h models.PageHeader, want protocol.RecordType) error {
	if h.RecordType != want {
		return fmt.Errorf("%w: page %d holds %s records, want %s", protocol.ErrInvalidFieldValue, h.PageNumber, h.RecordType, want)
	}
	return nil
}

func (p *Parser) decodeDatabasePages(payload []byte) (Response, error) {
	raw, err := splitPages(payload)
	if err != nil {
		return nil, err
	}
	out := &DatabasePages{Pages: make([]models.Page, 0, len(raw))}
	for _, page := range raw {
		h, err := p.decodePageHeader(page)
		if err != nil {
			return nil, err
		}
		body := append([]byte(nil), page[protocol.PageHeaderSize:]...)
		out.Pages = append(out.Pages, models.Page{Header: h, Body: body})
	}
	return out, nil
}

func (p *Parser) decodeManufacturingPages(payload []byte) (Response, error) {
	raw, err := splitPages(payload)
	if err != nil {
		return nil, err
	}
	out := &ManufacturingPages{}
	for _, page := range raw {
		h, err := p.decodePageHeader(page)
		if err != nil {
			return nil, err
		}
		if err := expectRecordType(h, protocol.ManufacturingData); err != nil {
			return nil, err
		}
		out.Headers = append(out.Headers, h)
		switch h.RecordCount {
		case 0:
			continue
		case 1:
		default:
			return nil, fmt.Errorf("%w: manufacturing page %d declares %d records", protocol.ErrInvalidFieldValue, h.PageNumber, h.RecordCount)
		}
		body := page[protocol.PageHeaderSize:]
		rec, err := DecodeManufacturingRecord(body, h.PageNumber)
		if err != nil {
			return nil, err
		}
		if p.verifyRecordCRC {
			if err := p.checkRecord(body, h.PageNumber); err != nil {
				return nil, err
			}
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

func (p *Parser) decodeGlucosePages(payload []byte) (Response, error) {
	raw, err := splitPages(payload)
	if err != nil {
		return nil, err
	}
	out := &GlucosePages{}
	for _, page := range raw {
		h, err := p.decodePageHeader(page)
		if err != nil {
			return nil, err
		}
		if err := expectRecordType(h, protocol.EGVData); err != nil {
			return nil, err
		}
		recs, err := p.decodeGlucoseBody(page[protocol.PageHeaderSize:], h)
		if err != nil {
			return nil, err
		}
		// Record numbers must keep increasing from one page to the next.
		if n := len(out.Records); n > 0 && len(recs) > 0 {
			if prev := out.Records[n-1].RecordNumber; recs[0].RecordNumber <= prev {
				return nil, fmt.Errorf("%w: page %d starts at record %d, not after record %d",
					protocol.ErrInvalidFieldValue, h.PageNumber, recs[0].RecordNumber, prev)
			}
		}
		out.Headers = append(out.Headers, h)
		out.Records = append(out.Records, recs...)
	}
	return out, nil
}

// decodeGlucoseBody reads records until a slot made only of sentinel bytes
// or the end of the page.
func (p *Parser) decodeGlucoseBody(body []byte, h models.PageHeader) ([]models.GlucoseRecord, error) {
	var recs []models.GlucoseRecord
	for off := 0; off < len(body); off += protocol.GlucoseRecordSize {
		slot := body[off:min(off+protocol.GlucoseRecordSize, len(body))]
		if isSentinel(slot) {
			break
		}
		if len(slot) < protocol.GlucoseRecordSize {
			return nil, fmt.Errorf("%w: page %d ends inside record %d", protocol.ErrTruncatedPayload, h.PageNumber, len(recs))
		}
		if p.verifyRecordCRC {
			if err := p.checkRecord(slot, h.PageNumber); err != nil {
				return nil, err
			}
		}
		rec, err := DecodeGlucoseRecord(slot, h.PageNumber, h.FirstRecordIndex+uint32(len(recs)))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if uint32(len(recs)) != h.RecordCount {
		return nil, fmt.Errorf("%w: page %d declares %d records, found %d", protocol.ErrInvalidFieldValue, h.PageNumber, h.RecordCount, len(recs))
	}
	return recs, nil
}

// checkRecord verifies a record whose last two bytes are its checksum.
func (p *Parser) checkRecord(rec []byte, page uint32) error {
	n := len(rec) - 2
	want := binary.LittleEndian.Uint16(rec[n:])
	if sum := p.table.Checksum(rec[:n]); sum != want {
		return fmt.Errorf("%w: record on page %d stores 0x%04X, computed 0x%04X", protocol.ErrChecksumMismatch, page, want, sum)
	}
	return nil
}

func isSentinel(b []byte) bool {
	for _, c := range b {
		if c != protocol.SentinelByte {
			return false
		}
	}
	return len(b) > 0
}
