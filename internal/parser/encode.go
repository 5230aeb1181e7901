package parser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/adc68/blood-shepherd/internal/crc"
	"github.com/adc68/blood-shepherd/internal/models"
	"github.com/adc68/blood-shepherd/internal/protocol"
)

// Encode serializes a response into the payload the receiver would send.
// Page header checksums are recomputed; record trailers are written as stored.
func Encode(resp Response) ([]byte, error) {
	switch v := resp.(type) {
	case *Opaque:
		return append([]byte(nil), v.Payload...), nil
	case *Text:
		return []byte(v.Value), nil
	case *PageRange:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint32(buf[0:4], v.FirstPage)
		binary.LittleEndian.PutUint32(buf[4:8], v.LastPage)
		return buf, nil
	case *DatabasePages:
		var buf bytes.Buffer
		for _, pg := range v.Pages {
			buf.Write(EncodePageHeader(pg.Header))
			buf.Write(pg.Body)
		}
		return buf.Bytes(), nil
	case *ManufacturingPages:
		return encodeManufacturingPages(v)
	case *GlucosePages:
		return encodeGlucosePages(v)
	default:
		return nil, fmt.Errorf("%w: %T", protocol.ErrUnknownKind, resp)
	}
}

// EncodePageHeader serializes h with a freshly computed checksum.
func EncodePageHeader(h models.PageHeader) []byte {
	buf := make([]byte, protocol.PageHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.FirstRecordIndex)
	binary.LittleEndian.PutUint32(buf[4:8], h.RecordCount)
	buf[8] = byte(h.RecordType)
	buf[9] = h.Revision
	binary.LittleEndian.PutUint32(buf[10:14], h.PageNumber)
	for i, v := range h.Reserved {
		binary.LittleEndian.PutUint32(buf[14+4*i:18+4*i], v)
	}
	binary.LittleEndian.PutUint16(buf[protocol.PageHeaderCRCOffset:], crc.Checksum(buf[:protocol.PageHeaderCRCOffset]))
	return buf
}

// EncodeGlucoseRecord serializes rec into its 13-byte wire form.
func EncodeGlucoseRecord(rec models.GlucoseRecord) ([]byte, error) {
	buf := make([]byte, protocol.GlucoseRecordSize)
	if err := putDeviceTimes(buf, rec.InternalSeconds, rec.LocalSeconds); err != nil {
		return nil, fmt.Errorf("record %d: %w", rec.RecordNumber, err)
	}
	binary.LittleEndian.PutUint16(buf[8:10], rec.GlucoseValueWithFlags)
	buf[10] = rec.TrendArrowAndNoise
	copy(buf[11:], rec.Trailer[:])
	return buf, nil
}

// SealGlucoseRecord sets the trailer to the checksum of the record's
// other fields, as the receiver does when it stores a reading.
func SealGlucoseRecord(rec models.GlucoseRecord) (models.GlucoseRecord, error) {
	buf, err := EncodeGlucoseRecord(rec)
	if err != nil {
		return rec, err
	}
	binary.LittleEndian.PutUint16(rec.Trailer[:], crc.Checksum(buf[:protocol.GlucoseRecordSize-2]))
	return rec, nil
}

func encodeGlucosePages(v *GlucosePages) ([]byte, error) {
	out := make([]byte, 0, len(v.Headers)*protocol.PageSize)
	next := 0
	for _, h := range v.Headers {
		n := int(h.RecordCount)
		if next+n > len(v.Records) {
			return nil, fmt.Errorf("%w: page %d declares %d records, %d left", protocol.ErrInvalidFieldValue, h.PageNumber, n, len(v.Records)-next)
		}
		if protocol.PageHeaderSize+n*protocol.GlucoseRecordSize > protocol.PageSize {
			return nil, fmt.Errorf("%w: %d records do not fit in page %d", protocol.ErrInvalidFieldValue, n, h.PageNumber)
		}
		page := bytes.Repeat([]byte{protocol.SentinelByte}, protocol.PageSize)
		copy(page, EncodePageHeader(h))
		for i, rec := range v.Records[next : next+n] {
			buf, err := EncodeGlucoseRecord(rec)
			if err != nil {
				return nil, err
			}
			copy(page[protocol.PageHeaderSize+i*protocol.GlucoseRecordSize:], buf)
		}
		next += n
		out = append(out, page...)
	}
	if next != len(v.Records) {
		return nil, fmt.Errorf("%w: %d records not covered by any page header", protocol.ErrInvalidFieldValue, len(v.Records)-next)
	}
	return out, nil
}

func encodeManufacturingPages(v *ManufacturingPages) ([]byte, error) {
	const textRoom = protocol.PageSize - protocol.PageHeaderSize - 8 - 2
	out := make([]byte, 0, len(v.Headers)*protocol.PageSize)
	next := 0
	for _, h := range v.Headers {
		page := make([]byte, protocol.PageSize)
		copy(page, EncodePageHeader(h))
		switch h.RecordCount {
		case 0:
		case 1:
			if next >= len(v.Records) {
				return nil, fmt.Errorf("%w: page %d declares a record, none left", protocol.ErrInvalidFieldValue, h.PageNumber)
			}
			rec := v.Records[next]
			next++
			if len(rec.Text) > textRoom {
				return nil, fmt.Errorf("%w: %d bytes of text exceed %d", protocol.ErrInvalidFieldValue, len(rec.Text), textRoom)
			}
			// The text is NUL-terminated on the wire.
			if strings.IndexByte(rec.Text, 0) >= 0 {
				return nil, fmt.Errorf("%w: manufacturing text on page %d contains a NUL byte", protocol.ErrInvalidFieldValue, h.PageNumber)
			}
			body := page[protocol.PageHeaderSize:]
			if err := putDeviceTimes(body, rec.InternalSeconds, rec.LocalSeconds); err != nil {
				return nil, fmt.Errorf("manufacturing page %d: %w", h.PageNumber, err)
			}
			copy(body[8:], rec.Text)
			copy(body[len(body)-2:], rec.Trailer[:])
		default:
			return nil, fmt.Errorf("%w: manufacturing page %d declares %d records", protocol.ErrInvalidFieldValue, h.PageNumber, h.RecordCount)
		}
		out = append(out, page...)
	}
	if next != len(v.Records) {
		return nil, fmt.Errorf("%w: %d records not covered by any page header", protocol.ErrInvalidFieldValue, len(v.Records)-next)
	}
	return out, nil
}
