package parser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/adc68/blood-shepherd/internal/codec"
	"github.com/adc68/blood-shepherd/internal/models"
	"github.com/adc68/blood-shepherd/internal/protocol"
)

// DecodeGlucoseRecord decodes one 13-byte EGV record. The page and record
// numbers are not part of the record and come from the page it was read from.
func DecodeGlucoseRecord(b []byte, pageNumber, recordNumber uint32) (models.GlucoseRecord, error) {
	var rec models.GlucoseRecord
	if len(b) < protocol.GlucoseRecordSize {
		return rec, fmt.Errorf("%w: glucose record needs %d bytes, have %d", protocol.ErrTruncatedPayload, protocol.GlucoseRecordSize, len(b))
	}
	r := codec.NewReader(b[:protocol.GlucoseRecordSize])
	internal, _ := r.U32()
	local, _ := r.U32()
	value, _ := r.U16()
	trend, _ := r.U8()
	trailer, _ := r.Bytes(2)

	rec = models.GlucoseRecord{
		InternalSeconds:       deviceTime(internal),
		LocalSeconds:          deviceLocalTime(local),
		GlucoseValueWithFlags: value,
		TrendArrowAndNoise:    trend,
		RecordNumber:          recordNumber,
		PageNumber:            pageNumber,
	}
	copy(rec.Trailer[:], trailer)
	return rec, nil
}

// DecodeManufacturingRecord decodes the single record of a ManufacturingData
// page body: two timestamps, NUL-terminated text, zero padding, and a
// two-byte trailer occupying the last bytes of the body.
func DecodeManufacturingRecord(body []byte, pageNumber uint32) (models.ManufacturingRecord, error) {
	var rec models.ManufacturingRecord
	if len(body) < 8+2 {
		return rec, fmt.Errorf("%w: manufacturing record needs at least 10 bytes, have %d", protocol.ErrTruncatedPayload, len(body))
	}
	r := codec.NewReader(body[:len(body)-2])
	internal, _ := r.U32()
	local, _ := r.U32()
	blob, _ := r.Bytes(r.Len())
	if i := bytes.IndexByte(blob, 0); i >= 0 {
		blob = blob[:i]
	}
	text, err := codec.NewReader(blob).Text(len(blob), codec.UTF8)
	if err != nil {
		return rec, classify(err, "manufacturing text")
	}

	rec = models.ManufacturingRecord{
		InternalSeconds: deviceTime(internal),
		LocalSeconds:    deviceLocalTime(local),
		Text:            text,
		PageNumber:      pageNumber,
	}
	copy(rec.Trailer[:], body[len(body)-2:])
	return rec, nil
}

func deviceTime(offset uint32) time.Time {
	return protocol.DeviceEpoch.Add(time.Duration(offset) * time.Second)
}

func deviceLocalTime(offset uint32) time.Time {
	return deviceTime(offset).In(protocol.DeviceLocal)
}

// maxDeviceOffset is the last second a 32-bit device timestamp can hold.
const maxDeviceOffset = time.Duration(math.MaxUint32) * time.Second

// deviceOffset converts t back to seconds since the device epoch. Times the
// wire format cannot hold exactly are rejected.
func deviceOffset(t time.Time, field string) (uint32, error) {
	d := t.Sub(protocol.DeviceEpoch)
	switch {
	case d < 0 || d > maxDeviceOffset:
		return 0, fmt.Errorf("%w: %s %s outside the device clock range", protocol.ErrInvalidFieldValue, field, t.Format(time.RFC3339))
	case d%time.Second != 0:
		return 0, fmt.Errorf("%w: %s %s has sub-second precision", protocol.ErrInvalidFieldValue, field, t.Format(time.RFC3339Nano))
	}
	return uint32(d / time.Second), nil
}

// putDeviceTimes writes the internal and local timestamps into buf[0:8].
func putDeviceTimes(buf []byte, internal, local time.Time) error {
	in, err := deviceOffset(internal, "internal time")
	if err != nil {
		return err
	}
	lo, err := deviceOffset(local, "local time")
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[0:4], in)
	binary.LittleEndian.PutUint32(buf[4:8], lo)
	return nil
}
