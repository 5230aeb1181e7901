package models

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/adc68/blood-shepherd/internal/protocol"
)

// PageHeader is the metadata block at the start of every database page.
type PageHeader struct {
	FirstRecordIndex uint32              `json:"first_record_index"`
	RecordCount      uint32              `json:"record_count"`
	RecordType       protocol.RecordType `json:"record_type"`
	Revision         uint8               `json:"revision"`
	PageNumber       uint32              `json:"page_number"`
	Reserved         [3]uint32           `json:"-"`
	CRC              uint16              `json:"-"`
}

// Page is a database page whose records have not been interpreted.
type Page struct {
	Header PageHeader `json:"header"`
	Body   []byte     `json:"body"`
}

// GlucoseRecord is one estimated glucose value (EGV) reading.
type GlucoseRecord struct {
	// InternalSeconds comes from the receiver's monotonic clock, UTC.
	InternalSeconds time.Time `json:"internal_seconds"`
	// LocalSeconds is the wall-clock time shown on the receiver. Its zone is
	// unknown and it is labelled protocol.DeviceLocal, not UTC.
	LocalSeconds          time.Time `json:"local_seconds"`
	GlucoseValueWithFlags uint16    `json:"glucose_value_with_flags"`
	TrendArrowAndNoise    uint8     `json:"trend_arrow_and_noise"`
	RecordNumber          uint32    `json:"record_number"`
	PageNumber            uint32    `json:"page_number"`
	// Trailer holds the record's last two bytes verbatim. G4 receivers store
	// the record checksum there.
	Trailer [2]byte `json:"-"`
}

// GlucoseValue is the magnitude part of GlucoseValueWithFlags.
func (r GlucoseRecord) GlucoseValue() uint16 {
	return r.GlucoseValueWithFlags & protocol.GlucoseValueMask
}

// Flags returns the status bits above the glucose magnitude, unshifted.
func (r GlucoseRecord) Flags() uint16 {
	return r.GlucoseValueWithFlags &^ protocol.GlucoseValueMask
}

// TrendArrow is the low nibble of TrendArrowAndNoise.
func (r GlucoseRecord) TrendArrow() uint8 {
	return r.TrendArrowAndNoise & 0x0F
}

// Noise is the high nibble of TrendArrowAndNoise.
func (r GlucoseRecord) Noise() uint8 {
	return r.TrendArrowAndNoise >> 4
}

// ManufacturingRecord carries the hardware identity text of a receiver.
type ManufacturingRecord struct {
	InternalSeconds time.Time `json:"internal_seconds"`
	LocalSeconds    time.Time `json:"local_seconds"`
	Text            string    `json:"text"`
	PageNumber      uint32    `json:"page_number"`
	Trailer         [2]byte   `json:"-"`
}

// ManufacturingParameters are the attributes of a ManufacturingRecord.
type ManufacturingParameters struct {
	SerialNumber       string `xml:"SerialNumber,attr" json:"serial_number"`
	HardwarePartNumber string `xml:"HardwarePartNumber,attr" json:"hardware_part_number"`
	HardwareRevision   string `xml:"HardwareRevision,attr" json:"hardware_revision"`
	DateTimeCreated    string `xml:"DateTimeCreated,attr" json:"date_time_created"`
	HardwareID         string `xml:"HardwareId,attr" json:"hardware_id"`
}

// Parameters parses the record text.
func (r ManufacturingRecord) Parameters() (ManufacturingParameters, error) {
	var p ManufacturingParameters
	if err := xml.Unmarshal([]byte(r.Text), &p); err != nil {
		return p, fmt.Errorf("%w: manufacturing parameters: %v", protocol.ErrInvalidFieldValue, err)
	}
	return p, nil
}

// FirmwareHeader is returned by the ReadFirmwareHeader command.
type FirmwareHeader struct {
	SchemaVersion   string `xml:"SchemaVersion,attr" json:"schema_version"`
	APIVersion      string `xml:"ApiVersion,attr" json:"api_version"`
	TestAPIVersion  string `xml:"TestApiVersion,attr" json:"test_api_version"`
	ProductID       string `xml:"ProductId,attr" json:"product_id"`
	ProductName     string `xml:"ProductName,attr" json:"product_name"`
	SoftwareNumber  string `xml:"SoftwareNumber,attr" json:"software_number"`
	FirmwareVersion string `xml:"FirmwareVersion,attr" json:"firmware_version"`
	PortVersion     string `xml:"PortVersion,attr" json:"port_version"`
	RFVersion       string `xml:"RFVersion,attr" json:"rf_version"`
	DexBootVersion  string `xml:"DexBootVersion,attr" json:"dex_boot_version"`
}

// ParseFirmwareHeader parses the text payload of a firmware header response.
func ParseFirmwareHeader(text string) (FirmwareHeader, error) {
	var h FirmwareHeader
	if err := xml.Unmarshal([]byte(text), &h); err != nil {
		return h, fmt.Errorf("%w: firmware header: %v", protocol.ErrInvalidFieldValue, err)
	}
	return h, nil
}

// Message types published to sinks.
const (
	MsgTypeGlucose = "glucose"
	MsgTypeState   = "state"
)

// Device states published on the state topic.
const (
	DeviceStateOnline  = "online"
	DeviceStateOffline = "offline"
)

// Envelope wraps every payload handed to a sink.
type Envelope struct {
	DeviceID  string    `json:"device_id"`
	Model     string    `json:"model"`
	MsgType   string    `json:"msg_type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

func NewEnvelope(deviceID, model, msgType string, data any) *Envelope {
	return &Envelope{
		DeviceID:  deviceID,
		Model:     model,
		MsgType:   msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// GlucoseReading is the published form of a GlucoseRecord.
type GlucoseReading struct {
	RecordNumber uint32    `json:"record_number"`
	SystemTime   time.Time `json:"system_time"`
	DisplayTime  string    `json:"display_time"`
	Value        uint16    `json:"value"`
	Flags        uint16    `json:"flags"`
	Trend        uint8     `json:"trend"`
	Noise        uint8     `json:"noise"`
}

// displayTimeLayout omits the zone since the receiver clock has none.
const displayTimeLayout = "2006-01-02T15:04:05"

func (r GlucoseRecord) Reading() GlucoseReading {
	return GlucoseReading{
		RecordNumber: r.RecordNumber,
		SystemTime:   r.InternalSeconds.UTC(),
		DisplayTime:  r.LocalSeconds.Format(displayTimeLayout),
		Value:        r.GlucoseValue(),
		Flags:        r.Flags(),
		Trend:        r.TrendArrow(),
		Noise:        r.Noise(),
	}
}

// GlucoseBatch is the unit handed to sinks after a sync pass.
type GlucoseBatch struct {
	SerialNumber string
	Model        string
	Records      []GlucoseRecord
}

// Readings converts every record of the batch.
func (b GlucoseBatch) Readings() []GlucoseReading {
	out := make([]GlucoseReading, len(b.Records))
	for i, r := range b.Records {
		out[i] = r.Reading()
	}
	return out
}

// Last returns the newest record number in the batch.
func (b GlucoseBatch) Last() uint32 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[len(b.Records)-1].RecordNumber
}
