// Package protocol holds the constants and error taxonomy shared by the
// receiver frame reader and the response decoders.
package protocol

import "time"

// Frame layout.
const (
	HeaderSize  = 4
	TrailerSize = 2
	MinFrameLen = HeaderSize + TrailerSize
	MaxFrameLen = 0xFFFF

	// SOF is the first byte of every request frame and is echoed by the
	// receiver in the first byte of each response.
	SOF byte = 0x01
)

// Command identifiers for requests.
const (
	CmdPing                  byte = 0x0A
	CmdReadFirmwareHeader    byte = 0x0B
	CmdReadDatabasePageRange byte = 0x10
	CmdReadDatabasePages     byte = 0x11
)

// AckCode is the response code a receiver places in the command byte.
type AckCode byte

const (
	Ack               AckCode = 0x01
	Nak               AckCode = 0x02
	InvalidCommand    AckCode = 0x03
	InvalidParam      AckCode = 0x04
	IncompleteCommand AckCode = 0x05
	ReceiverError     AckCode = 0x06
	InvalidMode       AckCode = 0x07
)

func (c AckCode) String() string {
	switch c {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	case InvalidCommand:
		return "invalid command"
	case InvalidParam:
		return "invalid param"
	case IncompleteCommand:
		return "incomplete command"
	case ReceiverError:
		return "receiver error"
	case InvalidMode:
		return "invalid mode"
	default:
		return "unknown"
	}
}

// Database page layout.
const (
	PageSize       = 528
	PageHeaderSize = 28
	// PageHeaderCRCOffset is where the header checksum starts; the checksum
	// covers every header byte before it.
	PageHeaderCRCOffset = 26

	GlucoseRecordSize = 13
	// MaxPagesPerRequest is the largest page count the receiver accepts in a
	// single ReadDatabasePages request.
	MaxPagesPerRequest = 4

	// NoPage is reported for both ends of a page range when the partition
	// holds no pages.
	NoPage uint32 = 0xFFFFFFFF

	// SentinelByte fills unused telemetry record slots.
	SentinelByte byte = 0xFF
)

// GlucoseValueMask separates the glucose magnitude from the status flags
// in a record's value field. The remaining high bits are left opaque.
const GlucoseValueMask uint16 = 0x03FF

// DeviceEpoch is the zero point of every timestamp offset stored on the
// receiver.
var DeviceEpoch = time.Date(2009, time.January, 1, 0, 0, 0, 0, time.UTC)

// DeviceLocal labels wall-clock timestamps whose zone the receiver does not
// record. It has no offset from the epoch but must not be read as UTC.
var DeviceLocal = time.FixedZone("DEVICE", 0)

// RecordType identifies the partition a database page belongs to.
type RecordType uint8

const (
	ManufacturingData     RecordType = 0
	FirmwareParameterData RecordType = 1
	PCSoftwareParameter   RecordType = 2
	SensorData            RecordType = 3
	EGVData               RecordType = 4
	CalSet                RecordType = 5
	Aberration            RecordType = 6
	InsertionTime         RecordType = 7
	ReceiverLogData       RecordType = 8
	ReceiverErrorData     RecordType = 9
	MeterData             RecordType = 10
	UserEventData         RecordType = 11
	UserSettingData       RecordType = 12
)

var recordTypeNames = [...]string{
	ManufacturingData:     "ManufacturingData",
	FirmwareParameterData: "FirmwareParameterData",
	PCSoftwareParameter:   "PCSoftwareParameter",
	SensorData:            "SensorData",
	EGVData:               "EGVData",
	CalSet:                "CalSet",
	Aberration:            "Aberration",
	InsertionTime:         "InsertionTime",
	ReceiverLogData:       "ReceiverLogData",
	ReceiverErrorData:     "ReceiverErrorData",
	MeterData:             "MeterData",
	UserEventData:         "UserEventData",
	UserSettingData:       "UserSettingData",
}

func (t RecordType) String() string {
	if int(t) < len(recordTypeNames) {
		return recordTypeNames[t]
	}
	return "Unknown"
}
