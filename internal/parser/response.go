package parser

import (
	"github.com/adc68/blood-shepherd/internal/models"
	"github.com/adc68/blood-shepherd/internal/protocol"
)

// Kind names the decoder a frame payload is dispatched to.
type Kind int

const (
	KindOpaque Kind = iota
	KindText
	KindPageRange
	KindDatabasePages
	KindManufacturingPages
	KindGlucosePages
)

func (k Kind) String() string {
	switch k {
	case KindOpaque:
		return "opaque"
	case KindText:
		return "text"
	case KindPageRange:
		return "page_range"
	case KindDatabasePages:
		return "database_pages"
	case KindManufacturingPages:
		return "manufacturing_pages"
	case KindGlucosePages:
		return "glucose_pages"
	default:
		return "unknown"
	}
}

// ParseKind maps a Kind name back to its value.
func ParseKind(s string) (Kind, bool) {
	for k := KindOpaque; k <= KindGlucosePages; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Response is a decoded frame payload. The set of implementations is closed.
type Response interface {
	Kind() Kind
	response()
}

// Opaque keeps the payload bytes uninterpreted.
type Opaque struct {
	Payload []byte
}

// Text is a payload holding UTF-8 text, usually XML-like attributes.
type Text struct {
	Value string
}

// FirmwareHeader parses the text as a firmware header.
func (t *Text) FirmwareHeader() (models.FirmwareHeader, error) {
	return models.ParseFirmwareHeader(t.Value)
}

// PageRange is the first and last page of one database partition.
type PageRange struct {
	FirstPage uint32
	LastPage  uint32
}

// Empty reports whether the partition holds no pages.
func (r *PageRange) Empty() bool {
	return r.FirstPage == protocol.NoPage && r.LastPage == protocol.NoPage
}

// Count returns the number of pages in the range. It is 64-bit since a
// range spanning every page number holds 2^32 pages.
func (r *PageRange) Count() uint64 {
	if r.Empty() {
		return 0
	}
	return uint64(r.LastPage) - uint64(r.FirstPage) + 1
}

// DatabasePages holds pages with their bodies left undecoded.
type DatabasePages struct {
	Pages []models.Page
}

// ManufacturingPages holds the metadata text records of ManufacturingData pages.
type ManufacturingPages struct {
	Headers []models.PageHeader
	Records []models.ManufacturingRecord
}

// GlucosePages holds the EGV records of one or more pages in wire order.
type GlucosePages struct {
	Headers []models.PageHeader
	Records []models.GlucoseRecord
}

func (*Opaque) Kind() Kind             { return KindOpaque }
func (*Text) Kind() Kind               { return KindText }
func (*PageRange) Kind() Kind          { return KindPageRange }
func (*DatabasePages) Kind() Kind      { return KindDatabasePages }
func (*ManufacturingPages) Kind() Kind { return KindManufacturingPages }
func (*GlucosePages) Kind() Kind       { return KindGlucosePages }

func (*Opaque) response()             {}
func (*Text) response()               {}
func (*PageRange) response()          {}
func (*DatabasePages) response()      {}
func (*ManufacturingPages) response() {}
func (*GlucosePages) response()       {}
