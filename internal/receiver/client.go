package receiver

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/adc68/blood-shepherd/internal/frame"
	"github.com/adc68/blood-shepherd/internal/models"
	"github.com/adc68/blood-shepherd/internal/parser"
	"github.com/adc68/blood-shepherd/internal/protocol"
)

// Port is a full-duplex byte link to a receiver.
type Port interface {
	frame.ByteSource
	io.Writer
}

// Cursor marks the newest record already handed downstream.
type Cursor struct {
	RecordNumber uint32
	Valid        bool
}

// Includes reports whether a record number is newer than the cursor.
func (c Cursor) Includes(n uint32) bool {
	return !c.Valid || n > c.RecordNumber
}

// Client issues one request at a time and reads its response. It is not
// safe for concurrent use; the port belongs to the client for each call.
type Client struct {
	port     Port
	reader   *Reader
	maxPages int
	log      *logrus.Entry
}

// NewClient wraps port. maxPages bounds how many of the newest pages a
// record fetch without a cursor reads; zero reads the whole partition.
func NewClient(port Port, reader *Reader, maxPages int, log *logrus.Logger) *Client {
	if reader == nil {
		reader = NewReader(WithAckCheck())
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{port: port, reader: reader, maxPages: maxPages, log: log.WithField("component", "client")}
}

func (c *Client) request(ctx context.Context, cmd byte, payload []byte, kind parser.Kind) (parser.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := frame.Write(c.port, protocol.SOF, cmd, payload); err != nil {
		return nil, fmt.Errorf("send command 0x%02X: %w", cmd, err)
	}
	resp, err := c.reader.Read(kind, c.port)
	if err != nil {
		return nil, fmt.Errorf("command 0x%02X: %w", cmd, err)
	}
	return resp, nil
}

// Ping checks that the receiver answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, protocol.CmdPing, nil, parser.KindOpaque)
	return err
}

// FirmwareHeader reads and parses the firmware description.
func (c *Client) FirmwareHeader(ctx context.Context) (models.FirmwareHeader, error) {
	resp, err := c.request(ctx, protocol.CmdReadFirmwareHeader, nil, parser.KindText)
	if err != nil {
		return models.FirmwareHeader{}, err
	}
	return resp.(*parser.Text).FirmwareHeader()
}

// PageRange returns the first and last page of a record partition.
func (c *Client) PageRange(ctx context.Context, rt protocol.RecordType) (*parser.PageRange, error) {
	resp, err := c.request(ctx, protocol.CmdReadDatabasePageRange, []byte{byte(rt)}, parser.KindPageRange)
	if err != nil {
		return nil, err
	}
	return resp.(*parser.PageRange), nil
}

// Pages reads count consecutive pages starting at first and decodes them as kind.
func (c *Client) Pages(ctx context.Context, rt protocol.RecordType, first uint32, count int, kind parser.Kind) (parser.Response, error) {
	if count < 1 || count > protocol.MaxPagesPerRequest {
		return nil, fmt.Errorf("%w: page count %d outside 1..%d", protocol.ErrInvalidFieldValue, count, protocol.MaxPagesPerRequest)
	}
	payload := make([]byte, 6)
	payload[0] = byte(rt)
	binary.LittleEndian.PutUint32(payload[1:5], first)
	payload[5] = byte(count)
	return c.request(ctx, protocol.CmdReadDatabasePages, payload, kind)
}

// ManufacturingParameters reads the hardware identity from the newest
// ManufacturingData page.
func (c *Client) ManufacturingParameters(ctx context.Context) (models.ManufacturingParameters, error) {
	var none models.ManufacturingParameters
	pr, err := c.PageRange(ctx, protocol.ManufacturingData)
	if err != nil {
		return none, err
	}
	if pr.Empty() {
		return none, fmt.Errorf("%w: receiver reports no manufacturing pages", protocol.ErrInvalidFieldValue)
	}
	resp, err := c.Pages(ctx, protocol.ManufacturingData, pr.LastPage, 1, parser.KindManufacturingPages)
	if err != nil {
		return none, err
	}
	recs := resp.(*parser.ManufacturingPages).Records
	if len(recs) == 0 {
		return none, fmt.Errorf("%w: manufacturing page %d is empty", protocol.ErrInvalidFieldValue, pr.LastPage)
	}
	return recs[len(recs)-1].Parameters()
}

// GlucoseRecords returns the EGV records newer than cursor, oldest first.
// Pages are read newest first in chunks of MaxPagesPerRequest and reading
// stops once a chunk reaches the cursor.
func (c *Client) GlucoseRecords(ctx context.Context, cursor Cursor) ([]models.GlucoseRecord, error) {
	pr, err := c.PageRange(ctx, protocol.EGVData)
	if err != nil {
		return nil, err
	}
	if pr.Empty() {
		return nil, nil
	}

	lowest := pr.FirstPage
	if !cursor.Valid && c.maxPages > 0 && pr.Count() > uint64(c.maxPages) {
		lowest = pr.LastPage - uint32(c.maxPages) + 1
	}

	var chunks [][]models.GlucoseRecord
	end := pr.LastPage
	for {
		start := lowest
		if end-lowest+1 > protocol.MaxPagesPerRequest {
			start = end - protocol.MaxPagesPerRequest + 1
		}
		resp, err := c.Pages(ctx, protocol.EGVData, start, int(end-start+1), parser.KindGlucosePages)
		if err != nil {
			return nil, err
		}
		recs := resp.(*parser.GlucosePages).Records
		c.log.WithFields(logrus.Fields{"first_page": start, "last_page": end, "records": len(recs)}).Debug("glucose pages read")
		chunks = append(chunks, recs)

		reached := len(recs) > 0 && !cursor.Includes(recs[0].RecordNumber)
		if reached || start == lowest {
			break
		}
		end = start - 1
	}

	var out []models.GlucoseRecord
	for i := len(chunks) - 1; i >= 0; i-- {
		for _, rec := range chunks[i] {
			if cursor.Includes(rec.RecordNumber) {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}
