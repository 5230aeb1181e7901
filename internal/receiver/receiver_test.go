package receiver

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/adc68/blood-shepherd/internal/frame"
	"github.com/adc68/blood-shepherd/internal/models"
	"github.com/adc68/blood-shepherd/internal/parser"
	"github.com/adc68/blood-shepherd/internal/protocol"
	"github.com/adc68/blood-shepherd/internal/testutil"
)

const firmware = "<FirmwareHeader SchemaVersion='1' ApiVersion='2.2.0.0' TestApiVersion='2.4.0.0' ProductId='G4Receiver' ProductName='Dexcom G4 Receiver' SoftwareNumber='SW10050' FirmwareVersion='2.0.1.104' PortVersion='4.6.4.45' RFVersion='1.0.0.27' DexBootVersion='3'/>"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(bytes.NewBuffer(nil))
	return l
}

func source(t *testing.T, fixture string) frame.ByteSource {
	return frame.StreamSource{R: bytes.NewReader(testutil.LoadHex(t, fixture))}
}

type recorder struct {
	read   map[parser.Kind]int
	failed []error
}

func (r *recorder) FrameRead(kind parser.Kind, _ int) {
	if r.read == nil {
		r.read = make(map[parser.Kind]int)
	}
	r.read[kind]++
}

func (r *recorder) ReadFailed(_ parser.Kind, err error) { r.failed = append(r.failed, err) }

func TestReaderDispatchesCapturedFrames(t *testing.T) {
	obs := &recorder{}
	r := NewReader(WithObserver(obs), WithLogger(quietLogger()))

	text, err := ReadAs[*parser.Text](r, parser.KindText, source(t, "frames/firmware_header.hex"))
	require.NoError(t, err)
	require.Equal(t, firmware, text.Value)

	pr, err := ReadAs[*parser.PageRange](r, parser.KindPageRange, source(t, "frames/page_range.hex"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), pr.FirstPage)
	require.Equal(t, uint32(2), pr.LastPage)

	mp, err := ReadAs[*parser.ManufacturingPages](r, parser.KindManufacturingPages, source(t, "frames/manufacturing_pages.hex"))
	require.NoError(t, err)
	require.Len(t, mp.Records, 1)

	gp, err := ReadAs[*parser.GlucosePages](r, parser.KindGlucosePages, source(t, "frames/glucose_pages.hex"))
	require.NoError(t, err)
	require.Len(t, gp.Records, 152)

	require.Equal(t, 1, obs.read[parser.KindGlucosePages])
	require.Empty(t, obs.failed)
}

func TestReaderPropagatesFailures(t *testing.T) {
	obs := &recorder{}
	r := NewReader(WithObserver(obs), WithLogger(quietLogger()))

	raw := testutil.LoadHex(t, "frames/page_range.hex")
	raw[5] ^= 0xFF
	resp, err := r.Read(parser.KindPageRange, frame.StreamSource{R: bytes.NewReader(raw)})
	require.ErrorIs(t, err, protocol.ErrChecksumMismatch)
	require.Nil(t, resp)

	// A valid frame whose payload is too short for the kind.
	short, err := frame.Encode(protocol.SOF, byte(protocol.Ack), []byte{1, 0, 0})
	require.NoError(t, err)
	_, err = r.Read(parser.KindPageRange, frame.StreamSource{R: bytes.NewReader(short)})
	require.ErrorIs(t, err, protocol.ErrTruncatedPayload)
	var re *frame.ReadError
	require.True(t, errors.As(err, &re))
	require.Equal(t, frame.Dispatching, re.State)

	require.Len(t, obs.failed, 2)
}

func TestReaderAckCheck(t *testing.T) {
	nak, err := frame.Encode(protocol.SOF, byte(protocol.InvalidParam), nil)
	require.NoError(t, err)

	_, err = NewReader(WithAckCheck(), WithLogger(quietLogger())).Read(parser.KindOpaque, frame.StreamSource{R: bytes.NewReader(nak)})
	require.ErrorIs(t, err, protocol.ErrNotAcknowledged)
	require.Contains(t, err.Error(), "invalid param")

	resp, err := NewReader(WithLogger(quietLogger())).Read(parser.KindOpaque, frame.StreamSource{R: bytes.NewReader(nak)})
	require.NoError(t, err)
	require.Empty(t, resp.(*parser.Opaque).Payload)
}

func TestReadAsTypeMismatch(t *testing.T) {
	_, err := ReadAs[*parser.Text](NewReader(WithLogger(quietLogger())), parser.KindOpaque, source(t, "frames/firmware_header.hex"))
	require.ErrorIs(t, err, protocol.ErrUnknownKind)
}

// capture records request frames and delegates to an emulator.
type capture struct {
	*Emulator
	requests [][]byte
}

func (c *capture) Write(p []byte) (int, error) {
	c.requests = append(c.requests, append([]byte(nil), p...))
	return c.Emulator.Write(p)
}

func fixtureEmulator(t *testing.T) *Emulator {
	t.Helper()
	e := NewEmulator(firmware, quietLogger())
	for _, fixture := range []string{"frames/manufacturing_pages.hex", "frames/glucose_pages.hex"} {
		raw := testutil.LoadHex(t, fixture)
		require.NoError(t, e.LoadPages(raw[protocol.HeaderSize:len(raw)-protocol.TrailerSize]))
	}
	return e
}

func TestClientRequestFrames(t *testing.T) {
	port := &capture{Emulator: fixtureEmulator(t)}
	c := NewClient(port, nil, 0, quietLogger())
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	_, err := c.PageRange(ctx, protocol.EGVData)
	require.NoError(t, err)
	_, err = c.Pages(ctx, protocol.EGVData, 1465, 2, parser.KindGlucosePages)
	require.NoError(t, err)

	require.Equal(t, []byte{0x01, 0x06, 0x00, 0x0A}, port.requests[0][:4])
	require.Equal(t, []byte{0x01, 0x07, 0x00, 0x10, 0x04}, port.requests[1][:5])
	require.Equal(t, []byte{0x01, 0x0C, 0x00, 0x11, 0x04, 0xB9, 0x05, 0x00, 0x00, 0x02}, port.requests[2][:10])
	for _, req := range port.requests {
		_, err := frame.Read(frame.StreamSource{R: bytes.NewReader(req)})
		require.NoError(t, err)
	}
}

func TestClientFirmwareAndManufacturing(t *testing.T) {
	c := NewClient(fixtureEmulator(t), nil, 0, quietLogger())
	ctx := context.Background()

	fw, err := c.FirmwareHeader(ctx)
	require.NoError(t, err)
	require.Equal(t, "Dexcom G4 Receiver", fw.ProductName)

	params, err := c.ManufacturingParameters(ctx)
	require.NoError(t, err)
	require.Equal(t, "sm30140752", params.SerialNumber)
}

func TestClientGlucoseRecordsCursor(t *testing.T) {
	c := NewClient(fixtureEmulator(t), nil, 0, quietLogger())
	ctx := context.Background()

	all, err := c.GlucoseRecords(ctx, Cursor{})
	require.NoError(t, err)
	require.Len(t, all, 152)
	require.Equal(t, uint32(55670), all[0].RecordNumber)

	newer, err := c.GlucoseRecords(ctx, Cursor{RecordNumber: 55800, Valid: true})
	require.NoError(t, err)
	require.Len(t, newer, 21)
	require.Equal(t, uint32(55801), newer[0].RecordNumber)
	require.Equal(t, uint32(55821), newer[len(newer)-1].RecordNumber)

	none, err := c.GlucoseRecords(ctx, Cursor{RecordNumber: 55821, Valid: true})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestClientRejectsUnknownPages(t *testing.T) {
	c := NewClient(fixtureEmulator(t), nil, 0, quietLogger())
	_, err := c.Pages(context.Background(), protocol.EGVData, 9999, 1, parser.KindGlucosePages)
	require.ErrorIs(t, err, protocol.ErrNotAcknowledged)

	_, err = c.Pages(context.Background(), protocol.EGVData, 1465, 5, parser.KindGlucosePages)
	require.ErrorIs(t, err, protocol.ErrInvalidFieldValue)
}

// syntheticPages builds count EGV pages of perPage sealed records each,
// starting at page firstPage.
func syntheticPages(t *testing.T, firstPage uint32, count, perPage int) []byte {
	t.Helper()
	var out []byte
	next := uint32(1000)
	for p := 0; p < count; p++ {
		pages := &parser.GlucosePages{Headers: []models.PageHeader{{
			FirstRecordIndex: next,
			RecordCount:      uint32(perPage),
			RecordType:       protocol.EGVData,
			Revision:         2,
			PageNumber:       firstPage + uint32(p),
		}}}
		for i := 0; i < perPage; i++ {
			at := protocol.DeviceEpoch.Add(time.Duration(next) * 5 * time.Minute)
			rec, err := parser.SealGlucoseRecord(models.GlucoseRecord{
				InternalSeconds:       at,
				LocalSeconds:          at.In(protocol.DeviceLocal),
				GlucoseValueWithFlags: uint16(80 + i),
				TrendArrowAndNoise:    0x14,
			})
			require.NoError(t, err)
			pages.Records = append(pages.Records, rec)
			next++
		}
		payload, err := parser.Encode(pages)
		require.NoError(t, err)
		out = append(out, payload...)
	}
	return out
}

func TestClientGlucoseRecordsChunks(t *testing.T) {
	e := NewEmulator(firmware, quietLogger())
	require.NoError(t, e.LoadPages(syntheticPages(t, 100, 10, 3)))
	port := &capture{Emulator: e}
	ctx := context.Background()

	all, err := NewClient(port, nil, 0, quietLogger()).GlucoseRecords(ctx, Cursor{})
	require.NoError(t, err)
	require.Len(t, all, 30)
	for i := 1; i < len(all); i++ {
		require.Equal(t, all[i-1].RecordNumber+1, all[i].RecordNumber)
	}
	// page range + pages 106-109, 102-105, 100-101
	require.Len(t, port.requests, 4)

	port.requests = nil
	recent, err := NewClient(port, nil, 0, quietLogger()).GlucoseRecords(ctx, Cursor{RecordNumber: 1025, Valid: true})
	require.NoError(t, err)
	require.Len(t, recent, 4)
	require.Len(t, port.requests, 2, "newest chunk already reaches the cursor")

	port.requests = nil
	bounded, err := NewClient(port, nil, 2, quietLogger()).GlucoseRecords(ctx, Cursor{})
	require.NoError(t, err)
	require.Len(t, bounded, 6)
	require.Equal(t, uint32(1024), bounded[0].RecordNumber)
}

func TestClientHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewClient(fixtureEmulator(t), nil, 0, quietLogger()).Ping(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEmulatorServe(t *testing.T) {
	e := fixtureEmulator(t)
	ping, err := frame.Encode(protocol.SOF, protocol.CmdPing, nil)
	require.NoError(t, err)
	bogus, err := frame.Encode(protocol.SOF, 0x7E, nil)
	require.NoError(t, err)

	link := &loopback{in: bytes.NewBuffer(append(ping, bogus...))}
	err = e.Serve(context.Background(), link)
	require.ErrorIs(t, err, protocol.ErrTransport)

	r := NewReader(WithLogger(quietLogger()))
	src := frame.StreamSource{R: &link.out}
	f, err := frame.Read(src)
	require.NoError(t, err)
	require.Equal(t, byte(protocol.Ack), f.Command)
	_, err = r.Read(parser.KindOpaque, src)
	require.NoError(t, err)
}

type loopback struct {
	in  *bytes.Buffer
	out bytes.Buffer
}

func (l *loopback) ReadExactly(n int) ([]byte, error) {
	return frame.StreamSource{R: l.in}.ReadExactly(n)
}

func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }
