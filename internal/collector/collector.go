// Package collector pulls new glucose records from a receiver and hands
// them to every configured sink.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adc68/blood-shepherd/internal/models"
	"github.com/adc68/blood-shepherd/internal/receiver"
)

// Receiver is the subset of receiver.Client a sync pass needs.
type Receiver interface {
	Ping(ctx context.Context) error
	ManufacturingParameters(ctx context.Context) (models.ManufacturingParameters, error)
	GlucoseRecords(ctx context.Context, cursor receiver.Cursor) ([]models.GlucoseRecord, error)
}

// Sink accepts a batch of records. A nil error means the batch is durable
// on the sink's side.
type Sink interface {
	Name() string
	Publish(ctx context.Context, batch models.GlucoseBatch) error
}

// Recorder receives pass statistics.
type Recorder interface {
	SyncPass(result string, d time.Duration)
	Decoded(n int)
	Published(sink string, n int)
	Cursor(recordNumber uint32)
}

type nopRecorder struct{}

func (nopRecorder) SyncPass(string, time.Duration) {}
func (nopRecorder) Decoded(int)                    {}
func (nopRecorder) Published(string, int)          {}
func (nopRecorder) Cursor(uint32)                  {}

// Option configures a Collector.
type Option func(*Collector)

// WithSerialNumber skips reading the serial number from the receiver.
func WithSerialNumber(serial string) Option {
	return func(c *Collector) { c.serial = serial }
}

func WithRecorder(r Recorder) Option {
	return func(c *Collector) { c.recorder = r }
}

// WithCursor resumes after a record already delivered.
func WithCursor(cursor receiver.Cursor) Option {
	return func(c *Collector) { c.cursor = cursor }
}

func WithModel(model string) Option {
	return func(c *Collector) { c.model = model }
}

// Collector is not safe for concurrent use; Run serializes passes.
type Collector struct {
	recv     Receiver
	sinks    []Sink
	recorder Recorder
	serial   string
	model    string
	cursor   receiver.Cursor
	log      *logrus.Entry
}

func New(recv Receiver, sinks []Sink, log *logrus.Logger, opts ...Option) *Collector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Collector{
		recv:     recv,
		sinks:    sinks,
		recorder: nopRecorder{},
		log:      log.WithField("component", "collector"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddSink appends a sink. Sinks are usually created after Identify, once
// the serial number is known.
func (c *Collector) AddSink(s Sink) {
	c.sinks = append(c.sinks, s)
}

func (c *Collector) Cursor() receiver.Cursor { return c.cursor }

// Identify returns the receiver serial number, reading it once.
func (c *Collector) Identify(ctx context.Context) (string, error) {
	if c.serial != "" {
		return c.serial, nil
	}
	params, err := c.recv.ManufacturingParameters(ctx)
	if err != nil {
		return "", fmt.Errorf("identify receiver: %w", err)
	}
	if params.SerialNumber == "" {
		return "", errors.New("identify receiver: empty serial number")
	}
	c.serial = params.SerialNumber
	c.log.WithFields(logrus.Fields{
		"serial_number": params.SerialNumber,
		"hardware_part": params.HardwarePartNumber,
		"hardware_rev":  params.HardwareRevision,
	}).Info("receiver identified")
	return c.serial, nil
}

// Once runs a single sync pass and returns how many records were delivered.
// The cursor only advances when every sink accepted the batch.
func (c *Collector) Once(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := c.once(ctx)
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case n == 0:
		result = "empty"
	}
	c.recorder.SyncPass(result, time.Since(start))
	return n, err
}

func (c *Collector) once(ctx context.Context) (int, error) {
	if err := c.recv.Ping(ctx); err != nil {
		return 0, fmt.Errorf("ping: %w", err)
	}
	serial, err := c.Identify(ctx)
	if err != nil {
		return 0, err
	}
	records, err := c.recv.GlucoseRecords(ctx, c.cursor)
	if err != nil {
		return 0, fmt.Errorf("read glucose records: %w", err)
	}
	c.recorder.Decoded(len(records))
	if len(records) == 0 {
		c.log.Debug("no new records")
		return 0, nil
	}

	batch := models.GlucoseBatch{SerialNumber: serial, Model: c.model, Records: records}
	var errs []error
	for _, s := range c.sinks {
		if err := s.Publish(ctx, batch); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", s.Name(), err))
			continue
		}
		c.recorder.Published(s.Name(), len(records))
	}
	if err := errors.Join(errs...); err != nil {
		return 0, err
	}

	c.cursor = receiver.Cursor{RecordNumber: batch.Last(), Valid: true}
	c.recorder.Cursor(c.cursor.RecordNumber)
	last := records[len(records)-1]
	c.log.WithFields(logrus.Fields{
		"records": len(records),
		"cursor":  c.cursor.RecordNumber,
		"value":   last.GlucoseValue(),
		"trend":   last.TrendArrow(),
	}).Info("sync pass delivered records")
	return len(records), nil
}

// Run calls Once immediately and then every interval until ctx is done.
// Failed passes are logged and counted, never fatal.
func (c *Collector) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.Once(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.WithError(err).Error("sync pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
