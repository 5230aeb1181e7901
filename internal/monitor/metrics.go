// Package monitor exposes Prometheus metrics for frame reads and sync
// passes, served next to a health endpoint.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/adc68/blood-shepherd/internal/parser"
	"github.com/adc68/blood-shepherd/internal/protocol"
)

// Metrics implements receiver.Observer and collector.Recorder.
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	mu       sync.Mutex
	lastPass time.Time
	result   string
	cursor   uint32

	FramesRead       *prometheus.CounterVec
	FrameBytes       prometheus.Counter
	FrameFailures    *prometheus.CounterVec
	RecordsDecoded   prometheus.Counter
	RecordsPublished *prometheus.CounterVec
	SyncPasses       *prometheus.CounterVec
	SyncDuration     prometheus.Histogram
	LastRecord       prometheus.Gauge
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
		FramesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receiver_frames_read_total",
			Help: "Frames read and decoded, by response kind.",
		}, []string{"kind"}),
		FrameBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receiver_payload_bytes_total",
			Help: "Payload bytes of successfully decoded frames.",
		}),
		FrameFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receiver_frame_failures_total",
			Help: "Failed frame reads, by response kind and error class.",
		}, []string{"kind", "class"}),
		RecordsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receiver_glucose_records_decoded_total",
			Help: "Glucose records newer than the cursor.",
		}),
		RecordsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receiver_glucose_records_published_total",
			Help: "Glucose records accepted by a sink.",
		}, []string{"sink"}),
		SyncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receiver_sync_passes_total",
			Help: "Sync passes, by result.",
		}, []string{"result"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "receiver_sync_duration_seconds",
			Help:    "Duration of a sync pass.",
			Buckets: prometheus.DefBuckets,
		}),
		LastRecord: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "receiver_last_record_number",
			Help: "Newest glucose record number handed to the sinks.",
		}),
	}
	m.registry.MustRegister(
		m.FramesRead,
		m.FrameBytes,
		m.FrameFailures,
		m.RecordsDecoded,
		m.RecordsPublished,
		m.SyncPasses,
		m.SyncDuration,
		m.LastRecord,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) FrameRead(kind parser.Kind, payloadLen int) {
	m.FramesRead.WithLabelValues(kind.String()).Inc()
	m.FrameBytes.Add(float64(payloadLen))
}

func (m *Metrics) ReadFailed(kind parser.Kind, err error) {
	m.FrameFailures.WithLabelValues(kind.String(), protocol.Class(err)).Inc()
}

func (m *Metrics) SyncPass(result string, d time.Duration) {
	m.SyncPasses.WithLabelValues(result).Inc()
	m.SyncDuration.Observe(d.Seconds())
	m.mu.Lock()
	m.lastPass, m.result = time.Now(), result
	m.mu.Unlock()
}

func (m *Metrics) Decoded(n int) { m.RecordsDecoded.Add(float64(n)) }

func (m *Metrics) Published(sink string, n int) {
	m.RecordsPublished.WithLabelValues(sink).Add(float64(n))
}

func (m *Metrics) Cursor(recordNumber uint32) {
	m.LastRecord.Set(float64(recordNumber))
	m.mu.Lock()
	m.cursor = recordNumber
	m.mu.Unlock()
}

// Handler serves /metrics and /health. /health reports the last sync pass.
func (m *Metrics) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})))
	r.GET("/health", func(c *gin.Context) {
		m.mu.Lock()
		defer m.mu.Unlock()
		body := gin.H{
			"status": "ok",
			"uptime": time.Since(m.started).Round(time.Second).String(),
			"cursor": m.cursor,
		}
		if !m.lastPass.IsZero() {
			body["last_pass"] = m.lastPass.UTC().Format(time.RFC3339)
			body["last_result"] = m.result
		}
		c.JSON(http.StatusOK, body)
	})
	return r
}

// Serve runs the metrics server on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *logrus.Logger) error {
	srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	log.WithField("addr", addr).Info("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
