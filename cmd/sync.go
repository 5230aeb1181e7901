package main

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/adc68/blood-shepherd/internal/collector"
	"github.com/adc68/blood-shepherd/internal/config"
	"github.com/adc68/blood-shepherd/internal/monitor"
	"github.com/adc68/blood-shepherd/internal/mqtt"
	"github.com/adc68/blood-shepherd/internal/receiver"
	"github.com/adc68/blood-shepherd/internal/serial"
	"github.com/adc68/blood-shepherd/internal/storage"
)

var (
	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Poll the receiver and forward new glucose records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := afterCursor(syncAfter); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if syncPort != "" {
				cfg.Serial.Port = syncPort
			}
			return runSync(cmd.Context(), cfg)
		},
	}

	syncOnce    bool
	syncPort    string
	syncAfter   int64
	syncNoSinks bool
)

func init() {
	syncCmd.Flags().BoolVar(&syncOnce, "once", false, "run a single pass and exit")
	syncCmd.Flags().StringVarP(&syncPort, "port", "p", "", "serial port, overrides serial.port")
	syncCmd.Flags().Int64Var(&syncAfter, "after", -1, "only forward records newer than this record number")
	syncCmd.Flags().BoolVar(&syncNoSinks, "dry-run", false, "decode and log records without publishing")
}

// afterCursor turns the --after flag into a starting cursor. Negative
// values mean no cursor.
func afterCursor(after int64) (receiver.Cursor, error) {
	switch {
	case after < 0:
		return receiver.Cursor{}, nil
	case after > math.MaxUint32:
		return receiver.Cursor{}, fmt.Errorf("--after %d exceeds the largest record number %d", after, uint32(math.MaxUint32))
	}
	return receiver.Cursor{RecordNumber: uint32(after), Valid: true}, nil
}

func runSync(ctx context.Context, cfg *config.Config) error {
	log, logFile, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logFile.Close()

	metrics := monitor.NewMetrics()

	port, err := serial.OpenWithRetry(cfg.Serial, log)
	if err != nil {
		return err
	}
	defer port.Close()

	reader := receiver.NewReader(receiver.WithAckCheck(), receiver.WithObserver(metrics), receiver.WithLogger(log))
	client := receiver.NewClient(port, reader, cfg.Sync.MaxPages, log)

	if fw, err := client.FirmwareHeader(ctx); err != nil {
		log.WithError(err).Warn("read firmware header failed")
	} else {
		log.WithFields(logrus.Fields{
			"product":  fw.ProductName,
			"firmware": fw.FirmwareVersion,
			"api":      fw.APIVersion,
		}).Info("receiver firmware")
	}

	opts := []collector.Option{collector.WithRecorder(metrics), collector.WithModel(cfg.Device.Model)}
	if cfg.Device.SerialNumber != "" {
		opts = append(opts, collector.WithSerialNumber(cfg.Device.SerialNumber))
	}
	cursor, err := afterCursor(syncAfter)
	if err != nil {
		return err
	}
	if cursor.Valid {
		opts = append(opts, collector.WithCursor(cursor))
	}
	coll := collector.New(client, nil, log, opts...)

	serialNumber, err := coll.Identify(ctx)
	if err != nil {
		return err
	}

	if !syncNoSinks {
		closeSinks, err := attachSinks(ctx, cfg, coll, serialNumber, log)
		defer closeSinks()
		if err != nil {
			return err
		}
	}

	if syncOnce {
		n, err := coll.Once(ctx)
		if err != nil {
			return err
		}
		log.WithField("records", n).Info("single pass finished")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coll.Run(gctx, cfg.SyncInterval())
	})
	if cfg.Monitor.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Monitor.Addr, log)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("sync stopped")
	return nil
}

// attachSinks connects every enabled sink. The returned func closes the
// ones that were opened, even when a later one failed.
func attachSinks(ctx context.Context, cfg *config.Config, coll *collector.Collector, serialNumber string, log *logrus.Logger) (func(), error) {
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.WithError(err).Warn("close sink failed")
			}
		}
	}

	if cfg.MQTT.Enabled {
		m, err := mqtt.NewClient(cfg.MQTT, serialNumber, cfg.Device.Model, log)
		if err != nil {
			return closeAll, err
		}
		closers = append(closers, m.Close)
		coll.AddSink(m)
	}
	if cfg.Redis.Enabled {
		mq, err := storage.NewMessageQueue(ctx, cfg.Redis, log)
		if err != nil {
			return closeAll, err
		}
		closers = append(closers, mq.Close)
		coll.AddSink(mq)
	}
	if len(closers) == 0 {
		return closeAll, errors.New("no sink enabled; enable mqtt or redis, or pass --dry-run")
	}
	return closeAll, nil
}
