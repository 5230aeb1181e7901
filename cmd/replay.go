package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adc68/blood-shepherd/internal/config"
	"github.com/adc68/blood-shepherd/internal/protocol"
	"github.com/adc68/blood-shepherd/internal/receiver"
	"github.com/adc68/blood-shepherd/internal/serial"
)

const defaultFirmware = "<FirmwareHeader SchemaVersion='1' ApiVersion='2.2.0.0' TestApiVersion='2.4.0.0' " +
	"ProductId='G4Receiver' ProductName='Dexcom G4 Receiver' SoftwareNumber='SW10050' " +
	"FirmwareVersion='2.0.1.104' PortVersion='4.6.4.45' RFVersion='1.0.0.27' DexBootVersion='3'/>"

var (
	replayCmd = &cobra.Command{
		Use:   "replay --port PORT FRAME_FILE...",
		Short: "Answer receiver commands on a serial port from captured database pages",
		Long: "replay behaves like a receiver on the given serial port. Each file holds a hex-encoded " +
			"ReadDatabasePages response frame; its pages are served back to ping, firmware header, " +
			"page range and page requests. Use it with a null-modem pair to exercise sync without hardware.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if replayPort != "" {
				cfg.Serial.Port = replayPort
			}
			return runReplay(cmd.Context(), cfg, args)
		},
	}

	replayPort     string
	replayFirmware string
)

func init() {
	replayCmd.Flags().StringVarP(&replayPort, "port", "p", "", "serial port to serve, overrides serial.port")
	replayCmd.Flags().StringVar(&replayFirmware, "firmware", defaultFirmware, "firmware header text to report")
}

func runReplay(ctx context.Context, cfg *config.Config, files []string) error {
	log, logFile, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logFile.Close()

	emu := receiver.NewEmulator(replayFirmware, log)
	for _, name := range files {
		b, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		raw, err := parseHex(string(b))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if len(raw) < protocol.MinFrameLen {
			return fmt.Errorf("%s: too short for a frame", name)
		}
		if err := emu.LoadPages(raw[protocol.HeaderSize : len(raw)-protocol.TrailerSize]); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		log.WithField("file", name).Info("pages loaded")
	}

	port, err := serial.Open(cfg.Serial, log)
	if err != nil {
		return err
	}
	defer port.Close()

	log.WithField("port", port.Name()).Info("replaying receiver")
	if err := emu.Serve(ctx, port); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
