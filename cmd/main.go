package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/adc68/blood-shepherd/internal/config"
)

var (
	rootCmd = &cobra.Command{
		Use:           "blood-shepherd",
		Short:         "Read glucose data from a Dexcom G4 receiver",
		Long:          "blood-shepherd talks to a Dexcom G4 receiver over its serial link, decodes the stored glucose records and forwards them to MQTT and Redis.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
	rootCmd.AddCommand(syncCmd, decodeCmd, portsCmd, replayCmd)
}

// loadConfig reads --config, or the defaults plus environment when unset.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath == "" {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		if _, err := config.ParseLevel(logLevel); err != nil {
			return nil, err
		}
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		logrus.Fatal(err)
	}
}
