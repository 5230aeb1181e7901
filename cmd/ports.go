package main

import (
	"fmt"

	"github.com/spf13/cobra"
	bugserial "go.bug.st/serial"

	"github.com/adc68/blood-shepherd/internal/config"
	"github.com/adc68/blood-shepherd/internal/serial"
)

var (
	portsCmd = &cobra.Command{
		Use:   "ports",
		Short: "List serial ports and check they open with the receiver line settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return listPorts(cmd, cfg.Serial)
		},
	}

	portsProbe bool
)

func init() {
	portsCmd.Flags().BoolVar(&portsProbe, "probe", false, "try opening each port")
}

func listPorts(cmd *cobra.Command, cfg config.SerialConfig) error {
	out := cmd.OutOrStdout()
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "no serial ports found")
		return nil
	}

	fmt.Fprintf(out, "found %d serial ports:\n", len(ports))
	for i, name := range ports {
		fmt.Fprintf(out, "%d. %s\n", i+1, name)
	}
	if !portsProbe {
		return nil
	}

	mode, err := serial.Mode(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nprobing at %d baud, %d data bits, parity %s, %d stop bits\n", mode.BaudRate, mode.DataBits, cfg.Parity, cfg.StopBits)
	for _, name := range ports {
		p, err := bugserial.Open(name, mode)
		if err != nil {
			fmt.Fprintf(out, "%s: failed - %v\n", name, err)
			continue
		}
		p.Close()
		fmt.Fprintf(out, "%s: ok\n", name)
	}
	return nil
}
