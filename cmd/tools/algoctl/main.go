package main

import (
	"os"

	"github.com/fisaks/algodomo/internal/logging"
	"github.com/spf13/cobra"
)

var (
	// bus connection flags
	configPath string
	portName   string
	baudRate   int
	tcpAddr    string
	dialect    string
	timeoutMs  int
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "algoctl",
	Short: "Talk to AlgoDomo boards directly on the bus",
	Long: `algoctl opens the bus itself, so stop the gateway daemon first when it
shares the same serial port.

Connection:
  Serial:  --port /dev/ttyUSB0 [--baud 9600]
  TCP:     --tcp 192.168.1.50:5000
  Config:  --config /etc/algodomo/config.json (uses its bus section)`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// keep stdout for command output
		logging.SetOutput(cmd.ErrOrStderr(), "text")
		if debug {
			logging.SetLevel("debug")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "gateway config to take bus settings from")
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "serial device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 9600, "baud rate (serial only)")
	rootCmd.PersistentFlags().StringVar(&tcpAddr, "tcp", "", "TCP gateway address host:port")
	rootCmd.PersistentFlags().StringVarP(&dialect, "dialect", "d", "", "frame dialect: serial or gateway (default by transport)")
	rootCmd.PersistentFlags().IntVarP(&timeoutMs, "timeout", "t", 500, "reply timeout in milliseconds")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "trace every frame")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
