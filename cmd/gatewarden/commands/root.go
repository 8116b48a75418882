package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.0.0"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "gatewarden",
	Short: "Access-control and threat-monitoring gateway",
	Long: `Gatewarden guards a network gateway's exposed surface: it enforces a
port allow-list with per-source rate limiting, detects scan and abuse
patterns, keeps a threat-scored access log, and maintains a compliance
audit trail with risk-scored reports.`,
	Version: Version,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override configured log level")
}
