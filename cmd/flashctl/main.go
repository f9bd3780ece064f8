// Command flashctl runs the flashing workflow from a terminal without the web console.
package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tonieflash/flash-console/internal/config"
)

const defaultConfigFile = "config/console-server.yml"

var (
	configFile string
	portFlag   string
	backendURL string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "flashctl",
	Short: "Back up, patch and flash a toniebox ESP32",
	Long: `flashctl reads the flash of a toniebox ESP32 over its serial port, has the
patch service inject new network settings and writes the result back.

Put the box into its ROM bootloader before running a command that touches
the device.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "Serial port (overrides the configuration)")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "Patch service URL (overrides the configuration)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log protocol details")
}

// loadConfig reads the configuration file. The default file may be absent when the
// backend is given on the command line or through BACKEND_URL.
func loadConfig() (*config.Config, error) {
	if backendURL != "" {
		os.Setenv("BACKEND_URL", backendURL)
	}
	if portFlag != "" {
		os.Setenv("SERIAL_PORT", portFlag)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || configFile != defaultConfigFile {
			return nil, err
		}
		data = nil
	}
	return config.Parse(data)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
