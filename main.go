package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"Tapline/pkg/config"
	"Tapline/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "tapline",
	Short: "On-device automation agent",
	Long: `Tapline turns short natural-language commands into taps on an Android device.
Commands matching "click <label>", "press <label>" or "back" are handled directly;
everything else goes to a local language model once it is loaded.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if serial, _ := cmd.Flags().GetString("serial"); serial != "" {
			loaded.Device.Serial = serial
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			loaded.Log.Level = level
		}
		cfg = loaded

		if err := logger.InitLogger(cfg.LoggerConfig()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: file logging unavailable: %v\n", err)
		}
		logger.LogDebug("main").Str("config", cfg.Path()).Str("dataDir", cfg.DataDir).Msg("Configuration loaded")
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.CloseLogger()
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default <data_dir>/config.yaml)")
	rootCmd.PersistentFlags().StringP("serial", "s", "", "Device serial (default: the only online device, then the last used one)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
