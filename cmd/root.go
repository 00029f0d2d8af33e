package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/itiky/listsync/config"
)

const (
	FlagConfig   = "config"
	FlagLogLevel = "log-level"
)

// rootCmd is a base command.
var rootCmd = &cobra.Command{
	Use:   "listsync",
	Short: "Incremental list sync server/client",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		levelStr, err := cmd.Flags().GetString(FlagLogLevel)
		if err != nil {
			return fmt.Errorf("%s flag: %w", FlagLogLevel, err)
		}

		var level slog.Level
		if err := level.UnmarshalText([]byte(levelStr)); err != nil {
			return fmt.Errorf("%s flag: %w", FlagLogLevel, err)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		return nil
	},
}

// loadConfig reads the config file / environment and binds command flags to config keys (flags win if set).
func loadConfig(cmd *cobra.Command, flagKeys map[string]string) (config.Config, error) {
	filePath, err := cmd.Flags().GetString(FlagConfig)
	if err != nil {
		return config.Config{}, fmt.Errorf("%s flag: %w", FlagConfig, err)
	}

	v := viper.New()
	for key, flagName := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return config.Config{}, fmt.Errorf("%s flag: bind: %w", flagName, err)
		}
	}

	return config.Load(v, filePath)
}

// fatal logs the error and exits.
func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

func main() {
	rootCmd.PersistentFlags().String(FlagConfig, "", "(optional) config file path")
	rootCmd.PersistentFlags().String(FlagLogLevel, "info", "(optional) log level [debug, info, warn, error]")

	if err := rootCmd.Execute(); err != nil {
		fatal("rootCmd.Execute", err)
	}
}
