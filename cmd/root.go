package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gatesight/facecount/config"
)

var (
	configPath string
	dbPath     string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "facecount",
	Short: "A face-based visitor counter for camera feeds",
	Long: `Face Count turns per-frame face detections into visitor counts.
It tracks faces across frames, reconciles each confirmed track against a
durable visitor registry, and emits exactly one entry and one exit event
per visit. Counts and visitor identities survive restarts in SQLite.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a JSON config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// loadConfig resolves the effective configuration from the --config flag and
// persistent overrides. Without a config file every knob keeps its default.
func loadConfig() (*config.Config, error) {
	cfg := config.Empty()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if dbPath != "" {
		cfg.DatabasePath = &dbPath
	}
	return cfg, nil
}
