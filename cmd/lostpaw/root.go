package lostpaw

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soundprediction/lostpaw/pkg/config"
	"github.com/soundprediction/lostpaw/pkg/logger"
	"github.com/soundprediction/lostpaw/pkg/telemetry"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "lostpaw",
		Short: "Lostpaw: pet face re-identification",
		Long: `Lostpaw trains and serves an embedding model for pet faces, so that
photos of the same pet can be matched across sightings.

It provides commands to prepare datasets, train with cross-validation and
resumable checkpoints, evaluate a trained encoder and serve it over HTTP.`,
		SilenceUsage: true,
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.lostpaw.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().String("data-dir", "", "dataset directory")
	rootCmd.PersistentFlags().String("checkpoint-dir", "", "checkpoint directory")

	// Bind flags to viper
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("data.dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("checkpoint.dir", rootCmd.PersistentFlags().Lookup("checkpoint-dir"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".lostpaw" (without extension).
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".lostpaw")
	}

	viper.SetEnvPrefix("lostpaw")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig loads the configuration and applies the command's flags.
func loadConfig(cmd *cobra.Command, override func(*cobra.Command, *config.Config)) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if override != nil {
		override(cmd, cfg)
	}
	return cfg, nil
}

// setupLogger builds the process logger. Errors are also written to parquet
// under telemetry.parquet_path when it is set; the returned func flushes them.
func setupLogger(cfg *config.Config) (*slog.Logger, func()) {
	base := logger.New(cfg.Log.Level, cfg.Log.Format)
	flush := func() {}

	if path := cfg.Telemetry.ParquetPath; path != "" {
		h, err := telemetry.NewParquetHandler(base.Handler(), path)
		if err != nil {
			base.Warn("Failed to initialize error tracking", "path", path, "error", err)
		} else {
			base = slog.New(h)
			flush = func() {
				if err := h.Flush(); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to flush error telemetry: %v\n", err)
				}
			}
		}
	}
	slog.SetDefault(base)
	return base, flush
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
