package lostpaw

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/soundprediction/lostpaw"
	"github.com/soundprediction/lostpaw/pkg/config"
	"github.com/soundprediction/lostpaw/pkg/gallery"
	"github.com/soundprediction/lostpaw/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the inference HTTP server",
	Long: `Start the HTTP server. The encoder is built once before serving.

The server provides endpoints for:
- Embedding an image (/predict) and comparing two images (/compare)
- Registering known pets and matching found ones (/register, /match)
- Health checks (/health, /live, /ready)`,
	RunE: runServe,
}

var (
	serverHost string
	serverPort int
	serverMode string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "Server host")
	serveCmd.Flags().IntVar(&serverPort, "port", 8080, "Server port")
	serveCmd.Flags().StringVar(&serverMode, "mode", "debug", "Server mode (debug, release, test)")
	serveCmd.Flags().String("weights", "", "checkpoint file, or \"latest\"")
	serveCmd.Flags().String("gallery-path", "", "gallery database directory")
	serveCmd.Flags().Bool("no-gallery", false, "disable the gallery endpoints")
	serveCmd.Flags().String("telemetry-parquet-path", "", "directory for error telemetry")
}

func overrideServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = serverHost
	}
	if flags.Changed("port") {
		cfg.Server.Port = serverPort
	}
	if flags.Changed("mode") {
		cfg.Server.Mode = serverMode
	}
	if flags.Changed("weights") {
		cfg.Encoder.Weights, _ = flags.GetString("weights")
	}
	if flags.Changed("gallery-path") {
		cfg.Gallery.Path, _ = flags.GetString("gallery-path")
	}
	if flags.Changed("telemetry-parquet-path") {
		cfg.Telemetry.ParquetPath, _ = flags.GetString("telemetry-parquet-path")
	}
}

func validateServerConfig(cfg *config.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, overrideServeFlags)
	if err != nil {
		return err
	}
	if err := validateServerConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, flush := setupLogger(cfg)
	defer flush()

	ctx, cancel := signalContext()
	defer cancel()

	client, err := lostpaw.NewClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	enc, err := client.Encoder(ctx)
	if err != nil {
		return fmt.Errorf("failed to build encoder: %w", err)
	}
	logger.Info("Encoder ready", "type", cfg.Encoder.Type, "dimensions", enc.Dimensions())

	var gal *gallery.Gallery
	if noGallery, _ := cmd.Flags().GetBool("no-gallery"); !noGallery {
		gal, err = gallery.Open(cfg.Gallery, logger)
		if err != nil {
			return err
		}
		defer gal.Close()
		logger.Info("Gallery opened", "path", cfg.Gallery.Path, "threshold", cfg.Gallery.Threshold)
	}

	srv := server.New(cfg, enc, gal, logger)
	srv.Setup()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		logger.Info("Server stopped gracefully")
		return nil
	}
}
