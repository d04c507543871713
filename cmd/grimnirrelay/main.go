/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_relay/internal/config"
	"github.com/friendsincode/grimnir_relay/internal/logbuffer"
	"github.com/friendsincode/grimnir_relay/internal/logging"
	"github.com/friendsincode/grimnir_relay/internal/server"
	"github.com/friendsincode/grimnir_relay/internal/telemetry"
	"github.com/friendsincode/grimnir_relay/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
	logBuf *logbuffer.Buffer
)

var rootCmd = &cobra.Command{
	Use:   "grimnirrelay",
	Short: "Grimnir Relay - GStreamer to RTMP media bridge",
	Long:  "Grimnir Relay runs GStreamer pipelines per channel, schedules them from playlists and serves the result over RTMP push and HTTP-FLV.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay",
	Long:  "Start the channels from the configuration and the HTTP API",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logBuf = logbuffer.New(5000)
	logger = logging.SetupWithWriter(cfg.Environment, cfg.LogLevel, logbuffer.NewWriter(logBuf))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Str("version", version.Version).Int("channels", len(cfg.Channels)).Msg("Grimnir Relay starting")

	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "grimnir-relay",
		ServiceVersion: version.Version,
		InstanceID:     cfg.InstanceID,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	srv, err := server.New(cfg, logBuf, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	httpServer := srv.HTTPServer()
	serveErr := make(chan error, 2)

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	metricsServer := srv.MetricsServer()
	if metricsServer != nil {
		go func() {
			logger.Info().Str("addr", metricsServer.Addr).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
		logger.Info().Msg("shutting down gracefully...")
	case runErr = <-serveErr:
		logger.Error().Err(runErr).Msg("listener failed, shutting down")
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(timeoutCtx); err != nil {
			logger.Error().Err(err).Msg("metrics shutdown failed")
		}
	}

	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown cleanup failed")
	}

	logger.Info().Msg("Grimnir Relay stopped")
	return runErr
}
