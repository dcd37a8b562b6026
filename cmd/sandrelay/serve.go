package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/sandrelay/sandrelay/pkg/config"
	"github.com/sandrelay/sandrelay/pkg/log"
	"github.com/sandrelay/sandrelay/pkg/relay"
	"github.com/sandrelay/sandrelay/pkg/runtime"
	"github.com/sandrelay/sandrelay/pkg/runtime/docker"
	"github.com/sandrelay/sandrelay/pkg/runtime/local"
	"github.com/sandrelay/sandrelay/pkg/session"
)

var (
	serveAddr       string
	serveConfigFile string
	serveRuntime    string
	serveImage      string
	serveLogLevel   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay HTTP server",
	Long: `Run the relay HTTP server.

The server accepts POST /api/relay with a JSON body selecting a session
action (start, stop, or the default streaming turn) and relays model output
back to the caller as server-sent events. Each session owns one disposable
execution context in which turns run.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		if serveConfigFile != "" {
			if err := cfg.ApplyFile(serveConfigFile); err != nil {
				return err
			}
		}
		if serveAddr != "" {
			cfg.ListenAddr = serveAddr
		}
		if serveRuntime != "" {
			cfg.RuntimeMode = serveRuntime
		}
		if serveImage != "" {
			cfg.DockerImage = serveImage
		}
		if serveLogLevel != "" {
			cfg.LogLevel = serveLogLevel
		}

		if err := log.Init(log.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer log.Sync()

		rt, err := buildRuntime(cfg)
		if err != nil {
			return err
		}

		sessions := session.NewManager(rt, cfg.SessionTTL)
		handler := relay.NewHandler(cfg, sessions, relay.NewOrchestrator(cfg))

		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		e.Use(middleware.Recover())
		handler.Register(e)

		errCh := make(chan error, 1)
		go func() {
			if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		log.Info("relay listening",
			"addr", cfg.ListenAddr,
			"runtime", cfg.RuntimeMode,
			"session_ttl", cfg.SessionTTL.String(),
			"turn_timeout", cfg.TurnTimeout.String())

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return fmt.Errorf("server failed: %w", err)
		case sig := <-stop:
			log.Info("shutting down", "signal", sig.String())
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	},
}

func buildRuntime(cfg *config.Config) (runtime.Runtime, error) {
	mode, err := runtime.ParseMode(cfg.RuntimeMode)
	if err != nil {
		return nil, err
	}
	switch mode {
	case runtime.ModeLocal:
		return local.New(cfg.ContextRoot), nil
	default:
		return docker.New(docker.Config{Image: cfg.DockerImage, Root: cfg.ContextRoot})
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides SANDRELAY_ADDR)")
	serveCmd.Flags().StringVarP(&serveConfigFile, "config", "c", "", "Path to YAML config file")
	serveCmd.Flags().StringVar(&serveRuntime, "runtime", "", "Execution context backend: docker or local")
	serveCmd.Flags().StringVarP(&serveImage, "image", "i", "", "Docker image for execution contexts")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd)
}
