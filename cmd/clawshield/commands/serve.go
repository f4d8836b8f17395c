package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawshield/clawshield/internal/config"
	"github.com/clawshield/clawshield/internal/proxy"
)

func newServeCmd() *cobra.Command {
	var port int
	var bind string
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the clawshield gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				// Fall back to defaults if no config file
				cfg = config.Defaults()
			}

			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg.Server.LogLevel)

			srv, err := proxy.NewServer(cfg, logger)
			if err != nil {
				return err
			}

			if watch {
				stopWatch, err := config.Watch(cfgFile, logger, func(updated *config.Config) {
					// Port and bind changes need a restart; everything
					// else is picked up on the next config read.
					logger.Info("config reloaded", "path", cfgFile)
				})
				if err != nil {
					logger.Warn("config watch unavailable", "error", err)
				} else {
					defer stopWatch() //nolint:errcheck
				}
			}

			printBanner(cfg)

			// Graceful shutdown on SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default: 127.0.0.1)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload config on file change")
	return cmd
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printBanner(cfg *config.Config) {
	bindAddr := cfg.Server.Bind
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}

	scan := "off"
	if cfg.Firewall.DeepScan {
		scan = "on"
	}

	fmt.Println()
	fmt.Println("  clawshield gateway")
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  Proxy:      http://%s:%d/\n", bindAddr, cfg.Server.Port)
	fmt.Printf("  WebSocket:  ws://%s:%d/ws\n", bindAddr, cfg.Server.Port)
	fmt.Printf("  Skills:     http://%s:%d/v1/skills/analyze\n", bindAddr, cfg.Server.Port)
	fmt.Printf("  Health:     http://%s:%d/health\n", bindAddr, cfg.Server.Port)
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  Upstream: %s  |  Deep scan: %s\n", cfg.Upstream.URL, scan)
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop.")
	fmt.Println()
}
