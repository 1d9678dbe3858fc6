// Package main is the entry point for the switchboard CLI. Switchboard
// routes natural-language tasks across pluggable model services with
// fallback chains and broadcast fan-out.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/switchboard/internal/bus"
	"github.com/normanking/switchboard/internal/classify"
	"github.com/normanking/switchboard/internal/config"
	"github.com/normanking/switchboard/internal/orchestrator"
	"github.com/normanking/switchboard/internal/route"
	"github.com/normanking/switchboard/internal/server"
	"github.com/normanking/switchboard/internal/service"
	"github.com/normanking/switchboard/internal/store"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Switchboard - route tasks across pluggable model services",
		Long: `Switchboard classifies natural-language tasks, routes them to the
best available model service, and streams results over WebSocket.

Start the server:       switchboard serve
Inspect services:       switchboard services
Show configuration:     switchboard config show`,
		PersistentPreRun: initLogging,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.switchboard/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Switchboard v%s\n", version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the switchboard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	})

	rootCmd.AddCommand(servicesCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOGGING INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func initLogging(cmd *cobra.Command, args []string) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE
// ═══════════════════════════════════════════════════════════════════════════════

func runServe() error {
	cfg, v, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil && !verbose {
		zerolog.SetGlobalLevel(lvl)
	}

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}
	st, err := store.Open(dataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	registry, err := service.NewRegistry(cfg.Services)
	if err != nil {
		return err
	}

	broadcaster := bus.NewBroadcaster()
	defer broadcaster.Close()

	checker := service.NewHealthChecker(registry,
		service.WithOnChange(func(change service.StatusChange) {
			event := bus.NewEvent(bus.EventServiceStatus)
			event.Service = change.Name
			event.Healthy = change.Healthy
			if change.Err != nil {
				event.Error = change.Err.Error()
			}
			broadcaster.Publish(event)
		}),
	)
	checker.Start()
	defer checker.Stop()

	config.Watch(v, func(enabled map[string]bool) {
		for name, on := range enabled {
			registry.SetEnabled(name, on)
		}
	})

	orch := orchestrator.New(
		classify.New(),
		route.NewRouter(cfg.RouteConfig()),
		registry,
		st,
		broadcaster,
		orchestrator.WithMaxAttempts(cfg.Routing.MaxAttempts),
		orchestrator.WithBroadcastTimeout(time.Duration(cfg.Routing.BroadcastTimeoutSec)*time.Second),
	)

	srv := server.New(cfg.Server.Port, orch, registry, st, broadcaster)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// Let dispatched tasks reach their terminal states before the store goes
	// away.
	orch.Wait()
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVICES
// ═══════════════════════════════════════════════════════════════════════════════

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	nameStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	enabledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func servicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List configured services",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			fmt.Println(headerStyle.Render("Configured services"))
			for _, svc := range cfg.Services {
				state := mutedStyle.Render("disabled")
				if svc.Enabled {
					state = enabledStyle.Render("enabled")
				}
				fmt.Printf("  %s (%s) %s\n", nameStyle.Render(svc.Name), svc.Kind, state)
				if svc.Description != "" {
					fmt.Printf("    %s\n", mutedStyle.Render(svc.Description))
				}
				if len(svc.Strengths) > 0 {
					fmt.Printf("    strengths: %s\n", mutedStyle.Render(fmt.Sprint(svc.Strengths)))
				}
			}
			return nil
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, _, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			fmt.Printf("server.port: %d\n", cfg.Server.Port)
			fmt.Printf("logging.level: %s\n", cfg.Logging.Level)
			fmt.Printf("routing.max_attempts: %d\n", cfg.Routing.MaxAttempts)
			fmt.Printf("routing.default_timeout_sec: %d\n", cfg.Routing.DefaultTimeoutSec)
			fmt.Printf("routing.analysis_timeout_sec: %d\n", cfg.Routing.AnalysisTimeoutSec)
			fmt.Printf("routing.broadcast_timeout_sec: %d\n", cfg.Routing.BroadcastTimeoutSec)
			fmt.Printf("services: %d configured\n", len(cfg.Services))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(c *cobra.Command, args []string) error {
			dir, err := config.DataDir()
			if err != nil {
				return err
			}
			path := cfgPath
			if path == "" {
				path = filepath.Join(dir, "config.yaml")
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			fmt.Printf("Wrote default config to %s\n", path)
			return nil
		},
	})

	return cmd
}
