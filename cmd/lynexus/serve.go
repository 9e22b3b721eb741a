package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lynexus/lynexus-agent/internal/api"
	"github.com/lynexus/lynexus-agent/internal/buildinfo"
	"github.com/lynexus/lynexus-agent/internal/maintenance"
	"github.com/lynexus/lynexus-agent/internal/mcp"
	"github.com/lynexus/lynexus-agent/internal/mqtt"
	"github.com/lynexus/lynexus-agent/internal/stream"
)

// shutdownTimeout bounds draining HTTP requests and the MQTT goodbye.
const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stdout, stderr, opts.configPath)
		},
	}
}

// runServe is the primary operating mode. It wires the store, tools,
// MCP servers, agent and stream multiplexer, then supervises the HTTP
// server and the optional background services until ctx is cancelled.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. Active runs are stopped and their transcripts saved
//  4. MCP servers and the store are closed
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting LyNexus", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Model.Provider,
		"model", cfg.Defaults.Model,
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown cleanup incomplete", "error", err)
		}
	}()

	runs := stream.New(a.service, a.bus, logger)
	defer runs.Shutdown()

	server := api.NewServer(api.Config{
		Address: cfg.Listen.Address,
		Port:    cfg.Listen.Port,
		DataDir: cfg.DataDir,
		Store:   a.store,
		Runner:  runs,
		Tools:   a.service,
		Clients: a.clients,
		Bus:     a.bus,
		Servers: a.mcp,
		Logger:  logger,
	})

	sched, err := maintenance.New(cfg.Maintenance, maintenance.Deps{
		Store: a.store,
		MCP:   a.mcp,
		Bus:   a.bus,
	}, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return sched.Start(gctx) })

	if cfg.MCP.Watch {
		w := mcp.NewWatcher(a.mcp, 0, logger)
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				// Reload on change is a convenience; serving continues.
				logger.Warn("MCP file watcher stopped", "error", err)
			}
			return nil
		})
	}

	if cfg.MQTT.Configured() {
		clientID, err := mqtt.ClientID(cfg.MQTT.ClientID, cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt client id: %w", err)
		}
		pub := mqtt.New(cfg.MQTT, clientID, mqtt.Deps{
			Bus:   a.bus,
			Runs:  runs,
			Store: a.store,
		}, logger)
		g.Go(func() error {
			if err := pub.Start(gctx); err != nil {
				logger.Error("mqtt mirror failed", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return pub.Stop(stopCtx)
		})
		logger.Info("mqtt mirror enabled", "broker", cfg.MQTT.Broker, "client_id", clientID)
	}

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("LyNexus stopped")
	return nil
}
