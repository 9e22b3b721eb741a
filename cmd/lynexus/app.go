package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lynexus/lynexus-agent/internal/agent"
	"github.com/lynexus/lynexus-agent/internal/config"
	"github.com/lynexus/lynexus-agent/internal/events"
	"github.com/lynexus/lynexus-agent/internal/fetch"
	"github.com/lynexus/lynexus-agent/internal/llm"
	"github.com/lynexus/lynexus-agent/internal/mcp"
	"github.com/lynexus/lynexus-agent/internal/prompts"
	"github.com/lynexus/lynexus-agent/internal/session"
	"github.com/lynexus/lynexus-agent/internal/tools"
)

// app holds the components shared by serve, ask and tools.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	store    *session.SQLiteStore
	registry *tools.Registry
	clients  *llm.Factory
	mcp      *mcp.Manager
	service  *agent.Service
}

// newApp opens the store, registers the built-in tools, loads the
// global MCP server files and builds the agent service. MCP servers
// that fail to start are logged and left out; everything else is
// fatal.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	sealer, err := session.NewSealer(cfg.Store.Secret)
	if err != nil {
		return nil, fmt.Errorf("api key sealing: %w", err)
	}
	if sealer == nil {
		logger.Warn("store.secret not set, conversation API keys are stored unsealed")
	}

	defaults := session.SettingsFromConfig(cfg.Defaults, cfg.Model.APIKey)
	if defaults.APIBase == "" {
		defaults.APIBase = cfg.Model.APIBase
	}
	store, err := session.Open(cfg.Store.Driver, cfg.Store.Path, sealer, defaults)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	logger.Info("conversation store opened", "driver", cfg.Store.Driver, "path", cfg.Store.Path)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		bus:      events.New(),
		store:    store,
		registry: tools.NewRegistry(),
	}
	a.registerBuiltins()

	a.clients = llm.NewFactory(llm.FactoryConfig{
		Provider:          cfg.Model.Provider,
		APIBase:           cfg.Model.APIBase,
		APIKey:            cfg.Model.APIKey,
		OllamaURL:         cfg.Model.OllamaURL,
		MaxRetries:        cfg.Model.MaxRetries,
		RequestsPerMinute: cfg.Model.RequestsPerMinute,
	}, logger)
	logger.Info("model client factory ready", "provider", cfg.Model.Provider, "api_base", cfg.Model.APIBase)

	a.mcp = mcp.NewManager(mcp.ManagerConfig{
		Registry:       a.registry,
		Bus:            a.bus,
		Logger:         logger,
		StartupTimeout: time.Duration(cfg.MCP.StartupTimeoutSec) * time.Second,
	})
	if len(cfg.MCP.ConfigPaths) > 0 {
		if err := a.mcp.LoadGlobal(ctx, cfg.MCP.ConfigPaths); err != nil {
			logger.Warn("some MCP servers are unavailable", "error", err)
		}
	}

	templates := prompts.DefaultTemplates().Merge(prompts.Templates{
		CommandExecution: cfg.Prompts.CommandExecution,
		CommandRetry:     cfg.Prompts.CommandRetry,
		FinalSummary:     cfg.Prompts.FinalSummary,
	})
	a.service = agent.NewService(agent.ServiceConfig{
		Store:     store,
		Registry:  a.registry,
		Clients:   a.clients,
		Templates: templates,
		Logger:    logger,
		Bus:       a.bus,
		Servers:   a.mcp,
	})

	logger.Info("tools registered", "count", a.registry.Len())
	return a, nil
}

func (a *app) registerBuiltins() {
	cfg := a.cfg.Tools

	files := tools.NewFileTools(cfg.Workspace)
	if files.Enabled() {
		if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
			a.logger.Warn("workspace not created", "path", cfg.Workspace, "error", err)
		}
	}
	files.Register(a.registry)
	tools.RegisterSystemTools(a.registry, cfg.Workspace)

	fetcher := fetch.New(time.Duration(cfg.FetchTimeoutSec) * time.Second)
	tools.NewWebTools(fetcher, files, tools.WebConfig{
		DownloadDir: cfg.DownloadDir,
		SearchURL:   cfg.SearchURL,
	}).Register(a.registry)

	tools.NewShellExec(tools.ShellExecConfig{
		Enabled:        cfg.ShellExec.Enabled,
		WorkingDir:     cfg.ShellExec.WorkingDir,
		DeniedPatterns: cfg.ShellExec.DeniedPatterns,
		DefaultTimeout: time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second,
	}).Register(a.registry)
	if cfg.ShellExec.Enabled {
		a.logger.Warn("shell tool enabled", "working_dir", cfg.ShellExec.WorkingDir)
	}
}

// Close stops MCP servers and closes the store.
func (a *app) Close() error {
	return errors.Join(a.mcp.Close(), a.store.Close())
}
