package mcp

import (
	"context"
	"fmt"
	"log/slog"
)

// Transport carries JSON-RPC messages to one MCP server. Send must be
// safe for concurrent use and must return when ctx ends, whether or not
// the server answers.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
	Notify(ctx context.Context, notif *Notification) error
	Close() error
}

// TransportFactory builds the transport for a server.
type TransportFactory func(cfg ServerConfig, logger *slog.Logger) (Transport, error)

// DefaultTransport starts stdio servers as subprocesses and reaches URL
// servers over HTTP.
func DefaultTransport(cfg ServerConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport() {
	case "http":
		return NewHTTPTransport(HTTPConfig{URL: cfg.URL, Headers: cfg.Headers, Logger: logger}), nil
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %q: no command", cfg.Name)
		}
		return NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.EnvList(),
			Dir:     cfg.Dir,
			Logger:  logger,
		}), nil
	}
	return nil, fmt.Errorf("server %q: unsupported transport %q", cfg.Name, cfg.Transport())
}

// cancelled tells a server to abandon a request the caller gave up on.
func cancelled(id int64, reason string) *Notification {
	return NewNotification("notifications/cancelled", map[string]any{
		"requestId": id,
		"reason":    reason,
	})
}
