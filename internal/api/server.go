// Package api implements the HTTP API: conversation management, message
// sending over plain requests, SSE and WebSocket, tool toggles, and the
// operational event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/lynexus/lynexus-agent/internal/agent"
	"github.com/lynexus/lynexus-agent/internal/buildinfo"
	"github.com/lynexus/lynexus-agent/internal/events"
	"github.com/lynexus/lynexus-agent/internal/mcp"
	"github.com/lynexus/lynexus-agent/internal/session"
	"github.com/lynexus/lynexus-agent/internal/stream"
	"github.com/lynexus/lynexus-agent/internal/tools"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ConversationStore is the persistence the API manages.
// *session.SQLiteStore implements it.
type ConversationStore interface {
	Create(ctx context.Context, title string) (session.Conversation, error)
	Get(ctx context.Context, id string) (session.Conversation, error)
	List(ctx context.Context) ([]session.Conversation, error)
	Rename(ctx context.Context, id, title string) error
	Delete(ctx context.Context, id string) error
	ClearMessages(ctx context.Context, id string) error
	Settings(ctx context.Context, id string) (session.Settings, error)
	UpdateSettings(ctx context.Context, id string, st session.Settings) error
	Display(ctx context.Context, id string) ([]session.DisplayMessage, error)
	Stats(ctx context.Context) (conversations, messages int, err error)
}

// Runner starts and stops runs. *stream.Multiplexer implements it.
type Runner interface {
	Start(ctx context.Context, conversationID, content string) (*stream.Subscription, error)
	Stop(conversationID string) bool
	Active(conversationID string) bool
	ActiveCount() int
	ActiveConversations() []string
}

// ToolCatalog lists the tools a conversation may enable.
// *agent.Service implements it.
type ToolCatalog interface {
	Available(ctx context.Context, conversationID string, settings session.Settings) *tools.Registry
}

// ServerStatuser reports MCP server health. *mcp.Manager implements it.
type ServerStatuser interface {
	Status() []mcp.ServerStatus
}

// Config holds the dependencies of a Server. Bus and Servers may be
// nil. Without a DataDir the MCP upload and bundle import endpoints
// answer 503.
type Config struct {
	Address string
	Port    int
	DataDir string
	Store   ConversationStore
	Runner  Runner
	Tools   ToolCatalog
	Clients agent.ClientSource
	Bus     *events.Bus
	Servers ServerStatuser
	Logger  *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	dataDir string
	store   ConversationStore
	runner  Runner
	tools   ToolCatalog
	clients agent.ClientSource
	bus     *events.Bus
	servers ServerStatuser
	logger  *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	shutdown bool
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: cfg.Address,
		port:    cfg.Port,
		dataDir: cfg.DataDir,
		store:   cfg.Store,
		runner:  cfg.Runner,
		tools:   cfg.Tools,
		clients: cfg.Clients,
		bus:     cfg.Bus,
		servers: cfg.Servers,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /api/system/status", s.handleSystemStatus)

	// Conversations
	mux.HandleFunc("GET /api/conversations", s.handleConversationList)
	mux.HandleFunc("POST /api/conversations", s.handleConversationCreate)
	mux.HandleFunc("POST /api/conversations/import", s.handleBundleImport)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("PUT /api/conversations/{id}", s.handleConversationUpdate)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleConversationDelete)

	// Messages
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleMessageList)
	mux.HandleFunc("DELETE /api/conversations/{id}/messages", s.handleMessageClear)
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.handleMessageSend)
	mux.HandleFunc("POST /api/conversations/{id}/messages/stream", s.handleMessageStream)
	mux.HandleFunc("POST /api/conversations/{id}/messages/stop", s.handleMessageStop)
	mux.HandleFunc("GET /api/conversations/{id}/ws", s.handleConversationWS)

	// Settings and export
	mux.HandleFunc("GET /api/conversations/{id}/settings", s.handleSettingsGet)
	mux.HandleFunc("PUT /api/conversations/{id}/settings", s.handleSettingsUpdate)
	mux.HandleFunc("GET /api/conversations/{id}/export/history", s.handleExportHistory)
	mux.HandleFunc("POST /api/conversations/{id}/export", s.handleBundleExport)
	mux.HandleFunc("POST /api/settings/validate-key", s.handleValidateKey)

	// Tools
	mux.HandleFunc("GET /api/tools", s.handleToolList)
	mux.HandleFunc("PUT /api/tools/{name}/toggle", s.handleToolToggle)
	mux.HandleFunc("POST /api/conversations/{id}/mcp-tools", s.handleMCPPathAdd)
	mux.HandleFunc("POST /api/conversations/{id}/mcp-tools/upload", s.handleMCPUpload)

	// Operational events
	mux.HandleFunc("GET /api/events/ws", s.handleEventsWS)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:        net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Streams extend their own deadline per event.
		WriteTimeout: 120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. A Start that has not begun
// listening yet returns without serving.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// SystemStatus is the body of GET /api/system/status.
type SystemStatus struct {
	Connected       bool               `json:"connected"`
	Version         string             `json:"version"`
	ProcessingState string             `json:"processingState"`
	ActiveRuns      int                `json:"activeRuns"`
	Processing      []string           `json:"processing,omitempty"`
	Conversations   int                `json:"conversations"`
	Messages        int                `json:"messages"`
	Uptime          string             `json:"uptime"`
	MCPServers      []mcp.ServerStatus `json:"mcpServers,omitempty"`
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := SystemStatus{
		Connected:       true,
		Version:         buildinfo.Version,
		ProcessingState: "IDLE",
		Processing:      s.runner.ActiveConversations(),
		Uptime:          buildinfo.Uptime().String(),
	}
	slices.Sort(status.Processing)
	status.ActiveRuns = len(status.Processing)
	if status.ActiveRuns > 0 {
		status.ProcessingState = "PROCESSING"
	}

	convs, msgs, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Warn("store stats unavailable", "error", err)
		status.Connected = false
	}
	status.Conversations, status.Messages = convs, msgs

	if s.servers != nil {
		status.MCPServers = s.servers.Status()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, status, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    http.StatusText(code),
			"code":    code,
		},
	}, s.logger)
}

// storeError maps a store error to a response. Missing conversations
// are 404; anything else is logged and reported as 500.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, session.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	s.logger.Error("store operation failed", "op", op, "error", err)
	s.errorResponse(w, http.StatusInternalServerError, fmt.Sprintf("%s: %v", op, err))
}

// decodeBody decodes a JSON request body into v, answering 400 on
// failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseBoolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, fmt.Errorf("%s parameter is required", name)
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", name, v)
	}
	return b, nil
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
