package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/lynexus/lynexus-agent/internal/events"
	"github.com/lynexus/lynexus-agent/internal/history"
	"github.com/lynexus/lynexus-agent/internal/llm"
	"github.com/lynexus/lynexus-agent/internal/prompts"
	"github.com/lynexus/lynexus-agent/internal/session"
	"github.com/lynexus/lynexus-agent/internal/tools"
)

// ClientSource hands out a model client for an endpoint and key.
// *llm.Factory implements it.
type ClientSource interface {
	ClientFor(apiBase, apiKey string) (llm.Client, error)
}

// ServerScope resolves which MCP servers a conversation may use.
// *mcp.Manager implements it.
type ServerScope interface {
	ServersFor(ctx context.Context, paths []string) (map[string]bool, error)
}

// ServiceConfig holds the dependencies of a Service.
type ServiceConfig struct {
	Store     session.Store
	Registry  *tools.Registry
	Clients   ClientSource
	Templates prompts.Templates
	Logger    *slog.Logger
	Bus       *events.Bus
	// Servers limits MCP tools per conversation. When nil every
	// registered tool is eligible.
	Servers ServerScope
}

// Service prepares and persists runs: it loads a conversation's
// settings and transcript, builds the system prompt for the tools the
// conversation has enabled, runs the Controller, and writes the
// transcript and display messages back.
type Service struct {
	store      session.Store
	registry   *tools.Registry
	clients    ClientSource
	servers    ServerScope
	templates  prompts.Templates
	controller *Controller
	logger     *slog.Logger
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = tools.NewRegistry()
	}
	return &Service{
		store:      cfg.Store,
		registry:   cfg.Registry,
		clients:    cfg.Clients,
		servers:    cfg.Servers,
		templates:  cfg.Templates,
		controller: NewController(logger.With("component", "controller"), cfg.Bus),
		logger:     logger.With("component", "agent"),
	}
}

// Registry returns the full tool registry.
func (s *Service) Registry() *tools.Registry {
	return s.registry
}

// Execute runs content through the command loop for a conversation.
// emit receives user_message first and exactly one terminal event
// last, including when setup fails. The transcript is saved whatever
// the outcome, so a failed or cancelled run leaves the user's message
// and any completed turns in the conversation.
func (s *Service) Execute(ctx context.Context, conversationID, content string, cancel *Cancel, emit Emitter) (*Result, error) {
	runID := newRunID()
	// Persistence outlives the caller's context so a run interrupted by
	// shutdown still saves what it did.
	persistCtx := context.WithoutCancel(ctx)

	rec := &recorder{
		ctx:    persistCtx,
		store:  s.store,
		convID: conversationID,
		runID:  runID,
		next:   emit,
		logger: s.logger,
	}

	rec.Emit(Event{Kind: EventUserMessage, ConversationID: conversationID, MessageID: runID, Content: content})

	run, err := s.prepare(ctx, conversationID, content, runID, cancel, rec)
	if err != nil {
		rec.Emit(Event{Kind: EventError, ConversationID: conversationID, MessageID: runID, Error: err.Error()})
		return nil, err
	}

	res, runErr := s.controller.Run(ctx, run)

	if err := s.store.SaveHistory(persistCtx, conversationID, res.Transcript); err != nil {
		s.logger.Error("transcript not saved",
			"conversation", conversationID,
			"run_id", runID,
			"error", err,
		)
		if runErr == nil {
			runErr = fmt.Errorf("save transcript: %w", err)
		}
	}
	return res, runErr
}

// prepare loads everything a run needs and records the user's message.
func (s *Service) prepare(ctx context.Context, conversationID, content, runID string, cancel *Cancel, rec *recorder) (*Run, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("message content is empty")
	}

	settings, err := s.store.Settings(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	client, err := s.clients.ClientFor(settings.APIBase, settings.APIKey)
	if err != nil {
		return nil, fmt.Errorf("model client: %w", err)
	}

	prior, err := s.store.History(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	scoped := s.Tools(ctx, conversationID, settings)
	system := prompts.SystemPrompt(prompts.SystemPromptInput{
		UserPrompt:       settings.SystemPrompt,
		CommandStart:     settings.CommandStart,
		CommandSeparator: settings.CommandSeparator,
		Tools:            ToolDocs(scoped),
	})

	asm := history.New(s.templates)
	asm.Begin(content, prior, system)

	if err := s.store.AppendDisplay(rec.ctx, conversationID, session.DisplayMessage{
		Type:    session.DisplayUser,
		Content: content,
		RunID:   runID,
	}); err != nil {
		return nil, fmt.Errorf("record message: %w", err)
	}

	if cancel == nil {
		cancel = NewCancel()
	}
	return &Run{
		ID:             runID,
		ConversationID: conversationID,
		History:        asm,
		Settings:       settings,
		Tools:          scoped,
		Client:         client,
		Cancel:         cancel,
		Emit:           rec,
	}, nil
}

// Tools returns the tools a run of the conversation may call: the
// enabled subset of Available.
func (s *Service) Tools(ctx context.Context, conversationID string, settings session.Settings) *tools.Registry {
	return s.Available(ctx, conversationID, settings).Scope(settings.EnabledTools)
}

// Available returns every tool the conversation could enable: the
// builtin tools and those of the MCP servers in its scope. Server files
// that fail to load are logged and skipped.
func (s *Service) Available(ctx context.Context, conversationID string, settings session.Settings) *tools.Registry {
	if s.servers == nil {
		return s.registry.Filter(func(*tools.Tool) bool { return true })
	}
	allowed, err := s.servers.ServersFor(ctx, settings.MCPPaths)
	if err != nil {
		s.logger.Warn("MCP servers unavailable",
			"conversation", conversationID,
			"error", err,
		)
	}
	return s.registry.Filter(func(t *tools.Tool) bool {
		return t.Server == "" || t.Server == tools.ServerBuiltin || allowed[t.Server]
	})
}

// ToolDocs describes the tools of r for the system prompt, in List
// order.
func ToolDocs(r *tools.Registry) []prompts.ToolDoc {
	list := r.List()
	docs := make([]prompts.ToolDoc, 0, len(list))
	for _, t := range list {
		docs = append(docs, prompts.ToolDoc{
			Name:        t.Name,
			Server:      t.Server,
			Description: t.Description,
			Params:      t.Params,
			Required:    t.MinArgs,
		})
	}
	return docs
}

// recorder persists display messages for the events that have one and
// forwards every event.
type recorder struct {
	ctx    context.Context
	store  session.Store
	convID string
	runID  string
	next   Emitter
	logger *slog.Logger
}

func (r *recorder) Emit(e Event) {
	e = e.Stamped()
	var msg *session.DisplayMessage
	switch e.Kind {
	case EventCommandRequest:
		msg = &session.DisplayMessage{Type: session.DisplayCommandRequest, Content: e.Command}
	case EventCommandResult:
		msg = &session.DisplayMessage{Type: session.DisplayCommandResult, Content: e.Result, Failed: e.Failed}
	case EventComplete:
		if e.Content != "" {
			msg = &session.DisplayMessage{Type: session.DisplayAI, Content: e.Content}
		}
	case EventError:
		msg = &session.DisplayMessage{Type: session.DisplayError, Content: e.Error}
	}
	if msg != nil {
		msg.RunID = r.runID
		if err := r.store.AppendDisplay(r.ctx, r.convID, *msg); err != nil {
			r.logger.Warn("display message not recorded",
				"conversation", r.convID,
				"type", msg.Type,
				"error", err,
			)
		}
	}
	if r.next != nil {
		r.next.Emit(e)
	}
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
