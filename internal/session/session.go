// Package session persists conversations: their settings, the model
// transcript the command loop reads and writes, and the display
// messages shown to people. The command loop depends only on the Store
// interface; SQLiteStore is the implementation.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lynexus/lynexus-agent/internal/config"
	"github.com/lynexus/lynexus-agent/internal/llm"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Settings are the per-conversation parameters of a run. A run reads a
// snapshot; changes made while it runs apply to the next one.
type Settings struct {
	Model            string  `json:"model"`
	APIBase          string  `json:"apiBase"`
	APIKey           string  `json:"apiKey,omitempty"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"maxTokens"`
	TopP             float64 `json:"topP"`
	PresencePenalty  float64 `json:"presencePenalty"`
	FrequencyPenalty float64 `json:"frequencyPenalty"`
	Stream           bool    `json:"stream"`
	CommandStart     string  `json:"commandStart"`
	CommandSeparator string  `json:"commandSeparator"`
	MaxIterations    int     `json:"maxIterations"`
	SystemPrompt     string  `json:"systemPrompt"`
	// EnabledTools is nil when every tool is enabled. An empty,
	// non-nil list enables none.
	EnabledTools []string `json:"enabledTools"`
	MCPPaths     []string `json:"mcpPaths"`
}

// SettingsFromConfig builds the settings new conversations start with.
func SettingsFromConfig(d config.DefaultsConfig, apiKey string) Settings {
	stream := true
	if d.Stream != nil {
		stream = *d.Stream
	}
	return Settings{
		Model:            d.Model,
		APIBase:          d.APIBase,
		APIKey:           apiKey,
		Temperature:      d.Temperature,
		MaxTokens:        d.MaxTokens,
		TopP:             d.TopP,
		PresencePenalty:  d.PresencePenalty,
		FrequencyPenalty: d.FrequencyPenalty,
		Stream:           stream,
		CommandStart:     d.CommandStart,
		CommandSeparator: d.CommandSeparator,
		MaxIterations:    d.MaxIterations,
		SystemPrompt:     d.SystemPrompt,
		EnabledTools:     slices.Clone(d.EnabledTools),
		MCPPaths:         slices.Clone(d.MCPPaths),
	}
}

// Validate checks the invariants a run relies on.
func (s Settings) Validate() error {
	var errs []error
	if s.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("maxIterations must be at least 1, got %d", s.MaxIterations))
	}
	if s.CommandStart == "" {
		errs = append(errs, errors.New("commandStart must not be empty"))
	}
	if s.CommandSeparator == "" {
		errs = append(errs, errors.New("commandSeparator must not be empty"))
	}
	if s.CommandStart != "" && s.CommandStart == s.CommandSeparator {
		errs = append(errs, errors.New("commandSeparator must differ from commandStart"))
	}
	if s.Model == "" {
		errs = append(errs, errors.New("model must not be empty"))
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature must be in [0, 2], got %g", s.Temperature))
	}
	if s.TopP < 0 || s.TopP > 1 {
		errs = append(errs, fmt.Errorf("topP must be in [0, 1], got %g", s.TopP))
	}
	if s.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("maxTokens must not be negative, got %d", s.MaxTokens))
	}
	return errors.Join(errs...)
}

// Params returns the sampling parameters for model calls.
func (s Settings) Params() llm.Params {
	return llm.Params{
		Temperature:      s.Temperature,
		TopP:             s.TopP,
		PresencePenalty:  s.PresencePenalty,
		FrequencyPenalty: s.FrequencyPenalty,
		MaxTokens:        s.MaxTokens,
	}
}

// Redacted returns a copy safe to return over the API: the key is
// reduced to its last four characters.
func (s Settings) Redacted() Settings {
	if n := len(s.APIKey); n > 0 {
		if n <= 4 {
			s.APIKey = "****"
		} else {
			s.APIKey = "****" + s.APIKey[n-4:]
		}
	}
	s.EnabledTools = slices.Clone(s.EnabledTools)
	s.MCPPaths = slices.Clone(s.MCPPaths)
	return s
}

// DisplayType classifies a display message.
type DisplayType string

// Display message types.
const (
	DisplayUser           DisplayType = "USER"
	DisplayAI             DisplayType = "AI"
	DisplayCommandRequest DisplayType = "COMMAND_REQUEST"
	DisplayCommandResult  DisplayType = "COMMAND_RESULT"
	DisplayError          DisplayType = "ERROR"
)

// DisplayMessage is one entry of the human-facing conversation log. It
// is kept apart from the model transcript, which also holds feedback
// templates and system prompts nobody needs to see.
type DisplayMessage struct {
	ID        string      `json:"id"`
	Type      DisplayType `json:"type"`
	Content   string      `json:"content"`
	RunID     string      `json:"runId,omitempty"`
	Failed    bool        `json:"failed,omitempty"`
	CreatedAt time.Time   `json:"timestamp"`
}

// Conversation is a conversation's summary row.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
}

// Store is what the command loop needs from persistence.
type Store interface {
	Settings(ctx context.Context, id string) (Settings, error)
	History(ctx context.Context, id string) ([]llm.Message, error)
	SaveHistory(ctx context.Context, id string, msgs []llm.Message) error
	AppendDisplay(ctx context.Context, id string, m DisplayMessage) error
}
