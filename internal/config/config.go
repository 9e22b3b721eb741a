// Package config handles LyNexus configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/lynexus/config.yaml, /etc/lynexus/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "lynexus", "config.yaml"))
	}

	paths = append(paths, "/etc/lynexus/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all LyNexus configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"` // text (default) or json
	Model       ModelConfig       `yaml:"model"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
	Prompts     PromptsConfig     `yaml:"prompts"`
	Tools       ToolsConfig       `yaml:"tools"`
	MCP         MCPConfig         `yaml:"mcp"`
	Store       StoreConfig       `yaml:"store"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelConfig defines how the model endpoint is reached. Per-conversation
// settings (api_base, api_key, model) override these values.
type ModelConfig struct {
	// Provider selects the wire protocol: "openai" for any
	// OpenAI-compatible chat completions endpoint, "ollama" for a local
	// Ollama server.
	Provider string `yaml:"provider"`
	APIBase  string `yaml:"api_base"`
	APIKey   string `yaml:"api_key"`
	// OllamaURL is consulted when Provider is "ollama".
	OllamaURL string `yaml:"ollama_url"`
	// RequestsPerMinute throttles outbound model calls. Zero disables.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// MaxRetries bounds retries on 429/5xx responses before the first
	// streamed byte.
	MaxRetries int `yaml:"max_retries"`
}

// DefaultsConfig seeds the settings of newly created conversations.
type DefaultsConfig struct {
	Model            string   `yaml:"model"`
	APIBase          string   `yaml:"api_base"`
	Temperature      float64  `yaml:"temperature"`
	MaxTokens        int      `yaml:"max_tokens"`
	TopP             float64  `yaml:"top_p"`
	PresencePenalty  float64  `yaml:"presence_penalty"`
	FrequencyPenalty float64  `yaml:"frequency_penalty"`
	Stream           *bool    `yaml:"stream"`
	CommandStart     string   `yaml:"command_start"`
	CommandSeparator string   `yaml:"command_separator"`
	MaxIterations    int      `yaml:"max_iterations"`
	SystemPrompt     string   `yaml:"system_prompt"`
	EnabledTools     []string `yaml:"enabled_tools"`
	MCPPaths         []string `yaml:"mcp_paths"`
}

// PromptsConfig overrides the built-in feedback templates. Empty fields
// keep the defaults.
type PromptsConfig struct {
	// CommandExecution wraps a successful tool result; {result} is
	// replaced with the tool output.
	CommandExecution string `yaml:"command_execution"`
	// CommandRetry wraps a failed tool result; {error} is replaced with
	// the failure message.
	CommandRetry string `yaml:"command_retry"`
	// FinalSummary is appended when the iteration cap is reached.
	FinalSummary string `yaml:"final_summary"`
}

// ToolsConfig defines the built-in tool set.
type ToolsConfig struct {
	// Workspace is the root directory for file tools. If empty, file
	// tools are disabled.
	Workspace string `yaml:"workspace"`
	// DownloadDir receives files fetched by download_document. Defaults
	// to <workspace>/downloads.
	DownloadDir string          `yaml:"download_dir"`
	ShellExec   ShellExecConfig `yaml:"shell_exec"`
	// FetchTimeoutSec bounds read_page and download_document requests.
	FetchTimeoutSec int `yaml:"fetch_timeout_sec"`
	// SearchURL is the results page search_baidu reads. {query} and
	// {max} are replaced with the escaped query and result count.
	SearchURL string `yaml:"search_url"`
}

// DefaultSearchURL queries Baidu.
const DefaultSearchURL = "https://www.baidu.com/s?ie=UTF-8&wd={query}&rn={max}"

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// MCPConfig defines MCP server discovery.
type MCPConfig struct {
	// ConfigPaths are server description files (.json, .yaml, .toml)
	// loaded at startup in addition to any per-conversation mcp_paths.
	ConfigPaths []string `yaml:"config_paths"`
	// Watch reloads servers when a config file changes.
	Watch bool `yaml:"watch"`
	// StartupTimeoutSec bounds the initialize handshake per server.
	StartupTimeoutSec int `yaml:"startup_timeout_sec"`
}

// StoreConfig defines the conversation store.
type StoreConfig struct {
	// Driver is "sqlite3" (cgo, default) or "sqlite" (pure Go).
	Driver string `yaml:"driver"`
	// Path is the database file. Defaults to <data_dir>/lynexus.db.
	Path string `yaml:"path"`
	// Secret seals per-conversation API keys at rest. Empty stores
	// keys in the clear.
	Secret string `yaml:"secret"`
}

// MQTTConfig defines the optional MQTT mirror of run events.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	// PublishIntervalSec is the cadence of the stats snapshot.
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// Configured reports whether an MQTT broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// MaintenanceConfig schedules background jobs. Schedules use five-field
// cron syntax.
type MaintenanceConfig struct {
	// RetentionDays prunes conversations idle longer than this. Zero
	// disables pruning.
	RetentionDays   int    `yaml:"retention_days"`
	PruneSchedule   string `yaml:"prune_schedule"`
	MCPPingSchedule string `yaml:"mcp_ping_schedule"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := base()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := base()
	cfg.applyDefaults()
	return cfg
}

// base holds the values a config file overlays. Derived fields are filled
// in by applyDefaults after the overlay.
func base() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080},
		DataDir: "./db",
		Model: ModelConfig{
			Provider:   "openai",
			MaxRetries: 2,
		},
		Defaults: DefaultsConfig{
			Model:            "deepseek-chat",
			APIBase:          "https://api.deepseek.com",
			Temperature:      1.0,
			TopP:             1.0,
			CommandStart:     "YLDEXECUTE:",
			CommandSeparator: "￥|",
			MaxIterations:    15,
		},
		Store: StoreConfig{Driver: "sqlite3"},
		MCP:   MCPConfig{StartupTimeoutSec: 30},
		Maintenance: MaintenanceConfig{
			PruneSchedule:   "0 4 * * *",
			MCPPingSchedule: "*/5 * * * *",
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite3"
	}
	if c.Store.Path == "" && c.DataDir != "" {
		c.Store.Path = filepath.Join(c.DataDir, "lynexus.db")
	}
	if c.Model.OllamaURL == "" {
		c.Model.OllamaURL = "http://localhost:11434"
	}
	if c.Defaults.Stream == nil {
		on := true
		c.Defaults.Stream = &on
	}
	if c.Tools.ShellExec.DefaultTimeoutSec == 0 {
		c.Tools.ShellExec.DefaultTimeoutSec = 30
	}
	if c.Tools.FetchTimeoutSec == 0 {
		c.Tools.FetchTimeoutSec = 30
	}
	if c.Tools.SearchURL == "" {
		c.Tools.SearchURL = DefaultSearchURL
	}
	if c.Tools.DownloadDir == "" && c.Tools.Workspace != "" {
		c.Tools.DownloadDir = filepath.Join(c.Tools.Workspace, "downloads")
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "lynexus"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate reports configuration errors that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	switch c.Model.Provider {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("model.provider %q: must be openai or ollama", c.Model.Provider))
	}
	switch c.Store.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: must be sqlite3 or sqlite", c.Store.Driver))
	}
	if c.Defaults.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("defaults.max_iterations must be >= 1, got %d", c.Defaults.MaxIterations))
	}
	if c.Defaults.CommandStart == "" {
		errs = append(errs, errors.New("defaults.command_start must not be empty"))
	}
	if c.Defaults.CommandSeparator == "" {
		errs = append(errs, errors.New("defaults.command_separator must not be empty"))
	}
	if c.Defaults.CommandStart != "" && c.Defaults.CommandStart == c.Defaults.CommandSeparator {
		errs = append(errs, errors.New("defaults.command_separator must differ from command_start"))
	}
	if c.MQTT.Configured() && !strings.HasPrefix(c.MQTT.Broker, "mqtt://") && !strings.HasPrefix(c.MQTT.Broker, "mqtts://") {
		errs = append(errs, fmt.Errorf("mqtt.broker %q: must use mqtt:// or mqtts://", c.MQTT.Broker))
	}

	return errors.Join(errs...)
}
