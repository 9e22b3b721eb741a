package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// FactoryConfig selects the provider and the fallback endpoint used when
// a conversation does not override api_base or api_key.
type FactoryConfig struct {
	// Provider is "openai" or "ollama".
	Provider          string
	APIBase           string
	APIKey            string
	OllamaURL         string
	MaxRetries        int
	RequestsPerMinute int
}

// Factory hands out clients keyed by endpoint. Conversations carry their
// own api_base and api_key, so a single process talks to many
// endpoints; clients (and their connection pools) are cached per
// endpoint and share one rate limiter.
type Factory struct {
	cfg     FactoryConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]Client // endpoint key → client
}

// NewFactory creates a client factory.
func NewFactory(cfg FactoryConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	return &Factory{
		cfg:     cfg,
		limiter: NewLimiter(cfg.RequestsPerMinute),
		logger:  logger,
		clients: make(map[string]Client),
	}
}

// ClientFor returns the client for apiBase/apiKey, falling back to the
// configured endpoint for empty values.
func (f *Factory) ClientFor(apiBase, apiKey string) (Client, error) {
	if apiBase == "" {
		apiBase = f.cfg.APIBase
	}
	if apiKey == "" {
		apiKey = f.cfg.APIKey
	}

	var key string
	switch f.cfg.Provider {
	case "openai":
		if apiBase == "" {
			return nil, fmt.Errorf("no api_base configured")
		}
		key = endpointKey(apiBase, apiKey)
	case "ollama":
		key = "ollama"
	default:
		return nil, fmt.Errorf("unsupported provider %q", f.cfg.Provider)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	var c Client
	if f.cfg.Provider == "ollama" {
		c = NewOllamaClient(f.cfg.OllamaURL, f.cfg.MaxRetries, f.logger)
	} else {
		c = NewOpenAIClient(apiBase, apiKey, f.cfg.MaxRetries, f.logger)
	}
	c = WithLimiter(c, f.limiter)
	f.clients[key] = c
	return c, nil
}

// Provider returns the configured provider name.
func (f *Factory) Provider() string {
	return f.cfg.Provider
}

// endpointKey hashes the pair so raw API keys are never retained as map keys.
func endpointKey(apiBase, apiKey string) string {
	sum := sha256.Sum256([]byte(apiBase + "\x00" + apiKey))
	return hex.EncodeToString(sum[:])
}
