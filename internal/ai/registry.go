package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/suPer8Hu/shopchat/internal/config"
)

// ProviderFactory builds a provider for one model; an empty model means the
// provider's configured default.
type ProviderFactory func(ctx context.Context, model string) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	fallback  string
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	if r.fallback == "" {
		r.fallback = name
	}
}

// SetDefault picks the provider used when a caller passes an empty name.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	r.fallback = normalize(name)
	r.mu.Unlock()
}

func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = normalize(name)
	r.mu.RLock()
	if name == "" {
		name = r.fallback
	}
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}

func pick(model, def string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return def
}

// NewRegistryFromConfig registers every built-in provider and makes
// cfg.AIProvider the default.
func NewRegistryFromConfig(cfg config.Config) *Registry {
	r := NewRegistry()
	r.Register("ollama", func(_ context.Context, model string) (Provider, error) {
		return NewOllamaProvider(cfg.OllamaBaseURL, pick(model, cfg.OllamaModel), cfg.AITemperature), nil
	})
	r.Register("openrouter", func(_ context.Context, model string) (Provider, error) {
		return NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, pick(model, cfg.OpenRouterModel),
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName, cfg.AITemperature), nil
	})
	r.Register("openai", func(_ context.Context, model string) (Provider, error) {
		return NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, pick(model, cfg.OpenAIModel), cfg.AITemperature), nil
	})
	r.Register("echo", func(_ context.Context, model string) (Provider, error) {
		return EchoProvider{}, nil
	})
	r.SetDefault(cfg.AIProvider)
	return r
}

// DefaultModel reports the configured model for a provider name.
func DefaultModel(cfg config.Config, provider string) string {
	switch normalize(provider) {
	case "openrouter":
		return cfg.OpenRouterModel
	case "openai":
		return cfg.OpenAIModel
	case "echo":
		return "echo"
	default:
		return cfg.OllamaModel
	}
}
