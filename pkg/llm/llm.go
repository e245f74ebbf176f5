// Package llm adapts the provider APIs the probe and summarize workers
// call. One adapter per provider, looked up through a registry.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/valuerank/valuerank/pkg/config"
)

// Providers with first-class adapters.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderXAI       = "xai"
	ProviderGoogle    = "google"
	ProviderMock      = "mock"
)

// Default OpenAI-compatible endpoints for providers served through the
// OpenAI client.
const (
	defaultXAIBaseURL    = "https://api.x.ai/v1"
	defaultGoogleBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// InferProvider maps a model id to its provider by name convention.
// Models matching no known family route to the mock provider, which
// keeps unconfigured local development runnable end to end.
func InferProvider(modelID string) string {
	lowered := strings.ToLower(modelID)

	switch {
	case strings.Contains(lowered, "gpt"),
		strings.Contains(lowered, "text-"):
		return ProviderOpenAI
	case strings.Contains(lowered, "claude"):
		return ProviderAnthropic
	case strings.Contains(lowered, "grok"):
		return ProviderXAI
	case strings.Contains(lowered, "gemini"):
		return ProviderGoogle
	default:
		return ProviderMock
	}
}

// Request is one completion call.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   int
}

// Response is the text and token accounting of one completion.
type Response struct {
	Text         string
	PromptTokens int
	OutputTokens int
}

// Adapter executes completions against one provider.
type Adapter interface {
	Provider() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Registry resolves provider names to adapters.
type Registry struct {
	log      logrus.FieldLogger
	adapters map[string]Adapter
}

// NewRegistry builds adapters for every configured provider. The mock
// provider is always registered.
func NewRegistry(
	log logrus.FieldLogger,
	providers map[string]config.ProviderConfig,
) *Registry {
	r := &Registry{
		log:      log.WithField("component", "llm_registry"),
		adapters: make(map[string]Adapter),
	}

	r.Register(NewMockAdapter())

	for name, cfg := range providers {
		adapter, err := buildAdapter(name, cfg)
		if err != nil {
			r.log.WithError(err).WithField("provider", name).
				Warn("Skipping provider")

			continue
		}

		if adapter != nil {
			r.Register(adapter)
		}
	}

	return r
}

func buildAdapter(
	name string, cfg config.ProviderConfig,
) (Adapter, error) {
	switch name {
	case ProviderOpenAI:
		return NewOpenAIAdapter(name, cfg.APIKey, cfg.BaseURL), nil
	case ProviderXAI:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultXAIBaseURL
		}

		return NewOpenAIAdapter(name, cfg.APIKey, baseURL), nil
	case ProviderGoogle:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultGoogleBaseURL
		}

		return NewOpenAIAdapter(name, cfg.APIKey, baseURL), nil
	case ProviderAnthropic:
		return NewAnthropicAdapter(cfg.APIKey, cfg.BaseURL), nil
	case ProviderMock:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

// Register adds or replaces an adapter.
func (r *Registry) Register(adapter Adapter) {
	r.adapters[adapter.Provider()] = adapter
}

// Lookup returns the adapter for a provider.
func (r *Registry) Lookup(provider string) (Adapter, error) {
	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider: %s", provider)
	}

	return adapter, nil
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}

	return names
}
