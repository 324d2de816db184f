// ABOUTME: Resolves the active chat provider from the stored configuration document
// ABOUTME: Caches one breaker-wrapped client per distinct provider configuration

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/agent-fleet/internal/config"
	"github.com/2389/agent-fleet/internal/store"
)

// ProviderConfigReader reads the stored provider document.
type ProviderConfigReader interface {
	GetProviderConfig(ctx context.Context) (store.ProviderConfig, error)
}

// ProviderSource hands out the chat provider to use for one task.
type ProviderSource interface {
	Provider(ctx context.Context) (ChatProvider, error)
}

// BuildFunc constructs a chat provider for a resolved configuration.
type BuildFunc func(p *config.Provider) (ChatProvider, error)

// StoreSource resolves the provider on every call, so a configuration saved
// through the admin API takes effect for the next task without a restart.
type StoreSource struct {
	store  ProviderConfigReader
	getenv func(string) string
	build  BuildFunc
	logger *slog.Logger

	mu     sync.Mutex
	cached map[string]ChatProvider
}

// NewStoreSource creates a source backed by s. A nil build uses OpenAI-compatible
// clients wrapped in a circuit breaker configured by bs.
func NewStoreSource(s ProviderConfigReader, bs BreakerSettings, build BuildFunc, logger *slog.Logger) *StoreSource {
	if logger == nil {
		logger = slog.Default()
	}
	if build == nil {
		build = func(p *config.Provider) (ChatProvider, error) {
			op, err := NewOpenAIProvider(p, logger)
			if err != nil {
				return nil, err
			}
			return NewBreakerProvider(op, bs, logger), nil
		}
	}
	return &StoreSource{
		store:  s,
		build:  build,
		logger: logger,
		cached: make(map[string]ChatProvider),
	}
}

// Provider implements ProviderSource.
func (s *StoreSource) Provider(ctx context.Context) (ChatProvider, error) {
	stored, err := s.store.GetProviderConfig(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("reading provider config: %w", err)
	}
	doc := map[string]string(stored)
	delete(doc, "id")

	resolved, err := config.ResolveProvider(doc, s.getenv)
	if err != nil {
		return nil, err
	}

	key := fingerprint(resolved)

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.cached[key]; ok {
		return p, nil
	}
	p, err := s.build(resolved)
	if err != nil {
		return nil, fmt.Errorf("building %s provider: %w", resolved.Name, err)
	}
	s.cached[key] = p
	s.logger.Info("llm provider configured", "provider", resolved.Name, "model", resolved.Model)
	return p, nil
}

func fingerprint(p *config.Provider) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", p.Name, p.Model, p.APIKey, p.Endpoint, p.APIVersion)
}
