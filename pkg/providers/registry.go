package providers

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openharness/openharness/pkg/engine"
)

// Provider types.
const (
	TypeShell = "shell"
	TypeHTTP  = "http"
)

// TargetConfig describes one configured dependency target.
type TargetConfig struct {
	// Type is shell or http.
	Type string `yaml:"type" validate:"required,oneof=shell http"`

	// Endpoint is the base URL for http targets.
	Endpoint string `yaml:"endpoint" validate:"required_if=Type http,omitempty,url"`

	// Timeout bounds one request for http targets.
	Timeout time.Duration `yaml:"timeout"`

	// Fallback names another configured target tried when this one fails
	// with a retryable error.
	Fallback string `yaml:"fallback"`
}

// Registry holds the constructed providers keyed by target name.
type Registry struct {
	providers    map[string]engine.Provider
	fallbacks    map[string]engine.Provider
	compensators map[string]engine.Compensator
}

// Build constructs providers from the target table. An empty table yields a
// single local shell target named "shell".
func Build(targets map[string]TargetConfig, logger zerolog.Logger) (*Registry, error) {
	if len(targets) == 0 {
		targets = map[string]TargetConfig{
			TypeShell: {Type: TypeShell},
		}
	}

	r := &Registry{
		providers:    make(map[string]engine.Provider, len(targets)),
		fallbacks:    make(map[string]engine.Provider),
		compensators: make(map[string]engine.Compensator, len(targets)),
	}

	for name, cfg := range targets {
		provider, err := construct(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", name, err)
		}
		r.providers[name] = provider
		if comp, ok := provider.(engine.Compensator); ok {
			r.compensators[name] = comp
		}
	}

	// Fallbacks reference targets by name, so they resolve after every
	// primary is constructed.
	for name, cfg := range targets {
		if cfg.Fallback == "" {
			continue
		}
		fallback, ok := r.providers[cfg.Fallback]
		if !ok {
			return nil, fmt.Errorf("target %s: fallback %q is not a configured target", name, cfg.Fallback)
		}
		r.fallbacks[name] = fallback
	}

	return r, nil
}

func construct(cfg TargetConfig, logger zerolog.Logger) (engine.Provider, error) {
	switch cfg.Type {
	case TypeShell:
		return NewShellProvider(logger), nil
	case TypeHTTP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("http target requires an endpoint")
		}
		return NewHTTPProvider(cfg.Endpoint, cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// Providers returns the primary provider table.
func (r *Registry) Providers() map[string]engine.Provider { return r.providers }

// Fallbacks returns the fallback provider table.
func (r *Registry) Fallbacks() map[string]engine.Provider { return r.fallbacks }

// Compensators returns the compensator table.
func (r *Registry) Compensators() map[string]engine.Compensator { return r.compensators }
