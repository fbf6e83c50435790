package llm

import (
	"errors"
	"fmt"

	"github.com/echomind-ai/echomind/pkg/config"
)

// ErrNoProviders is returned when no upstream provider is configured.
var ErrNoProviders = errors.New("no providers configured")

// Route represents a resolved provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Router resolves requested model names to ordered provider+model chains.
type Router struct {
	providers []config.ProviderConfig
	routes    []config.RouteConfig
}

// NewRouter creates a Router from the provider list and route table.
func NewRouter(providers []config.ProviderConfig, routes []config.RouteConfig) *Router {
	return &Router{providers: providers, routes: routes}
}

// Resolve returns an ordered list of routes for the requested model.
// If the model matches a configured route, the route's targets are returned.
// Otherwise, the first provider is used with the requested model name.
func (r *Router) Resolve(requestedModel string) ([]Route, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProviders
	}

	providerIndex := make(map[string]config.ProviderConfig, len(r.providers))
	for _, p := range r.providers {
		providerIndex[p.Name] = p
	}

	for _, route := range r.routes {
		if route.Model != requestedModel {
			continue
		}
		var out []Route
		for _, target := range route.Targets {
			provider, ok := providerIndex[target.Provider]
			if !ok {
				continue // skip unknown providers
			}
			model := target.Model
			if model == "" {
				model = requestedModel
			}
			out = append(out, Route{Provider: provider, Model: model})
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("route %q: all providers unknown", requestedModel)
		}
		return out, nil
	}

	return []Route{{Provider: r.providers[0], Model: requestedModel}}, nil
}
