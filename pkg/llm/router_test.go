package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echomind-ai/echomind/pkg/config"
)

var testProviders = []config.ProviderConfig{
	{Name: "openai", URL: "https://api.openai.com", APIKey: "sk-1"},
	{Name: "anthropic", URL: "https://api.anthropic.com", APIKey: "sk-2", Type: ProviderAnthropic},
}

func TestResolveNoRoutes(t *testing.T) {
	r := NewRouter(testProviders[:1], nil)
	routes, err := r.Resolve("gpt-4o-mini")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "openai", routes[0].Provider.Name)
	assert.Equal(t, "gpt-4o-mini", routes[0].Model)
}

func TestResolveWithAlias(t *testing.T) {
	r := NewRouter(testProviders, []config.RouteConfig{{
		Model: "fast",
		Targets: []config.RouteTarget{
			{Provider: "openai", Model: "gpt-4o-mini"},
			{Provider: "anthropic", Model: "claude-haiku-4-5"},
		},
	}})
	routes, err := r.Resolve("fast")
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, Route{Provider: testProviders[0], Model: "gpt-4o-mini"}, routes[0])
	assert.Equal(t, Route{Provider: testProviders[1], Model: "claude-haiku-4-5"}, routes[1])
}

func TestResolveTargetInheritsModel(t *testing.T) {
	r := NewRouter(testProviders, []config.RouteConfig{{
		Model:   "gpt-4o",
		Targets: []config.RouteTarget{{Provider: "ghost"}, {Provider: "openai"}},
	}})
	routes, err := r.Resolve("gpt-4o")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "gpt-4o", routes[0].Model)
}

func TestResolveErrors(t *testing.T) {
	_, err := NewRouter(nil, nil).Resolve("gpt-4o")
	assert.ErrorIs(t, err, ErrNoProviders)

	r := NewRouter(testProviders, []config.RouteConfig{{
		Model:   "broken",
		Targets: []config.RouteTarget{{Provider: "ghost"}},
	}})
	_, err = r.Resolve("broken")
	assert.ErrorContains(t, err, "all providers unknown")
}
