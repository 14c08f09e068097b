package proxy

import (
	"github.com/relayforge/gateway/internal/providers"
	"github.com/relayforge/gateway/internal/selector"
)

// resolveProvider returns the provider name for the given chat/completion model.
// Falls back to "openai" if the model is unknown.
func resolveProvider(model string) string {
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	return "openai"
}

// resolveEmbeddingProvider returns the provider name for the given embedding model.
// It checks EmbeddingModelAliases first, then ModelAliases for provider detection,
// and falls back to "openai".
func resolveEmbeddingProvider(model string) string {
	if name, ok := providers.EmbeddingModelAliases[model]; ok {
		return name
	}
	// A user might pass a chat model name; resolve to its provider so it can
	// attempt the embedding call (the provider API will return a clear error).
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	return "openai"
}

// candidateInputs builds the capability-matched selector.Input list for one
// request: primary first, then the rest of providers.DefaultFallbackOrder,
// restricted to providers actually configured on this Gateway. The selector
// ranks and admits among these; it never invents a candidate the deployment
// doesn't have credentials for.
func (g *Gateway) candidateInputs(primary, model string) []selector.Input {
	names := buildCandidateList(primary)
	inputs := make([]selector.Input, 0, len(names))
	for _, name := range names {
		if _, ok := g.providers[name]; !ok {
			continue
		}
		inputs = append(inputs, selector.Input{Provider: name, ResolvedModel: model})
	}
	return inputs
}
