package llm

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

var defaultModels = map[string]string{
	"openai":     "gpt-4o-mini",
	"openrouter": "openai/gpt-4o-mini",
	"gemini":     "gemini-2.0-flash",
}

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	geminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta/openai/"
)

// ProviderFactory returns a Factory for a named provider. openai, openrouter
// and gemini all speak the OpenAI chat API; baseURL overrides the default
// endpoint and an empty model picks the provider's default.
func ProviderFactory(provider, model, baseURL string) (Factory, error) {
	switch provider {
	case "openai":
	case "openrouter":
		if baseURL == "" {
			baseURL = openRouterBaseURL
		}
	case "gemini":
		if baseURL == "" {
			baseURL = geminiBaseURL
		}
	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}
	if model == "" {
		model = defaultModels[provider]
	}

	return func(key string) (llms.Model, error) {
		opts := []openai.Option{
			openai.WithToken(key),
			openai.WithModel(model),
		}
		if baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, err
		}
		return llm, nil
	}, nil
}
