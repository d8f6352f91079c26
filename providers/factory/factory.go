package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/insight-runtime/llm"
	geminiprov "github.com/PipeOpsHQ/insight-runtime/providers/gemini"
	openaiprov "github.com/PipeOpsHQ/insight-runtime/providers/openai"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

type Config struct {
	Name string `yaml:"name"`

	GeminiAPIKey string `yaml:"-"`
	GeminiModel  string `yaml:"geminiModel"`

	OpenAIAPIKey  string `yaml:"-"`
	OpenAIModel   string `yaml:"openaiModel"`
	OpenAIBaseURL string `yaml:"openaiBaseURL"`
}

func DefaultConfig() Config {
	return Config{
		Name:        ProviderGemini,
		GeminiModel: "gemini-2.5-flash",
		OpenAIModel: "gpt-4o-mini",
	}
}

// New builds the reasoning service named by cfg.Name.
func New(ctx context.Context, cfg Config) (llm.Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		name = ProviderGemini
	}
	switch name {
	case ProviderOpenAI:
		key := strings.TrimSpace(cfg.OpenAIAPIKey)
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when INSIGHT_PROVIDER=openai")
		}
		opts := []openaiprov.Option{openaiprov.WithModel(cfg.OpenAIModel)}
		if base := strings.TrimSpace(cfg.OpenAIBaseURL); base != "" {
			opts = append(opts, openaiprov.WithBaseURL(base))
		}
		return openaiprov.New(key, opts...)

	case ProviderGemini:
		key := strings.TrimSpace(cfg.GeminiAPIKey)
		if key == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when INSIGHT_PROVIDER=gemini")
		}
		return geminiprov.New(ctx, key, geminiprov.WithModel(cfg.GeminiModel))
	}

	return nil, fmt.Errorf("unsupported INSIGHT_PROVIDER %q (use gemini or openai)", name)
}
