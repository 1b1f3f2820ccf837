package main

import (
	"context"
	"fmt"

	"github.com/nstogner/klever/pkg/config"
	"github.com/nstogner/klever/pkg/model"
	"github.com/nstogner/klever/pkg/model/anthropic"
	"github.com/nstogner/klever/pkg/model/gemini"
	"github.com/nstogner/klever/pkg/model/openai"
)

var providerKeyHint = map[string]string{
	"gemini":    "GEMINI_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// newProvider builds the model provider selected by the config.
func newProvider(ctx context.Context, mc config.ModelConfig) (model.Provider, error) {
	if mc.APIKey == "" {
		return nil, fmt.Errorf("no API key for provider %s: set model.api_key or %s", mc.Provider, providerKeyHint[mc.Provider])
	}
	switch mc.Provider {
	case "gemini":
		p, err := gemini.New(ctx, mc.APIKey, mc.BaseURL)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		return openai.New(mc.APIKey, mc.BaseURL), nil
	case "anthropic":
		return anthropic.New(mc.APIKey, mc.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", mc.Provider)
	}
}
