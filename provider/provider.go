package provider

import (
	"errors"
	"os"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/core"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/telemetry"
	openai_provider "github.com/xinzhuwang-wxz/HolisticaQuant/provider/openai"
)

// New builds the configured oracle provider. API keys fall back to the
// OPENAI_API_KEY environment variable.
func New(cfg config.LLMConfig, tel *telemetry.Telemetry) (core.LLMProvider, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("llm.api_key not configured and OPENAI_API_KEY not set")
	}
	return openai_provider.NewClient(cfg, tel), nil
}
