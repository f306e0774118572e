package ai

import (
	"fmt"

	"github.com/compasshq/compass/internal/profile"
)

// LLMConfig configures the LLM backend.
type LLMConfig struct {
	Provider    string // openai, deepseek, compatible
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// LLMConfigFromProfile derives an LLM config from the server profile.
func LLMConfigFromProfile(prof *profile.Profile) *LLMConfig {
	return &LLMConfig{
		Provider: prof.LLMProvider,
		APIKey:   prof.LLMAPIKey,
		BaseURL:  prof.LLMBaseURL,
		Model:    prof.LLMModel,
	}
}

// Validate checks the config and applies defaults.
func (c *LLMConfig) Validate() error {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	switch c.Provider {
	case "openai":
	case "deepseek", "compatible":
		if c.BaseURL == "" {
			return fmt.Errorf("provider %q requires a base URL", c.Provider)
		}
	default:
		return fmt.Errorf("unsupported LLM provider: %s", c.Provider)
	}
	if c.APIKey == "" {
		return fmt.Errorf("LLM API key is required")
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	return nil
}
