package cmd

import (
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/taskrun/internal/llm"
)

// newLLMClient creates an LLM client from config/env, or returns nil if no
// API key is configured. Without one, PR bodies use the template and slugs
// stay ASCII.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}
