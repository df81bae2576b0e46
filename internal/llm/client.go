// Package llm holds the narrow LLM client used to write incident
// explanations. Providers share one interface so the enricher never knows
// which vendor is behind it.
package llm

import (
	"context"
	"net/http"
	"time"

	"github.com/paysentinel/backend/internal/config"
	"github.com/paysentinel/backend/internal/core"
)

// Client generates a short plain-text completion for a prompt. Transport and
// 5xx failures come back wrapped in ErrTransient (worth retrying), auth and
// quota failures in ErrPermanent.
type Client interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// New builds the provider selected by configuration.
func New(cfg *config.Config) (Client, error) {
	switch cfg.LLMProvider {
	case "gemini":
		return NewGemini(cfg.GeminiAPIKey, "", cfg.LLMTimeout), nil
	case "openai":
		return NewOpenAI(cfg.OpenAIAPIKey, "", cfg.LLMTimeout), nil
	case "none":
		return Disabled{}, nil
	}
	return nil, core.Permanentf("unknown llm provider %q", cfg.LLMProvider)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// classifyStatus maps an HTTP status to the retry taxonomy.
func classifyStatus(provider string, status int, body string) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return core.Transientf("%s api error (status %d): %s", provider, status, body)
	}
	return core.Permanentf("%s api error (status %d): %s", provider, status, body)
}

// Disabled is the no-provider client. Generate fails permanently so the
// enricher marks incidents failed without burning retries.
type Disabled struct{}

func (Disabled) Name() string { return "none" }

func (Disabled) Generate(context.Context, string) (string, error) {
	return "", core.Permanentf("llm enrichment disabled")
}
