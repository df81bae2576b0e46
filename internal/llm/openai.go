package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/paysentinel/backend/internal/core"
)

const openAIEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAI talks to the chat completions endpoint.
type OpenAI struct {
	apiKey string
	model  string
	http   *http.Client
}

func NewOpenAI(apiKey, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4"
	}
	return &OpenAI{apiKey: apiKey, model: model, http: newHTTPClient(timeout)}
}

func (o *OpenAI) Name() string { return "openai" }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (o *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	if o.apiKey == "" {
		return "", core.Permanentf("openai api key not configured")
	}

	reqBody := openAIRequest{
		Model: o.model,
		Messages: []openAIMessage{
			{Role: "system", Content: "You are a payment systems expert providing concise incident analysis."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.3,
		MaxTokens:   200,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", core.Permanentf("marshal openai request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", openAIEndpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", core.Permanentf("create openai request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.http.Do(req)
	if err != nil {
		return "", core.Transientf("openai api request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("openai", resp.StatusCode, string(body))
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(body, &openAIResp); err != nil {
		return "", core.Transientf("unmarshal openai response: %v", err)
	}
	if openAIResp.Error != nil {
		return "", core.Permanentf("openai api returned error: %s", openAIResp.Error.Message)
	}
	if len(openAIResp.Choices) == 0 {
		return "", core.Transientf("no choices returned from openai")
	}

	return openAIResp.Choices[0].Message.Content, nil
}
