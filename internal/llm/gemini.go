package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/paysentinel/backend/internal/core"
)

// Gemini talks to Google's generateContent endpoint over plain HTTP.
type Gemini struct {
	apiKey string
	model  string
	http   *http.Client
}

func NewGemini(apiKey, model string, timeout time.Duration) *Gemini {
	if model == "" {
		model = "gemini-2.5-flash-lite"
	}
	return &Gemini{apiKey: apiKey, model: model, http: newHTTPClient(timeout)}
}

func (g *Gemini) Name() string { return "gemini" }

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	if g.apiKey == "" {
		return "", core.Permanentf("gemini api key not configured")
	}

	// URL encode the API key to be safe
	safeKey := url.QueryEscape(g.apiKey)
	apiURL := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s", g.model, safeKey)

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: prompt}}},
		},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", core.Permanentf("marshal gemini request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", core.Permanentf("create gemini request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return "", core.Transientf("gemini api request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("gemini", resp.StatusCode, string(body))
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return "", core.Transientf("unmarshal gemini response: %v", err)
	}
	if geminiResp.Error != nil {
		return "", core.Permanentf("gemini api returned error: %s", geminiResp.Error.Message)
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return "", core.Transientf("no candidates returned from gemini")
	}

	return geminiResp.Candidates[0].Content.Parts[0].Text, nil
}
