package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatGenerator targets any server exposing /chat/completions in the
// OpenAI format. baseURL includes the version prefix, e.g.
// "http://localhost:8000/v1"; apiKey may be empty for local servers.
type OpenAICompatGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewOpenAICompatGenerator(baseURL, apiKey, model string) *OpenAICompatGenerator {
	return &OpenAICompatGenerator{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (g *OpenAICompatGenerator) Complete(ctx context.Context, in Request) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("openai-compat generation model required")
	}
	raw, err := json.Marshal(oaiChatRequest{
		Model:       g.model,
		Messages:    chatMessages(in),
		Temperature: in.Config.Temperature,
		TopP:        in.Config.TopP,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai-compat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return "", &APIError{Provider: "openai-compat", Status: resp.StatusCode, Message: e.Error.Message, Reason: e.Error.Code}
	}

	var out oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("openai-compat decode: %w", err)
	}
	for _, c := range out.Choices {
		if text := strings.TrimSpace(c.Message.Content); text != "" {
			return text, nil
		}
	}
	return "", ErrEmptyCompletion
}

type oaiChatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}
