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

// Message is one chat turn sent to a completion endpoint.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Sampling holds the generation parameters of a completion request.
type Sampling struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// ChatCompleter produces the next assistant turn for a conversation.
type ChatCompleter interface {
	CompleteChat(ctx context.Context, systemPrompt string, messages []Message, sampling Sampling) (string, error)
}

// OpenAICompatClient calls any OpenAI-compatible /chat/completions endpoint
// (Groq, OpenRouter, vLLM, LiteLLM, ...).
type OpenAICompatClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatClient builds a client. baseURL should include the /v1
// prefix, e.g. "https://api.groq.com/openai/v1". apiKey may be empty for
// local models.
func NewOpenAICompatClient(baseURL, apiKey, model string) *OpenAICompatClient {
	return &OpenAICompatClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// CompleteChat implements ChatCompleter using the OpenAI chat completions API.
func (c *OpenAICompatClient) CompleteChat(ctx context.Context, systemPrompt string, messages []Message, sampling Sampling) (string, error) {
	if c.model == "" {
		return "", fmt.Errorf("openai-compat model required")
	}
	all := make([]Message, 0, len(messages)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		all = append(all, Message{Role: "system", Content: systemPrompt})
	}
	all = append(all, messages...)

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    all,
		Temperature: sampling.Temperature,
		MaxTokens:   sampling.MaxTokens,
		TopP:        sampling.TopP,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai-compat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return "", fmt.Errorf("openai-compat api error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("openai-compat api error: %s", resp.Status)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("openai-compat decode: %w", err)
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message == nil {
		return "", fmt.Errorf("unexpected response shape from openai-compat api")
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	return text, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	TopP        float64   `json:"top_p"`
}

type chatResponse struct {
	Choices []struct {
		Message *Message `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
