package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// DefaultChatEndpoint is the OpenAI chat completions URL.
const DefaultChatEndpoint = "https://api.openai.com/v1/chat/completions"

// ChatModel talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, LM Studio, vLLM, ...).
type ChatModel struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewChatModel creates a chat-completions Model. An empty endpoint selects
// DefaultChatEndpoint; a nil client selects http.DefaultClient (the oracle
// applies its own deadline).
func NewChatModel(endpoint, apiKey, model string, client *http.Client) *ChatModel {
	if endpoint == "" {
		endpoint = DefaultChatEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &ChatModel{endpoint: endpoint, apiKey: apiKey, model: model, client: client}
}

func (c *ChatModel) Name() string { return "chat:" + c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string             `json:"model"`
	Messages       []chatMessage      `json:"messages"`
	Temperature    float64            `json:"temperature"`
	ResponseFormat chatResponseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate sends prompt as a single user message at temperature 0.
func (c *ChatModel) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:          c.model,
		Messages:       []chatMessage{{Role: "user", Content: prompt}},
		ResponseFormat: chatResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("chat: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("chat: create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat: upstream status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("chat: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat: empty choices in response")
	}
	return out.Choices[0].Message.Content, nil
}
