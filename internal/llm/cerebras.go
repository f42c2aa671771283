package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultBaseURL = "https://api.cerebras.ai"

	// The session hands over the whole conversation as one prompt; the
	// system message tells the model how to read it.
	systemPrompt = "You are a helpful, concise voice agent on a live call. " +
		"The prompt contains the conversation so far as [USER]/[ASSISTANT] turns; " +
		"answer the last [USER] turn in short spoken sentences."
)

// CerebrasClient generates replies through Cerebras' OpenAI-compatible chat
// completions endpoint. The HTTP client carries no timeout of its own; the
// request context is the only deadline, so the caller's reply budget governs.
type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	BaseURL    string
}

func NewCerebrasClient(apiKey, model string) *CerebrasClient {
	return &CerebrasClient{
		HTTPClient: &http.Client{},
		APIKey:     apiKey,
		Model:      model,
		BaseURL:    defaultBaseURL,
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

// Generate produces one assistant reply for the conversation prompt.
func (c *CerebrasClient) Generate(ctx context.Context, prompt string) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("cerebras: api key missing")
	}

	req, err := c.buildRequest(ctx, prompt)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("cerebras: status=%d body=%s", resp.StatusCode, preview)
	}
	return decodeReply(resp.Body)
}

func (c *CerebrasClient) buildRequest(ctx context.Context, prompt string) (*http.Request, error) {
	body, err := json.Marshal(completionRequest{
		Model: c.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, err
	}
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func decodeReply(r io.Reader) (string, error) {
	var out completionResponse
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return "", fmt.Errorf("cerebras: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("cerebras: no choices in response")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
