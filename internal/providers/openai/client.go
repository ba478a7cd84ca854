package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"productlab/internal/providers"
)

const ProviderName = "openai"

const (
	defaultModel   = "gpt-4o-mini"
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 90 * time.Second
)

var modelAliases = map[string]string{
	"gpt4o-mini":             "gpt-4o-mini",
	"gpt4omini":              "gpt-4o-mini",
	"gpt-4o-mini-2024-07-18": "gpt-4o-mini",
	"gpt4o":                  "gpt-4o",
	"gpt-3.5":                "gpt-3.5-turbo",
	"gpt-35-turbo":           "gpt-3.5-turbo",
}

// Options configures an OpenAI compatible chat client.
type Options struct {
	APIKey       string
	Model        string
	BaseURL      string
	Organization string
	HTTPClient   *http.Client
	OnWarning    func(reason, detail string)
}

// Client talks to /chat/completions on any OpenAI compatible endpoint.
type Client struct {
	apiKey       string
	model        string
	baseURL      string
	organization string
	client       *http.Client
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature,omitempty"`
	Stream         bool          `json:"stream,omitempty"`
	ResponseFormat *chatFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	requested := strings.TrimSpace(opts.Model)
	model, reason := NormalizeModel(requested)
	if reason != "" && opts.OnWarning != nil {
		opts.OnWarning("model_"+reason, fmt.Sprintf("requested=%s resolved=%s", requested, model))
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		apiKey:       strings.TrimSpace(opts.APIKey),
		model:        model,
		baseURL:      baseURL,
		organization: strings.TrimSpace(opts.Organization),
		client:       client,
	}, nil
}

// Model returns the model used when a request does not name one.
func (c *Client) Model() string { return c.model }

func (c *Client) CompleteChat(ctx context.Context, req providers.ChatRequest) (string, error) {
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("openai: no choices")
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("openai: empty response")
	}
	return text, nil
}

// StreamChat reads the server-sent event stream and reports each content
// delta together with the accumulated text.
func (c *Client) StreamChat(ctx context.Context, req providers.ChatRequest, onDelta func(delta, full string) error) error {
	resp, err := c.post(ctx, c.buildRequest(req, true))
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			full.WriteString(choice.Delta.Content)
			if err := onDelta(choice.Delta.Content, full.String()); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("openai: read stream: %w", err)
	}
	return ctx.Err()
}

func (c *Client) buildRequest(req providers.ChatRequest, stream bool) chatRequest {
	model := c.model
	if m := strings.TrimSpace(req.Model); m != "" {
		model, _ = NormalizeModel(m)
	}
	out := chatRequest{
		Model:     model,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if req.JSON && !stream {
		out.ResponseFormat = &chatFormat{Type: "json_object"}
	}
	for _, msg := range req.Messages {
		role := msg.Role
		if role == "" {
			role = "user"
		}
		if len(msg.Images) == 0 {
			out.Messages = append(out.Messages, chatMessage{Role: role, Content: msg.Text})
			continue
		}
		parts := make([]contentPart, 0, len(msg.Images)+1)
		if msg.Text != "" {
			parts = append(parts, contentPart{Type: "text", Text: msg.Text})
		}
		for _, img := range msg.Images {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img}})
		}
		out.Messages = append(out.Messages, chatMessage{Role: role, Content: parts})
	}
	return out
}

func (c *Client) post(ctx context.Context, payload chatRequest) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.organization != "" {
		httpReq.Header.Set("OpenAI-Organization", c.organization)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: http request: %w", err)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &providers.StatusError{Provider: ProviderName, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// NormalizeModel canonicalizes a model name. The reason is "alias" when an
// alias was rewritten and empty otherwise; unknown names pass through so
// compatible endpoints can serve their own models.
func NormalizeModel(name string) (string, string) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return defaultModel, ""
	}
	normalized := strings.ReplaceAll(trimmed, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	if alias, ok := modelAliases[normalized]; ok {
		return alias, "alias"
	}
	return normalized, ""
}

var (
	_ providers.ChatCompleter = (*Client)(nil)
	_ providers.ChatStreamer  = (*Client)(nil)
)
