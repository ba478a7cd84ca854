package gemini

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"google.golang.org/genai"

	"productlab/internal/providers"
)

const ProviderName = "gemini"

const (
	defaultChatModel  = "gemini-2.5-flash"
	defaultImageModel = "gemini-2.5-flash-image"
)

// contentGenerator is the subset of genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Options struct {
	APIKey     string
	ChatModel  string
	ImageModel string
}

// Client serves chat and inline image synthesis through the Gemini API.
type Client struct {
	models     contentGenerator
	chatModel  string
	imageModel string
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(opts.APIKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newWithGenerator(client.Models, opts), nil
}

func newWithGenerator(models contentGenerator, opts Options) *Client {
	c := &Client{
		models:     models,
		chatModel:  strings.TrimSpace(opts.ChatModel),
		imageModel: strings.TrimSpace(opts.ImageModel),
	}
	if c.chatModel == "" {
		c.chatModel = defaultChatModel
	}
	if c.imageModel == "" {
		c.imageModel = defaultImageModel
	}
	return c
}

func (c *Client) CompleteChat(ctx context.Context, req providers.ChatRequest) (string, error) {
	model := c.chatModel
	if m := strings.TrimSpace(req.Model); m != "" {
		model = m
	}
	contents, system, err := buildContents(req.Messages)
	if err != nil {
		return "", err
	}
	cfg := &genai.GenerateContentConfig{SystemInstruction: system}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	result, err := c.models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", wrapAPIError(err)
	}
	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", errors.New("gemini: empty response")
	}
	return text, nil
}

// SynthesizeImage sends the prompt followed by the ordered input images and
// returns the first inline image of the response.
func (c *Client) SynthesizeImage(ctx context.Context, req providers.ImageRequest) (*providers.ImageResult, error) {
	model := c.imageModel
	if m := strings.TrimSpace(req.Model); m != "" && strings.HasPrefix(m, "gemini") {
		model = m
	}
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	for _, img := range req.Images {
		part, err := imagePart(img)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	cfg := &genai.GenerateContentConfig{}
	if req.AspectRatio != "" {
		cfg.ImageConfig = &genai.ImageConfig{AspectRatio: req.AspectRatio}
	}
	result, err := c.models.GenerateContent(ctx, model, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return nil, wrapAPIError(err)
	}
	return firstInlineImage(result), nil
}

func buildContents(messages []providers.ChatMessage) ([]*genai.Content, *genai.Content, error) {
	var (
		contents []*genai.Content
		system   *genai.Content
	)
	for _, msg := range messages {
		if msg.Role == "system" {
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, genai.NewPartFromText(msg.Text))
			continue
		}
		var parts []*genai.Part
		if msg.Text != "" {
			parts = append(parts, genai.NewPartFromText(msg.Text))
		}
		for _, img := range msg.Images {
			part, err := imagePart(img)
			if err != nil {
				return nil, nil, err
			}
			parts = append(parts, part)
		}
		var role genai.Role = genai.RoleUser
		if msg.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	return contents, system, nil
}

func imagePart(src string) (*genai.Part, error) {
	if providers.IsDataURL(src) {
		mimeType, data, err := providers.DecodeDataURL(src)
		if err != nil {
			return nil, fmt.Errorf("gemini: input image: %w", err)
		}
		return genai.NewPartFromBytes(data, mimeType), nil
	}
	mimeType := mime.TypeByExtension(path.Ext(strings.SplitN(src, "?", 2)[0]))
	if mimeType == "" {
		mimeType = "image/png"
	}
	return genai.NewPartFromURI(src, mimeType), nil
}

func firstInlineImage(result *genai.GenerateContentResponse) *providers.ImageResult {
	if result == nil {
		return nil
	}
	for _, candidate := range result.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &providers.ImageResult{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType}
			}
		}
	}
	return nil
}

// wrapAPIError surfaces the HTTP status of Gemini API failures so they are
// classified like other backends.
func wrapAPIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		return fmt.Errorf("gemini: %w", &providers.StatusError{Provider: ProviderName, StatusCode: apiErr.Code, Body: apiErr.Message})
	}
	return fmt.Errorf("gemini: %w", err)
}

var (
	_ providers.ChatCompleter    = (*Client)(nil)
	_ providers.ImageSynthesizer = (*Client)(nil)
)
