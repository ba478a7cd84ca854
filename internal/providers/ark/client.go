package ark

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"

	"productlab/internal/domain"
	"productlab/internal/providers"
)

const ProviderName = "ark"

const (
	defaultModel   = "doubao-seedream-4-0-250828"
	defaultBaseURL = "https://ark.cn-beijing.volces.com/api/v3"
)

type generateFunc func(ctx context.Context, req model.GenerateImagesRequest) (model.ImagesResponse, error)

type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	Watermark bool
}

// Client synthesizes images with Seedream models on Volcengine Ark.
type Client struct {
	generate  generateFunc
	model     string
	watermark bool
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("ark api key is required")
	}
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := arkruntime.NewClientWithApiKey(strings.TrimSpace(opts.APIKey), arkruntime.WithBaseUrl(baseURL))
	return newWithFunc(func(ctx context.Context, req model.GenerateImagesRequest) (model.ImagesResponse, error) {
		return client.GenerateImages(ctx, req)
	}, opts), nil
}

func newWithFunc(fn generateFunc, opts Options) *Client {
	m := strings.TrimSpace(opts.Model)
	if m == "" {
		m = defaultModel
	}
	return &Client{generate: fn, model: m, watermark: opts.Watermark}
}

// Model returns the configured Seedream model.
func (c *Client) Model() string { return c.model }

func (c *Client) SynthesizeImage(ctx context.Context, req providers.ImageRequest) (*providers.ImageResult, error) {
	genReq := model.GenerateImagesRequest{
		Model:          c.model,
		Prompt:         req.Prompt,
		ResponseFormat: volcengine.String(model.GenerateImagesResponseFormatURL),
		Watermark:      volcengine.Bool(c.watermark),
	}
	switch len(req.Images) {
	case 0:
	case 1:
		genReq.Image = req.Images[0]
	default:
		genReq.Image = req.Images
	}
	if size := strings.TrimSpace(req.Size); size != "" {
		genReq.Size = volcengine.String(size)
	}
	resp, err := c.generate(ctx, genReq)
	if err != nil {
		return nil, fmt.Errorf("ark: generate images: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("ark: %s (%s)", resp.Error.Message, resp.Error.Code)
	}
	for _, img := range resp.Data {
		if img.Url != nil && strings.TrimSpace(*img.Url) != "" {
			return &providers.ImageResult{URL: strings.TrimSpace(*img.Url)}, nil
		}
	}
	return nil, domain.NewError(domain.CodeInvalidImageResponse, "")
}

var _ providers.ImageSynthesizer = (*Client)(nil)
