// Package httpimage adapts generic image endpoints that accept either a JSON
// body or a multipart form and answer with a URL or base64 image.
package httpimage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"productlab/internal/domain"
	"productlab/internal/providers"
)

const ProviderName = "endpoint"

// AuthMode selects how the key is presented to the endpoint.
type AuthMode string

const (
	AuthBearer AuthMode = "bearer"
	AuthAPIKey AuthMode = "api-key"
	AuthDual   AuthMode = "dual"
)

type Options struct {
	Endpoint string
	APIKey   string
	Auth     AuthMode
	Model    string
	// ModelInPath omits the model field when the endpoint path selects it.
	ModelInPath bool
	// ForceMultipart sends a form even for a single input image.
	ForceMultipart bool
	HTTPClient     *http.Client
}

type Client struct {
	endpoint       string
	apiKey         string
	auth           AuthMode
	model          string
	modelInPath    bool
	forceMultipart bool
	client         *http.Client
}

type jsonRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	Image  string `json:"image,omitempty"`
	Size   string `json:"size,omitempty"`
	N      int    `json:"n"`
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	URL     string `json:"url"`
	Image   string `json:"image"`
	B64JSON string `json:"b64_json"`
}

func NewClient(opts Options) (*Client, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("httpimage: endpoint is required")
	}
	auth := AuthMode(strings.ToLower(strings.TrimSpace(string(opts.Auth))))
	switch auth {
	case "":
		auth = AuthBearer
	case AuthBearer, AuthAPIKey, AuthDual:
	default:
		return nil, fmt.Errorf("httpimage: unsupported auth mode %q", opts.Auth)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 180 * time.Second}
	}
	return &Client{
		endpoint:       endpoint,
		apiKey:         strings.TrimSpace(opts.APIKey),
		auth:           auth,
		model:          strings.TrimSpace(opts.Model),
		modelInPath:    opts.ModelInPath,
		forceMultipart: opts.ForceMultipart,
		client:         client,
	}, nil
}

// SynthesizeImage posts a multipart form when two or more images are given
// (or multipart is forced) and a JSON body otherwise.
func (c *Client) SynthesizeImage(ctx context.Context, req providers.ImageRequest) (*providers.ImageResult, error) {
	var (
		body        io.Reader
		contentType string
		err         error
	)
	if len(req.Images) >= 2 || (c.forceMultipart && len(req.Images) > 0) {
		body, contentType, err = c.multipartBody(ctx, req)
	} else {
		body, contentType, err = c.jsonBody(req)
	}
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("httpimage: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	c.authorize(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("httpimage: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpimage: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &providers.StatusError{Provider: ProviderName, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return parseResponse(raw)
}

func (c *Client) modelField(req providers.ImageRequest) string {
	if c.modelInPath {
		return ""
	}
	if c.model != "" {
		return c.model
	}
	return req.Model
}

func (c *Client) jsonBody(req providers.ImageRequest) (io.Reader, string, error) {
	payload := jsonRequest{
		Model:  c.modelField(req),
		Prompt: req.Prompt,
		Size:   req.Size,
		N:      1,
	}
	if len(req.Images) == 1 {
		payload.Image = req.Images[0]
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("httpimage: encode request: %w", err)
	}
	return bytes.NewReader(raw), "application/json", nil
}

func (c *Client) multipartBody(ctx context.Context, req providers.ImageRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{{"prompt", req.Prompt}, {"n", "1"}}
	if model := c.modelField(req); model != "" {
		fields = append(fields, [2]string{"model", model})
	}
	if req.Size != "" {
		fields = append(fields, [2]string{"size", req.Size})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	for i, src := range req.Images {
		mimeType, data, err := c.imageBytes(ctx, src)
		if err != nil {
			return nil, "", err
		}
		part, err := w.CreateFormFile("image", fmt.Sprintf("image-%d%s", i, extensionFor(mimeType)))
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func (c *Client) imageBytes(ctx context.Context, src string) (string, []byte, error) {
	if providers.IsDataURL(src) {
		mimeType, data, err := providers.DecodeDataURL(src)
		if err != nil {
			return "", nil, fmt.Errorf("httpimage: input image: %w", err)
		}
		return mimeType, data, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", nil, fmt.Errorf("httpimage: input image: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("httpimage: fetch input image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("httpimage: fetch input image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return mimeType, data, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey == "" {
		return
	}
	switch c.auth {
	case AuthAPIKey:
		req.Header.Set("api-key", c.apiKey)
	case AuthDual:
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("x-api-key", c.apiKey)
	default:
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// parseResponse accepts the OpenAI images shape as well as flat url or base64
// fields.
func parseResponse(raw []byte) (*providers.ImageResult, error) {
	var decoded imageResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("httpimage: decode response: %w", err)
	}
	var url, b64 string
	for _, d := range decoded.Data {
		if url == "" {
			url = strings.TrimSpace(d.URL)
		}
		if b64 == "" {
			b64 = strings.TrimSpace(d.B64JSON)
		}
	}
	if url == "" {
		url = strings.TrimSpace(decoded.URL)
	}
	if b64 == "" {
		b64 = strings.TrimSpace(decoded.B64JSON)
	}
	if img := strings.TrimSpace(decoded.Image); img != "" && url == "" && b64 == "" {
		if providers.IsDataURL(img) || !strings.HasPrefix(img, "http") {
			b64 = img
		} else {
			url = img
		}
	}
	switch {
	case b64 != "":
		if providers.IsDataURL(b64) {
			mimeType, data, err := providers.DecodeDataURL(b64)
			if err != nil {
				return nil, domain.WrapError(domain.CodeInvalidImageResponse, fmt.Errorf("httpimage: decode image: %w", err), "")
			}
			return &providers.ImageResult{Data: data, MIMEType: mimeType}, nil
		}
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, domain.WrapError(domain.CodeInvalidImageResponse, fmt.Errorf("httpimage: decode image: %w", err), "")
		}
		return &providers.ImageResult{Data: data, MIMEType: http.DetectContentType(data)}, nil
	case url != "":
		return &providers.ImageResult{URL: url}, nil
	}
	return nil, domain.NewError(domain.CodeInvalidImageResponse, "")
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	}
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

var _ providers.ImageSynthesizer = (*Client)(nil)
