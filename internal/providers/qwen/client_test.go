package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"productlab/internal/domain"
	"productlab/internal/providers"
)

const generationPath = "/api/v1/services/aigc/multimodal-generation/generation"

func TestSynthesizeImagePayload(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	client, err := NewClient(Options{
		APIKey:     "test",
		Watermark:  true,
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	transport.setJSONResponse(generationPath, map[string]any{
		"output": map[string]any{
			"choices": []any{
				map[string]any{
					"message": map[string]any{
						"content": []any{
							map[string]any{"image": "https://example.com/generated/out.png"},
						},
					},
				},
			},
		},
		"request_id": "req-123",
	})

	res, err := client.SynthesizeImage(context.Background(), providers.ImageRequest{
		Prompt: "place on marble",
		Size:   "1024x1536",
		Images: []string{"data:image/png;base64,AQID", "https://cdn.example.com/p.jpg"},
	})
	if err != nil {
		t.Fatalf("synthesize image: %v", err)
	}
	if res == nil || res.URL != "https://example.com/generated/out.png" || len(res.Data) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if transport.auth != "Bearer test" {
		t.Fatalf("authorization = %q", transport.auth)
	}

	var payload map[string]any
	if err := json.Unmarshal(transport.lastBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["model"] != "qwen-image-edit" {
		t.Fatalf("model = %v", payload["model"])
	}
	params := payload["parameters"].(map[string]any)
	if params["size"] != "1024*1536" {
		t.Fatalf("size = %v, want 1024*1536", params["size"])
	}
	if params["watermark"] != true {
		t.Fatalf("watermark = %v", params["watermark"])
	}
	input := payload["input"].(map[string]any)
	messages := input["messages"].([]any)
	content := messages[0].(map[string]any)["content"].([]any)
	if len(content) != 3 {
		t.Fatalf("content len = %d, want 3", len(content))
	}
	if img := content[0].(map[string]any)["image"]; img != "data:image/png;base64,AQID" {
		t.Fatalf("first image = %v", img)
	}
	if text := content[2].(map[string]any)["text"]; text != "place on marble" {
		t.Fatalf("last content text = %v", text)
	}
}

func TestSynthesizeImageEmptyResult(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	client, _ := NewClient(Options{APIKey: "test", HTTPClient: &http.Client{Transport: transport}})
	transport.setJSONResponse(generationPath, map[string]any{"output": map[string]any{"choices": []any{}}})

	res, err := client.SynthesizeImage(context.Background(), providers.ImageRequest{Prompt: "x"})
	if res != nil || domain.CodeOf(err) != domain.CodeInvalidImageResponse {
		t.Fatalf("res=%+v err=%v, want %s", res, err, domain.CodeInvalidImageResponse)
	}
}

func TestSynthesizeImageStatusError(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	client, _ := NewClient(Options{APIKey: "test", HTTPClient: &http.Client{Transport: transport}})
	transport.responses[generationPath] = responseStub{status: http.StatusBadGateway, body: []byte("upstream down")}

	_, err := client.SynthesizeImage(context.Background(), providers.ImageRequest{Prompt: "x"})
	var status *providers.StatusError
	if !errors.As(err, &status) || status.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
	if domain.CodeOf(providers.Classify(err)) != domain.CodeUpstreamError {
		t.Fatal("expected upstream error classification")
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Options{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

type captureTransport struct {
	responses map[string]responseStub
	lastBody  []byte
	auth      string
}

type responseStub struct {
	status int
	header http.Header
	body   []byte
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodPost {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		c.lastBody = body
		c.auth = req.Header.Get("Authorization")
		if stub, ok := c.responses[req.URL.Path]; ok {
			return stub.toResponse(), nil
		}
	}
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader("not found")),
	}, nil
}

func (c *captureTransport) setJSONResponse(path string, payload any) {
	body, _ := json.Marshal(payload)
	c.responses[path] = responseStub{
		status: http.StatusOK,
		header: http.Header{"Content-Type": []string{"application/json"}},
		body:   body,
	}
}

func (s responseStub) toResponse() *http.Response {
	header := http.Header{}
	for k, values := range s.header {
		header[k] = append([]string(nil), values...)
	}
	return &http.Response{
		StatusCode: s.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(s.body)),
	}
}
