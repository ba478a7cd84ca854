package gemini

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"

	"productlab/internal/domain"
	"productlab/internal/providers"
)

type stubModels struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	resp     *genai.GenerateContentResponse
	err      error
}

func (s *stubModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	s.model = model
	s.contents = contents
	s.config = config
	return s.resp, s.err
}

func imageResponse(data []byte) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{
			genai.NewPartFromText("here you go"),
			{InlineData: &genai.Blob{MIMEType: "image/png", Data: data}},
		}},
	}}}
}

func TestSynthesizeImageInline(t *testing.T) {
	stub := &stubModels{resp: imageResponse([]byte{1, 2, 3})}
	client := newWithGenerator(stub, Options{})
	res, err := client.SynthesizeImage(context.Background(), providers.ImageRequest{
		Prompt:      "studio shot",
		Images:      []string{providers.EncodeDataURL("image/png", []byte{9}), providers.EncodeDataURL("image/jpeg", []byte{8})},
		AspectRatio: "3:4",
	})
	if err != nil {
		t.Fatalf("SynthesizeImage error: %v", err)
	}
	if err := res.Check(); err != nil {
		t.Fatalf("result violates contract: %v", err)
	}
	if len(res.Data) != 3 || res.MIMEType != "image/png" {
		t.Fatalf("unexpected result %+v", res)
	}
	if stub.model != defaultImageModel {
		t.Fatalf("model = %q", stub.model)
	}
	parts := stub.contents[0].Parts
	if len(parts) != 3 || parts[0].Text != "studio shot" || parts[2].InlineData.MIMEType != "image/jpeg" {
		t.Fatalf("unexpected parts ordering")
	}
	if stub.config.ImageConfig == nil || stub.config.ImageConfig.AspectRatio != "3:4" {
		t.Fatal("expected aspect ratio config")
	}
}

func TestSynthesizeImageWithoutImageViolatesContract(t *testing.T) {
	stub := &stubModels{resp: &genai.GenerateContentResponse{}}
	client := newWithGenerator(stub, Options{})
	res, err := client.SynthesizeImage(context.Background(), providers.ImageRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("SynthesizeImage error: %v", err)
	}
	if domain.CodeOf(res.Check()) != domain.CodeInvalidImageResponse {
		t.Fatalf("expected %s", domain.CodeInvalidImageResponse)
	}
}

func TestCompleteChatSystemInstruction(t *testing.T) {
	stub := &stubModels{resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(`{"ok":true}`)}},
	}}}}
	client := newWithGenerator(stub, Options{ChatModel: "gemini-2.5-pro"})
	text, err := client.CompleteChat(context.Background(), providers.ChatRequest{
		JSON:      true,
		MaxTokens: 100,
		Messages: []providers.ChatMessage{
			{Role: "system", Text: "rules"},
			{Role: "user", Text: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("CompleteChat error: %v", err)
	}
	if text != `{"ok":true}` {
		t.Fatalf("text = %q", text)
	}
	if stub.model != "gemini-2.5-pro" || len(stub.contents) != 1 {
		t.Fatalf("model=%q contents=%d", stub.model, len(stub.contents))
	}
	if stub.config.SystemInstruction == nil || stub.config.ResponseMIMEType != "application/json" || stub.config.MaxOutputTokens != 100 {
		t.Fatalf("unexpected config %+v", stub.config)
	}
}

func TestAPIErrorClassified(t *testing.T) {
	stub := &stubModels{err: genai.APIError{Code: 403, Message: "denied"}}
	client := newWithGenerator(stub, Options{})
	_, err := client.CompleteChat(context.Background(), providers.ChatRequest{Messages: []providers.ChatMessage{{Text: "x"}}})
	var status *providers.StatusError
	if !errors.As(err, &status) || status.StatusCode != 403 {
		t.Fatalf("err = %v", err)
	}
	if domain.CodeOf(providers.Classify(err)) != domain.CodeModelUnavailable {
		t.Fatal("expected model unavailable classification")
	}
}

func TestInvalidDataURL(t *testing.T) {
	client := newWithGenerator(&stubModels{}, Options{})
	if _, err := client.SynthesizeImage(context.Background(), providers.ImageRequest{Images: []string{"data:image/png,notbase64"}}); err == nil {
		t.Fatal("expected error for malformed data url")
	}
}
