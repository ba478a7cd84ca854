// Package providers normalizes heterogeneous chat and image backends into two
// operations: CompleteChat and SynthesizeImage.
package providers

import (
	"context"

	"productlab/internal/domain"
)

// ChatMessage is one turn of a conversation. Images are data URLs or public
// URLs attached to the turn.
type ChatMessage struct {
	Role   string
	Text   string
	Images []string
}

type ChatRequest struct {
	Messages  []ChatMessage
	Model     string
	MaxTokens int
	// JSON asks the backend for a JSON object response when it supports it.
	JSON bool
}

// ChatCompleter returns the full assistant text for a request.
type ChatCompleter interface {
	CompleteChat(ctx context.Context, req ChatRequest) (string, error)
}

// ChatStreamer delivers the response incrementally. onDelta receives the new
// fragment and the full text so far; a non-nil return stops the stream.
type ChatStreamer interface {
	StreamChat(ctx context.Context, req ChatRequest, onDelta func(delta, full string) error) error
}

// ImageRequest describes one synthesis call. Images are ordered inputs given
// as data URLs or public URLs.
type ImageRequest struct {
	Images      []string
	Prompt      string
	Size        string
	AspectRatio string
	Model       string
}

// ImageResult carries exactly one of URL or Data.
type ImageResult struct {
	URL      string
	Data     []byte
	MIMEType string
}

// ImageSynthesizer produces one image per call.
type ImageSynthesizer interface {
	SynthesizeImage(ctx context.Context, req ImageRequest) (*ImageResult, error)
}

// Check enforces the one-of contract on a provider result.
func (r *ImageResult) Check() error {
	if r == nil {
		return domain.NewError(domain.CodeInvalidImageResponse, "")
	}
	hasURL := r.URL != ""
	hasData := len(r.Data) > 0
	if hasURL == hasData {
		return domain.NewError(domain.CodeInvalidImageResponse, "")
	}
	return nil
}
