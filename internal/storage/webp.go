package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "github.com/kolesa-team/go-webp/decoder"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
)

// WebPStore transcodes PNG and JPEG uploads to lossy WebP before handing them
// to the wrapped store. Other content is passed through untouched.
type WebPStore struct {
	next    ObjectStore
	quality float32
}

func NewWebPStore(next ObjectStore, quality float32) *WebPStore {
	return &WebPStore{next: next, quality: quality}
}

func (s *WebPStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	switch ExtensionFor(contentType) {
	case ".png", ".jpg":
	default:
		return s.next.Upload(ctx, key, data, contentType)
	}
	converted, err := ToWebP(data, s.quality)
	if err != nil {
		return "", err
	}
	return s.next.Upload(ctx, replaceExt(key, ".webp"), converted, "image/webp")
}

// ToWebP decodes a PNG or JPEG image and encodes it as lossy WebP.
func ToWebP(data []byte, quality float32) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("storage: decode image: %w", err)
	}
	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, quality)
	if err != nil {
		return nil, fmt.Errorf("storage: webp encoder options: %w", err)
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, options); err != nil {
		return nil, fmt.Errorf("storage: encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// Dimensions reads the pixel size of a PNG, JPEG or WebP image without
// decoding the pixels.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
