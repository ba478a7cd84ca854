// Package storage persists generated images and resolves source images.
package storage

import (
	"context"
	"mime"
	"path"
	"strings"
)

// ObjectStore stores bytes under a key and returns a public URL for them.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ExtensionFor returns the file extension used for a content type.
func ExtensionFor(contentType string) string {
	ct, _, _ := mime.ParseMediaType(contentType)
	switch ct {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	return ".bin"
}

// ResultKey builds the storage key of a job output, e.g.
// results/<job>/unit-3.png.
func ResultKey(jobID, name, contentType string) string {
	return path.Join("results", jobID, name+ExtensionFor(contentType))
}

func replaceExt(key, ext string) string {
	if cur := path.Ext(key); cur != "" {
		key = strings.TrimSuffix(key, cur)
	}
	return key + ext
}
