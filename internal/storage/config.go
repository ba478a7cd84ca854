package storage

import (
	"path/filepath"

	"productlab/internal/infra"
)

// FromConfig builds the configured object store, wrapped with WebP
// transcoding when WEBP_QUALITY is set.
func FromConfig(cfg *infra.Config, logger infra.Logger) (ObjectStore, error) {
	var (
		store ObjectStore
		err   error
	)
	switch cfg.StorageBackend {
	case "supabase":
		store, err = NewSupabaseStore(SupabaseOptions{
			URL:         cfg.SupabaseURL,
			ServiceKey:  cfg.SupabaseServiceKey,
			Bucket:      cfg.SupabaseBucket,
			AttachTable: cfg.SupabaseAttachTable,
			Logger:      logger,
		})
	default:
		basePath := cfg.StoragePath
		if basePath == "" {
			basePath = "./storage"
		}
		if !filepath.IsAbs(basePath) {
			if abs, absErr := filepath.Abs(basePath); absErr == nil {
				basePath = abs
			}
		}
		store, err = NewFileStore(basePath, cfg.StorageBaseURL)
	}
	if err != nil {
		return nil, err
	}
	if cfg.WebPQuality > 0 {
		store = NewWebPStore(store, cfg.WebPQuality)
	}
	return store, nil
}
