package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/supabase-community/supabase-go"

	"productlab/internal/infra"
)

// attachInserter records uploaded objects in a table.
type attachInserter interface {
	InsertAttach(row map[string]any) error
}

type postgrestAttach struct {
	client *supabase.Client
	table  string
}

func (p postgrestAttach) InsertAttach(row map[string]any) error {
	_, _, err := p.client.From(p.table).Insert(row, false, "", "", "").Execute()
	return err
}

// SupabaseStore uploads objects to a Supabase storage bucket and optionally
// records each upload in an attachment table.
type SupabaseStore struct {
	baseURL    string
	serviceKey string
	bucket     string
	httpClient *http.Client
	attach     attachInserter
	logger     infra.Logger
}

type SupabaseOptions struct {
	URL         string
	ServiceKey  string
	Bucket      string
	AttachTable string
	HTTPClient  *http.Client
	Logger      infra.Logger
}

func NewSupabaseStore(opts SupabaseOptions) (*SupabaseStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.URL), "/")
	if baseURL == "" || strings.TrimSpace(opts.ServiceKey) == "" {
		return nil, errors.New("storage: supabase url and service key are required")
	}
	bucket := strings.Trim(strings.TrimSpace(opts.Bucket), "/")
	if bucket == "" {
		return nil, errors.New("storage: supabase bucket is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	store := &SupabaseStore{
		baseURL:    baseURL,
		serviceKey: strings.TrimSpace(opts.ServiceKey),
		bucket:     bucket,
		httpClient: client,
		logger:     opts.Logger,
	}
	if table := strings.TrimSpace(opts.AttachTable); table != "" {
		sb, err := supabase.NewClient(baseURL, store.serviceKey, &supabase.ClientOptions{})
		if err != nil {
			return nil, fmt.Errorf("storage: create supabase client: %w", err)
		}
		store.attach = postgrestAttach{client: sb, table: table}
	}
	return store, nil
}

func (s *SupabaseStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, cleanKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("storage: build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("storage: upload failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if s.attach != nil {
		row := map[string]any{
			"attach_original_name": path.Base(cleanKey),
			"attach_file_name":     path.Base(cleanKey),
			"attach_file_path":     cleanKey,
			"attach_file_size":     len(data),
			"attach_file_type":     contentType,
			"attach_directory":     path.Dir(cleanKey),
			"attach_storage_type":  "supabase",
		}
		if err := s.attach.InsertAttach(row); err != nil {
			// The object is stored; a missing attachment row only affects listings.
			s.logger.Warn().Err(err).Str("key", cleanKey).Msg("storage: failed to record attachment")
		}
	}
	return s.PublicURL(cleanKey), nil
}

// PublicURL returns the public object URL for key.
func (s *SupabaseStore) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, strings.TrimLeft(key, "/"))
}
