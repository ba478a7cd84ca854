package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaultStorageBaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("PORT", "")
	t.Setenv("STORAGE_BASE_URL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := "http://localhost:8080/static"
	if cfg.StorageBaseURL != expected {
		t.Fatalf("StorageBaseURL mismatch: got %q want %q", cfg.StorageBaseURL, expected)
	}
	if cfg.StorageHost() != "localhost" {
		t.Fatalf("StorageHost mismatch: got %q", cfg.StorageHost())
	}
}

func TestLoadConfigInheritsPortInStorageBaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("PORT", "1919")
	t.Setenv("STORAGE_BASE_URL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := "http://localhost:1919/static"
	if cfg.StorageBaseURL != expected {
		t.Fatalf("StorageBaseURL mismatch: got %q want %q", cfg.StorageBaseURL, expected)
	}
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestLoadConfigTimeouts(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("CHAT_TIMEOUT_SECONDS", "30")
	t.Setenv("IMAGE_TIMEOUT_SECONDS", "")
	t.Setenv("STREAM_TIMEOUT_SECONDS", "not-a-number")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ChatTimeout != 30*time.Second {
		t.Fatalf("ChatTimeout = %s, want 30s", cfg.ChatTimeout)
	}
	if cfg.ImageTimeout != 180*time.Second {
		t.Fatalf("ImageTimeout = %s, want 180s", cfg.ImageTimeout)
	}
	if cfg.StreamTimeout != 300*time.Second {
		t.Fatalf("StreamTimeout = %s, want 300s", cfg.StreamTimeout)
	}
}

func TestLoadConfigSupabaseRequiresCredentials(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("STORAGE_BACKEND", "supabase")
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_SERVICE_KEY", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for supabase backend without credentials")
	}

	t.Setenv("SUPABASE_URL", "https://project.supabase.co/")
	t.Setenv("SUPABASE_SERVICE_KEY", "service")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.SupabaseURL != "https://project.supabase.co" {
		t.Fatalf("SupabaseURL = %q, want trailing slash trimmed", cfg.SupabaseURL)
	}
}

func TestLoadConfigRejectsUnknownStorageBackend(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("STORAGE_BACKEND", "s3")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for unknown storage backend")
	}
}

func TestLoadConfigAllowedOrigins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example ,,https://b.example")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins = %#v", cfg.AllowedOrigins)
	}
}
