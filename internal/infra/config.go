package infra

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string

	StorageBackend      string
	StorageBaseURL      string
	StoragePath         string
	SupabaseURL         string
	SupabaseServiceKey  string
	SupabaseBucket      string
	SupabaseAttachTable string
	WebPQuality         float32

	GeoIPDBPath   string
	DefaultLocale string

	ChatProvider     string
	DefaultChatModel string
	GeminiAPIKey     string
	GeminiImageModel string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIOrg        string
	QwenAPIKey       string
	QwenBaseURL      string
	QwenModel        string
	ArkAPIKey        string
	ArkBaseURL       string
	ArkModel         string
	EndpointURL      string
	EndpointAPIKey   string
	EndpointAuth     string
	EndpointModel    string

	DefaultImageModel string
	ChatTimeout       time.Duration
	ImageTimeout      time.Duration
	StreamTimeout     time.Duration

	RedisURL    string
	RabbitMQURL string

	WorkerPollInterval time.Duration
	WorkerConcurrency  int
	ReplicateWorkers   int
	RefineWorkers      int
	SnapshotEvery      int
	MetricsAddr        string
	NudgeThrottle      time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	AllowedOrigins   []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        port,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		StorageBackend:      strings.ToLower(getEnv("STORAGE_BACKEND", "local")),
		StorageBaseURL:      getEnv("STORAGE_BASE_URL", fmt.Sprintf("http://localhost:%s/static", port)),
		StoragePath:         getEnv("STORAGE_PATH", "./storage"),
		SupabaseURL:         strings.TrimRight(os.Getenv("SUPABASE_URL"), "/"),
		SupabaseServiceKey:  os.Getenv("SUPABASE_SERVICE_KEY"),
		SupabaseBucket:      getEnv("SUPABASE_BUCKET", "generations"),
		SupabaseAttachTable: os.Getenv("SUPABASE_ATTACH_TABLE"),
		WebPQuality:         float32(getEnvInt("WEBP_QUALITY", 0)),

		GeoIPDBPath:   os.Getenv("GEOIP_DB_PATH"),
		DefaultLocale: getEnv("DEFAULT_LOCALE", "en"),

		ChatProvider:     strings.ToLower(getEnv("CHAT_PROVIDER", "openai")),
		DefaultChatModel: getEnv("CHAT_MODEL", "gpt-4o-mini"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiImageModel: getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIOrg:        os.Getenv("OPENAI_ORG"),
		QwenAPIKey:       os.Getenv("QWEN_API_KEY"),
		QwenBaseURL:      getEnv("QWEN_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		QwenModel:        getEnv("QWEN_MODEL", "qwen-image-edit"),
		ArkAPIKey:        os.Getenv("ARK_API_KEY"),
		ArkBaseURL:       os.Getenv("ARK_BASE_URL"),
		ArkModel:         getEnv("ARK_MODEL", "doubao-seedream-4-0-250828"),
		EndpointURL:      os.Getenv("IMAGE_ENDPOINT_URL"),
		EndpointAPIKey:   os.Getenv("IMAGE_ENDPOINT_KEY"),
		EndpointAuth:     getEnv("IMAGE_ENDPOINT_AUTH", "bearer"),
		EndpointModel:    os.Getenv("IMAGE_ENDPOINT_MODEL"),

		DefaultImageModel: getEnv("IMAGE_MODEL", "gemini-2.5-flash-image"),
		ChatTimeout:       time.Second * time.Duration(getEnvInt("CHAT_TIMEOUT_SECONDS", 90)),
		ImageTimeout:      time.Second * time.Duration(getEnvInt("IMAGE_TIMEOUT_SECONDS", 180)),
		StreamTimeout:     time.Second * time.Duration(getEnvInt("STREAM_TIMEOUT_SECONDS", 300)),

		RedisURL:    os.Getenv("REDIS_URL"),
		RabbitMQURL: os.Getenv("RABBITMQ_URL"),

		WorkerPollInterval: time.Second * time.Duration(getEnvInt("WORKER_POLL_SECONDS", 2)),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 4),
		ReplicateWorkers:   getEnvInt("REPLICATE_CONCURRENCY", 2),
		RefineWorkers:      getEnvInt("REFINE_CONCURRENCY", 4),
		SnapshotEvery:      getEnvInt("SNAPSHOT_EVERY", 4),
		MetricsAddr:        getEnv("METRICS_ADDR", ":9091"),
		NudgeThrottle:      time.Second * time.Duration(getEnvInt("NUDGE_THROTTLE_SECONDS", 5)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		AllowedOrigins:   getEnvList("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.StorageBackend {
	case "local":
	case "supabase":
		if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
			return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required for supabase storage")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	if cfg.WebPQuality < 0 || cfg.WebPQuality > 100 {
		return nil, fmt.Errorf("WEBP_QUALITY must be between 0 and 100")
	}

	return cfg, nil
}

// StorageHost returns the host part of the public storage URL.
func (c *Config) StorageHost() string {
	parsed, err := url.Parse(c.StorageBaseURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvList(key, fallback string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, fallback), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
