// Package catalog builds the provider registry from configuration and stored
// credentials.
package catalog

import (
	"context"
	"net/http"
	"strings"

	"productlab/internal/infra"
	"productlab/internal/infra/credentials"
	"productlab/internal/providers"
	"productlab/internal/providers/ark"
	"productlab/internal/providers/gemini"
	"productlab/internal/providers/httpimage"
	"productlab/internal/providers/openai"
	"productlab/internal/providers/qwen"
)

const qwenCompatibleBaseURL = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"

// Build registers every backend that has a key, from env first and the
// integration_tokens table second. Missing backends are logged and skipped.
func Build(ctx context.Context, cfg *infra.Config, creds *credentials.Store, logger infra.Logger) (*providers.Registry, error) {
	reg := providers.NewRegistry(providers.RegistryOptions{
		DefaultImageModel: cfg.DefaultImageModel,
		DefaultChatModel:  cfg.DefaultChatModel,
		ImageTimeout:      cfg.ImageTimeout,
		ChatTimeout:       cfg.ChatTimeout,
		StreamTimeout:     cfg.StreamTimeout,
	})
	resolve := func(provider, configured string) string {
		key, err := creds.Resolve(ctx, provider, configured)
		if err != nil {
			logger.Warn().Err(err).Str("provider", provider).Msg("catalog: failed to load stored key")
			return ""
		}
		return key
	}
	httpClient := &http.Client{Timeout: cfg.ImageTimeout}
	chatProvider := strings.ToLower(strings.TrimSpace(cfg.ChatProvider))

	if key := resolve(credentials.ProviderOpenAI, cfg.OpenAIAPIKey); key != "" {
		client, err := openai.NewClient(openai.Options{
			APIKey:       key,
			BaseURL:      cfg.OpenAIBaseURL,
			Organization: cfg.OpenAIOrg,
			Model:        cfg.DefaultChatModel,
			HTTPClient:   &http.Client{Timeout: cfg.StreamTimeout},
			OnWarning: func(reason, detail string) {
				logger.Warn().Str("reason", reason).Str("detail", detail).Msg("catalog: openai model normalized")
			},
		})
		if err != nil {
			return nil, err
		}
		models := []string{"gpt-4o-mini", "gpt-4o"}
		if chatProvider == openai.ProviderName {
			models = append(models, cfg.DefaultChatModel)
		}
		reg.RegisterChat(openai.ProviderName, client, models...)
	}

	if key := resolve(credentials.ProviderGemini, cfg.GeminiAPIKey); key != "" {
		client, err := gemini.NewClient(ctx, gemini.Options{APIKey: key, ImageModel: cfg.GeminiImageModel})
		if err != nil {
			return nil, err
		}
		reg.RegisterImage(gemini.ProviderName, client, cfg.GeminiImageModel)
		chatModels := []string{"gemini-2.5-flash", "gemini-2.5-pro"}
		if chatProvider == gemini.ProviderName {
			chatModels = append(chatModels, cfg.DefaultChatModel)
		}
		reg.RegisterChat(gemini.ProviderName, client, chatModels...)
	}

	if key := resolve(credentials.ProviderQwen, cfg.QwenAPIKey); key != "" {
		loggerCopy := logger
		client, err := qwen.NewClient(qwen.Options{
			APIKey:     key,
			BaseURL:    cfg.QwenBaseURL,
			Model:      cfg.QwenModel,
			HTTPClient: httpClient,
			Logger:     &loggerCopy,
		})
		if err != nil {
			return nil, err
		}
		reg.RegisterImage(qwen.ProviderName, client, client.Model())

		chat, err := openai.NewClient(openai.Options{
			APIKey:     key,
			BaseURL:    qwenCompatibleBaseURL,
			Model:      "qwen-vl-max",
			HTTPClient: &http.Client{Timeout: cfg.StreamTimeout},
		})
		if err != nil {
			return nil, err
		}
		chatModels := []string{"qwen-vl-max", "qwen-vl-plus"}
		if chatProvider == qwen.ProviderName {
			chatModels = append(chatModels, cfg.DefaultChatModel)
		}
		reg.RegisterChat(qwen.ProviderName, chat, chatModels...)
	}

	if key := resolve(credentials.ProviderArk, cfg.ArkAPIKey); key != "" {
		client, err := ark.NewClient(ark.Options{APIKey: key, BaseURL: cfg.ArkBaseURL, Model: cfg.ArkModel})
		if err != nil {
			return nil, err
		}
		reg.RegisterImage(ark.ProviderName, client, client.Model())
	}

	if strings.TrimSpace(cfg.EndpointURL) != "" {
		key := resolve(credentials.ProviderEndpoint, cfg.EndpointAPIKey)
		client, err := httpimage.NewClient(httpimage.Options{
			Endpoint:   cfg.EndpointURL,
			APIKey:     key,
			Auth:       httpimage.AuthMode(cfg.EndpointAuth),
			Model:      cfg.EndpointModel,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, err
		}
		name := cfg.EndpointModel
		if name == "" {
			name = httpimage.ProviderName
		}
		reg.RegisterImage(httpimage.ProviderName, client, name)
	}

	reg.ResolveDefaults()
	if len(reg.ImageModels()) == 0 {
		logger.Warn().Msg("catalog: no image provider configured, image jobs will fail with MODEL_UNAVAILABLE")
	}
	return reg, nil
}
