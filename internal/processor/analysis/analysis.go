// Package analysis turns product photos into a blueprint of image plans.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"productlab/internal/domain"
	"productlab/internal/infra"
	"productlab/internal/processor"
	"productlab/internal/providers"
)

const defaultMaxTokens = 4096

type Options struct {
	Chat      providers.ChatCompleter
	Fetcher   processor.ImageFetcher
	Model     string
	MaxTokens int
	Logger    infra.Logger
}

// Processor runs ANALYSIS jobs. Analysis is free and never touches the
// ledger.
type Processor struct {
	chat      providers.ChatCompleter
	fetcher   processor.ImageFetcher
	model     string
	maxTokens int
	logger    infra.Logger
}

func New(opts Options) *Processor {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return &Processor{
		chat:      opts.Chat,
		fetcher:   opts.Fetcher,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		logger:    infra.Component(opts.Logger, "analysis"),
	}
}

func (p *Processor) Type() domain.JobType { return domain.JobTypeAnalysis }

func (p *Processor) Process(ctx context.Context, job *domain.Job, task *domain.Task) (domain.Outcome, error) {
	decoded, err := domain.DecodePayload(domain.JobTypeAnalysis, job.Payload)
	if err != nil {
		return domain.Outcome{}, err
	}
	payload := decoded.(*domain.AnalysisPayload)
	lang := ResolveLanguage(payload.Language)

	cache := processor.NewDataURLCache(p.fetcher)
	images, err := cache.GetAll(ctx, payload.Images)
	if err != nil {
		if domain.CodeOf(err) == domain.CodeImageSourceMissing {
			return domain.Outcome{}, domain.WrapError(domain.CodeAnalysisInputImageMissing, err, "")
		}
		return domain.Outcome{}, err
	}
	var modelImage string
	if payload.Mode == domain.WorkflowModel {
		modelImage, err = cache.Get(ctx, payload.ModelImage)
		if err != nil {
			if domain.CodeOf(err) == domain.CodeImageSourceMissing {
				return domain.Outcome{}, domain.WrapError(domain.CodeAnalysisModelImageMissing, err, "")
			}
			return domain.Outcome{}, err
		}
	}

	model := payload.Model
	if model == "" {
		model = p.model
	}
	raw, err := p.chat.CompleteChat(ctx, providers.ChatRequest{
		Messages:  buildMessages(payload, lang, images, modelImage),
		Model:     model,
		MaxTokens: p.maxTokens,
		JSON:      true,
	})
	if err != nil {
		return domain.Outcome{}, err
	}

	parsed, err := ParseJSON(raw)
	if err != nil {
		p.logger.Warn().Str("job_id", job.ID).Int("attempt", task.Attempts).Int("response_len", len(raw)).Msg("analysis: unparseable model output")
		return domain.Outcome{}, domain.WrapError(domain.CodeAnalysisJSONParseFailed, err, "")
	}
	blueprint := Normalize(parsed, lang, payload.PlanCount)
	data, err := json.Marshal(blueprint)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("marshal blueprint: %w", err)
	}
	p.logger.Info().Str("job_id", job.ID).Int("plans", len(blueprint.ImagePlans)).Str("language", lang).Msg("analysis: blueprint ready")
	return domain.SuccessOutcome("", data), nil
}

var languageNames = map[string]string{
	"en": "English",
	"zh": "Simplified Chinese",
	"ko": "Korean",
	"ja": "Japanese",
	"id": "Indonesian",
}

func buildMessages(p *domain.AnalysisPayload, lang string, images []string, modelImage string) []providers.ChatMessage {
	sb := &strings.Builder{}
	sb.WriteString("You are an e-commerce art director. Study the product photos and plan commercial images. ")
	sb.WriteString("Respond strictly with JSON matching this schema: ")
	sb.WriteString(`{"product_summary":string,"design_specs":string,"image_plans":[{"title":string,"description":string,"design_content":string}]}`)
	fmt.Fprintf(sb, ". Write every text field in %s. Return exactly %d image plans.", languageNames[lang], p.PlanCount)
	if p.Mode == domain.WorkflowModel {
		sb.WriteString(" The last image shows the model who will present the product; plan on-model shots that keep the model's appearance.")
	}

	user := &strings.Builder{}
	user.WriteString("Product photos are attached.")
	if req := strings.TrimSpace(p.Requirements); req != "" {
		fmt.Fprintf(user, " Requirements: %s", req)
	}

	attached := append([]string(nil), images...)
	if modelImage != "" {
		attached = append(attached, modelImage)
	}
	return []providers.ChatMessage{
		{Role: "system", Text: sb.String()},
		{Role: "user", Text: user.String(), Images: attached},
	}
}
