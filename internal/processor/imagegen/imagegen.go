// Package imagegen runs IMAGE_GEN jobs: one charged synthesis call whose
// result is copied into the object store.
package imagegen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"productlab/internal/domain"
	"productlab/internal/infra"
	"productlab/internal/pricing"
	"productlab/internal/processor"
	"productlab/internal/providers"
	"productlab/internal/storage"
)

// QualityPrefix is prepended to every user prompt.
const QualityPrefix = "Professional commercial product photography, sharp focus, accurate product shape and color, clean high-end lighting. "

type Options struct {
	Ledger       domain.Ledger
	Images       providers.ImageSynthesizer
	Store        storage.ObjectStore
	Fetcher      processor.ImageFetcher
	Recorder     processor.DerivedRecorder
	DefaultModel string
	Logger       infra.Logger
}

type Processor struct {
	ledger       domain.Ledger
	images       providers.ImageSynthesizer
	store        storage.ObjectStore
	fetcher      processor.ImageFetcher
	recorder     processor.DerivedRecorder
	defaultModel string
	logger       infra.Logger
	now          func() time.Time
}

func New(opts Options) *Processor {
	return &Processor{
		ledger:       opts.Ledger,
		images:       opts.Images,
		store:        opts.Store,
		fetcher:      opts.Fetcher,
		recorder:     opts.Recorder,
		defaultModel: opts.DefaultModel,
		logger:       infra.Component(opts.Logger, "imagegen"),
		now:          time.Now,
	}
}

func (p *Processor) Type() domain.JobType { return domain.JobTypeImageGen }

// Result is stored in result_data.
type Result struct {
	URL      string `json:"url"`
	Model    string `json:"model"`
	Size     string `json:"size"`
	Cost     int64  `json:"cost"`
	MIMEType string `json:"mime_type"`
}

// derived is the audit record of the upstream request.
type derived struct {
	Model       string    `json:"model"`
	Size        string    `json:"size"`
	AspectRatio string    `json:"aspect_ratio"`
	Resolution  string    `json:"resolution"`
	Turbo       bool      `json:"turbo"`
	ImageCount  int       `json:"image_count"`
	Cost        int64     `json:"cost"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}

func (p *Processor) Process(ctx context.Context, job *domain.Job, task *domain.Task) (domain.Outcome, error) {
	decoded, err := domain.DecodePayload(domain.JobTypeImageGen, job.Payload)
	if err != nil {
		return domain.Outcome{}, err
	}
	payload := decoded.(*domain.ImageGenPayload)

	model := strings.TrimSpace(payload.Model)
	if model == "" {
		model = p.defaultModel
	}
	cost := pricing.Cost(model, payload.Turbo, payload.Resolution)
	charge := domain.Charge{
		UserID:  job.UserID,
		JobID:   job.ID,
		UnitKey: fmt.Sprintf("attempt-%d", task.Attempts),
		Amount:  cost,
		Reason:  "image_gen",
	}
	if err := processor.Debit(ctx, p.ledger, charge); err != nil {
		return domain.Outcome{}, err
	}

	log := p.logger.With().Str("job_id", job.ID).Int("attempt", task.Attempts).Str("model", model).Logger()
	result, err := p.generate(ctx, job, task, payload, model, cost)
	if err != nil {
		refunded, refundErr := processor.Refund(ctx, p.ledger, charge)
		if refundErr != nil {
			log.Error().Err(refundErr).Int64("amount", cost).Msg("imagegen: credit back failed")
		} else {
			log.Info().Bool("refunded", refunded).Int64("amount", cost).Str("code", string(domain.CodeOf(err))).Msg("imagegen: credited back after failure")
		}
		return domain.Outcome{}, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("marshal result: %w", err)
	}
	outcome := domain.SuccessOutcome(result.URL, data)
	outcome.CostAmount = &cost
	log.Info().Str("url", result.URL).Int64("cost", cost).Msg("imagegen: image stored")
	return outcome, nil
}

func (p *Processor) generate(ctx context.Context, job *domain.Job, task *domain.Task, payload *domain.ImageGenPayload, model string, cost int64) (*Result, error) {
	cache := processor.NewDataURLCache(p.fetcher)
	images, err := cache.GetAll(ctx, OrderInputs(payload))
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, domain.NewError(domain.CodeImageSourceMissing, "")
	}

	size := processor.ImageSize(payload.AspectRatio, payload.Resolution)
	p.recordDerived(ctx, job.ID, derived{
		Model:       model,
		Size:        size,
		AspectRatio: payload.AspectRatio,
		Resolution:  payload.Resolution,
		Turbo:       payload.Turbo,
		ImageCount:  len(images),
		Cost:        cost,
		Attempt:     task.Attempts,
		RequestedAt: p.now().UTC(),
	})

	res, err := p.images.SynthesizeImage(ctx, providers.ImageRequest{
		Images:      images,
		Prompt:      QualityPrefix + strings.TrimSpace(payload.Prompt),
		Size:        size,
		AspectRatio: payload.AspectRatio,
		Model:       model,
	})
	if err != nil {
		return nil, err
	}
	data, mimeType, err := processor.Materialize(ctx, p.fetcher, res)
	if err != nil {
		return nil, err
	}
	url, err := processor.Upload(ctx, p.store, storage.ResultKey(job.ID, fmt.Sprintf("image-%d", task.Attempts), mimeType), data, mimeType)
	if err != nil {
		return nil, err
	}
	return &Result{URL: url, Model: model, Size: size, Cost: cost, MIMEType: mimeType}, nil
}

func (p *Processor) recordDerived(ctx context.Context, jobID string, d derived) {
	if p.recorder == nil {
		return
	}
	raw, err := json.Marshal(map[string]any{"upstream_request": d})
	if err != nil {
		return
	}
	if err := p.recorder.RecordDerived(ctx, jobID, raw); err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("imagegen: record derived failed")
	}
}

// OrderInputs lists the synthesis inputs: the model image first when the
// workflow needs it, then product images. A lone model image is used when no
// product image is given.
func OrderInputs(p *domain.ImageGenPayload) []string {
	modelImage := strings.TrimSpace(p.ModelImage)
	var out []string
	if p.Workflow == domain.WorkflowModel && modelImage != "" {
		out = append(out, modelImage)
	}
	out = append(out, p.Images...)
	if len(out) == 0 && modelImage != "" {
		out = append(out, modelImage)
	}
	return out
}
