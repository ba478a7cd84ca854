// Package replicate runs STYLE_REPLICATE jobs by fanning one job out into a
// fixed set of units executed under bounded concurrency.
package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"productlab/internal/domain"
	"productlab/internal/infra"
	"productlab/internal/metrics"
	"productlab/internal/pricing"
	"productlab/internal/processor"
	"productlab/internal/providers"
	"productlab/internal/storage"
)

const (
	defaultWorkers        = 2
	defaultRefineWorkers  = 4
	maxWorkers            = 8
	defaultSnapshotEvery  = 4
	defaultRatioAttempts  = 3
	defaultRatioTolerance = 0.03
)

// SnapshotWriter stores progressive batch results.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, jobID string, data json.RawMessage, completed int) error
}

type Options struct {
	Ledger         domain.Ledger
	Images         providers.ImageSynthesizer
	Store          storage.ObjectStore
	Fetcher        processor.ImageFetcher
	Snapshots      SnapshotWriter
	DefaultModel   string
	Workers        int
	RefineWorkers  int
	SnapshotEvery  int
	RatioAttempts  int
	RatioTolerance float64
	Logger         infra.Logger
}

type Processor struct {
	ledger         domain.Ledger
	images         providers.ImageSynthesizer
	store          storage.ObjectStore
	fetcher        processor.ImageFetcher
	snapshots      SnapshotWriter
	defaultModel   string
	workers        int
	refineWorkers  int
	snapshotEvery  int
	ratioAttempts  int
	ratioTolerance float64
	logger         infra.Logger
}

func New(opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.RefineWorkers <= 0 {
		opts.RefineWorkers = defaultRefineWorkers
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = defaultSnapshotEvery
	}
	if opts.RatioAttempts <= 0 {
		opts.RatioAttempts = defaultRatioAttempts
	}
	if opts.RatioTolerance <= 0 {
		opts.RatioTolerance = defaultRatioTolerance
	}
	return &Processor{
		ledger:         opts.Ledger,
		images:         opts.Images,
		store:          opts.Store,
		fetcher:        opts.Fetcher,
		snapshots:      opts.Snapshots,
		defaultModel:   opts.DefaultModel,
		workers:        opts.Workers,
		refineWorkers:  opts.RefineWorkers,
		snapshotEvery:  opts.SnapshotEvery,
		ratioAttempts:  opts.RatioAttempts,
		ratioTolerance: opts.RatioTolerance,
		logger:         infra.Component(opts.Logger, "replicate"),
	}
}

func (p *Processor) Type() domain.JobType { return domain.JobTypeStyleReplicate }

// Result is the aggregated batch output stored in result_data.
type Result struct {
	Mode      string `json:"mode"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	UnitCost  int64  `json:"unit_cost"`
	Outputs   []Unit `json:"outputs"`
}

func (p *Processor) Process(ctx context.Context, job *domain.Job, task *domain.Task) (domain.Outcome, error) {
	decoded, err := domain.DecodePayload(domain.JobTypeStyleReplicate, job.Payload)
	if err != nil {
		return domain.Outcome{}, err
	}
	payload := decoded.(*domain.ReplicatePayload)

	model := strings.TrimSpace(payload.Model)
	if model == "" {
		model = p.defaultModel
	}
	units := PlanUnits(payload)
	run := &batchRun{
		p:        p,
		job:      job,
		payload:  payload,
		model:    model,
		unitCost: pricing.Cost(model, false, payload.Resolution),
		size:     processor.ImageSize(payload.AspectRatio, payload.Resolution),
		cache:    processor.NewDataURLCache(p.fetcher),
		units:    units,
		variants: variantCount(payload),
		log: p.logger.With().
			Str("job_id", job.ID).
			Int("attempt", task.Attempts).
			Str("mode", payload.Mode).
			Int("units", len(units)).
			Logger(),
	}
	run.ratio, run.checkRatio = processor.ParseRatio(payload.AspectRatio)

	workers := p.concurrency(payload)
	run.log.Info().Int("workers", workers).Str("model", model).Msg("replicate: batch started")
	run.execute(ctx, workers)
	if err := ctx.Err(); err != nil {
		// An interrupted batch is handed back to the controller; unit ledger
		// keys keep a rerun from charging twice.
		run.log.Warn().Err(err).Msg("replicate: batch interrupted")
		return domain.Outcome{}, domain.WrapError(domain.CodeAborted, err, "")
	}
	return run.finish()
}

// concurrency picks the pool size: refinement runs wider than style
// replication, and a payload override is clamped to [1, maxWorkers].
func (p *Processor) concurrency(payload *domain.ReplicatePayload) int {
	n := p.workers
	if payload.Mode == domain.ReplicateRefinement {
		n = p.refineWorkers
	}
	if payload.Concurrency > 0 {
		n = payload.Concurrency
	}
	return min(max(n, 1), maxWorkers)
}

func variantCount(p *domain.ReplicatePayload) int {
	switch p.Mode {
	case domain.ReplicateSingle:
		return p.Repeat
	case domain.ReplicateBatch:
		return p.GroupCount
	}
	return 1
}

type batchRun struct {
	p          *Processor
	job        *domain.Job
	payload    *domain.ReplicatePayload
	model      string
	unitCost   int64
	size       string
	ratio      float64
	checkRatio bool
	variants   int
	cache      *processor.DataURLCache
	log        infra.Logger

	// stop is set by the first fatal unit; units that have not started yet
	// are skipped.
	stop  atomic.Bool
	fatal atomic.Pointer[domain.Error]

	mu        sync.Mutex
	units     []Unit
	completed int
}

func (r *batchRun) execute(ctx context.Context, workers int) {
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range r.units {
		unit := r.units[i]
		g.Go(func() error {
			if r.stop.Load() {
				r.settle(ctx, unit, domain.NewError(domain.CodeSkipped, skippedMessage(r.fatal.Load())))
				return nil
			}
			if err := ctx.Err(); err != nil {
				r.settle(ctx, unit, domain.WrapError(domain.CodeAborted, err, ""))
				return nil
			}
			done, err := r.runUnit(ctx, unit)
			if err != nil && domain.IsFatal(err) {
				if coded, ok := domain.AsError(err); ok {
					r.fatal.CompareAndSwap(nil, coded)
				}
				r.stop.Store(true)
			}
			if err != nil {
				r.settle(ctx, unit, err)
				return nil
			}
			r.settle(ctx, done, nil)
			return nil
		})
	}
	_ = g.Wait()
}

func skippedMessage(cause *domain.Error) string {
	if cause == nil {
		return "Skipped after an earlier unrecoverable error."
	}
	return fmt.Sprintf("Skipped after an earlier unrecoverable error (%s).", cause.Code)
}

// runUnit resolves inputs, synthesizes with a bounded ratio retry, stores the
// image and only then charges the unit.
func (r *batchRun) runUnit(ctx context.Context, unit Unit) (Unit, error) {
	log := r.log.With().Int("unit", unit.Index).Logger()
	images, err := r.cache.GetAll(ctx, unit.Inputs())
	if err != nil {
		return unit, err
	}
	req := providers.ImageRequest{
		Images:      images,
		Prompt:      BuildPrompt(r.payload, unit, r.variants),
		Size:        r.size,
		AspectRatio: r.payload.AspectRatio,
		Model:       r.model,
	}

	var (
		data     []byte
		mimeType string
		accepted bool
	)
	for attempt := 1; attempt <= r.p.ratioAttempts; attempt++ {
		unit.Attempts = attempt
		res, err := r.p.images.SynthesizeImage(ctx, req)
		if err != nil {
			return unit, err
		}
		data, mimeType, err = processor.Materialize(ctx, r.p.fetcher, res)
		if err != nil {
			return unit, err
		}
		w, h, dimErr := storage.Dimensions(data)
		if dimErr == nil {
			unit.Width, unit.Height = w, h
		}
		if !r.checkRatio {
			accepted = true
			break
		}
		if dimErr != nil {
			return unit, domain.WrapError(domain.CodeInvalidImageResponse, dimErr, "")
		}
		if processor.RatioMatches(w, h, r.ratio, r.p.ratioTolerance) {
			accepted = true
			break
		}
		metrics.RatioRetries.Inc()
		log.Warn().Int("width", w).Int("height", h).Str("aspect", r.payload.AspectRatio).Int("try", attempt).Msg("replicate: aspect ratio mismatch")
	}
	if !accepted {
		return unit, domain.NewError(domain.CodeImageRatioMismatch, "")
	}

	key := storage.ResultKey(r.job.ID, fmt.Sprintf("unit-%d", unit.Index), mimeType)
	url, err := processor.Upload(ctx, r.p.store, key, data, mimeType)
	if err != nil {
		return unit, err
	}
	err = processor.Debit(ctx, r.p.ledger, domain.Charge{
		UserID:  r.job.UserID,
		JobID:   r.job.ID,
		UnitKey: fmt.Sprintf("unit-%d", unit.Index),
		Amount:  r.unitCost,
		Reason:  "style_replicate",
	})
	if err != nil {
		return unit, err
	}
	unit.URL = url
	return unit, nil
}

// settle records a finished unit at its own index and writes a progressive
// snapshot every snapshotEvery completions.
func (r *batchRun) settle(ctx context.Context, unit Unit, err error) {
	outcome := "success"
	if err != nil {
		unit.Status = UnitFailed
		unit.URL = ""
		unit.ErrorCode = domain.CodeOf(err)
		unit.Error = domain.MessageOf(err)
		outcome = "failed"
		if unit.ErrorCode == domain.CodeSkipped {
			outcome = "skipped"
		}
	} else {
		unit.Status = UnitSuccess
	}

	r.mu.Lock()
	r.units[unit.Index] = unit
	r.completed++
	completed := r.completed
	var snapshot []byte
	if r.snapshotDue(completed) {
		snapshot, _ = json.Marshal(r.resultLocked())
	}
	r.mu.Unlock()

	metrics.UnitsProcessed.WithLabelValues(r.payload.Mode, outcome).Inc()
	if err != nil && unit.ErrorCode != domain.CodeSkipped {
		r.log.Warn().Err(err).Int("unit", unit.Index).Str("code", string(unit.ErrorCode)).Msg("replicate: unit failed")
	}
	if snapshot != nil && r.p.snapshots != nil {
		if werr := r.p.snapshots.WriteSnapshot(context.WithoutCancel(ctx), r.job.ID, snapshot, completed); werr != nil {
			r.log.Warn().Err(werr).Int("completed", completed).Msg("replicate: snapshot write failed")
		}
	}
}

func (r *batchRun) snapshotDue(completed int) bool {
	k := r.p.snapshotEvery
	total := len(r.units)
	return total > k && completed < total && completed%k == 0
}

func (r *batchRun) resultLocked() Result {
	res := Result{
		Mode:      r.payload.Mode,
		Total:     len(r.units),
		Completed: r.completed,
		UnitCost:  r.unitCost,
		Outputs:   append([]Unit(nil), r.units...),
	}
	for _, u := range r.units {
		switch u.Status {
		case UnitSuccess:
			res.Succeeded++
		case UnitFailed:
			res.Failed++
		}
	}
	return res
}

// finish builds the authoritative outcome. Any success makes the job a
// success, even when a fatal error stopped the batch early.
func (r *batchRun) finish() (domain.Outcome, error) {
	r.mu.Lock()
	res := r.resultLocked()
	r.mu.Unlock()

	r.log.Info().
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("sources", r.cache.Len()).
		Msg("replicate: batch finished")
	if res.Succeeded == 0 {
		if fatal := r.fatal.Load(); fatal != nil {
			return domain.Outcome{}, fatal
		}
		var cause error
		for _, u := range res.Outputs {
			if u.Error != "" {
				cause = fmt.Errorf("unit %d: %s: %s", u.Index, u.ErrorCode, u.Error)
				break
			}
		}
		return domain.Outcome{}, domain.WrapError(domain.CodeBatchAllFailed, cause, "")
	}

	data, err := json.Marshal(res)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("marshal batch result: %w", err)
	}
	var firstURL string
	for _, u := range res.Outputs {
		if u.Status == UnitSuccess {
			firstURL = u.URL
			break
		}
	}
	outcome := domain.SuccessOutcome(firstURL, data)
	cost := r.unitCost * int64(res.Succeeded)
	outcome.CostAmount = &cost
	if res.Failed > 0 {
		outcome.ErrorCode = domain.CodeBatchPartialFailed
		outcome.ErrorMessage = fmt.Sprintf("%d of %d images could not be generated.", res.Failed, res.Total)
	}
	return outcome, nil
}
