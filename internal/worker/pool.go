package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"productlab/internal/infra"
)

// Runner is the part of Controller the pool drives.
type Runner interface {
	Run(ctx context.Context, jobID string) (bool, error)
	RunNext(ctx context.Context) (bool, error)
}

// Pool runs a fixed number of loops that execute tasks as job ids arrive on
// the wake channel and, between wake-ups, poll for any runnable task.
type Pool struct {
	runner       Runner
	wake         <-chan string
	concurrency  int
	pollInterval time.Duration
	logger       infra.Logger
}

type PoolOptions struct {
	Runner       Runner
	Wake         <-chan string
	Concurrency  int
	PollInterval time.Duration
	Logger       infra.Logger
}

func NewPool(opts PoolOptions) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Pool{
		runner:       opts.Runner,
		wake:         opts.Wake,
		concurrency:  opts.Concurrency,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
	}
}

// Run blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Int("concurrency", p.concurrency).Dur("poll", p.pollInterval).Msg("worker: pool started")
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		slot := i
		g.Go(func() error {
			p.loop(ctx, slot)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info().Msg("worker: pool stopped")
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (p *Pool) loop(ctx context.Context, slot int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	wake := p.wake
	for {
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if _, err := p.runner.Run(ctx, jobID); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error().Err(err).Int("slot", slot).Str("job_id", jobID).Msg("worker: run failed")
			}
		case <-ticker.C:
			p.drain(ctx, slot)
		}
	}
}

// drain keeps executing tasks until none is runnable.
func (p *Pool) drain(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		ran, err := p.runner.RunNext(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.logger.Error().Err(err).Int("slot", slot).Msg("worker: poll failed")
			}
			return
		}
		if !ran {
			return
		}
	}
}
