// Package dispatch moves job ids between the API and workers. Deliveries are
// hints only: a worker always claims the task through the job store, so a
// duplicate or stale delivery is harmless.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"productlab/internal/metrics"
)

// Dispatcher announces that a job has a runnable task.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Consumer delivers job ids to out until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, out chan<- string) error
}

// ConsumeAll runs every consumer into out until ctx is done or one of them
// fails.
func ConsumeAll(ctx context.Context, out chan<- string, consumers ...Consumer) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		if c == nil {
			continue
		}
		c := c
		g.Go(func() error { return c.Consume(ctx, out) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Fanout dispatches to every configured transport and returns the first error.
type Fanout []Dispatcher

func (f Fanout) Dispatch(ctx context.Context, jobID string) error {
	var errs []error
	for _, d := range f {
		if d == nil {
			continue
		}
		if err := d.Dispatch(ctx, jobID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttle limits how often one job may be re-dispatched by client nudges.
type Throttle interface {
	// Allow reports whether jobID may be nudged now and starts a new window.
	Allow(ctx context.Context, jobID string, window time.Duration) (bool, error)
}

// Nudger re-dispatches a processing job on client request.
type Nudger struct {
	dispatcher Dispatcher
	throttle   Throttle
	window     time.Duration
}

func NewNudger(d Dispatcher, throttle Throttle, window time.Duration) *Nudger {
	return &Nudger{dispatcher: d, throttle: throttle, window: window}
}

// Nudge reports whether a dispatch was issued. A throttled nudge is not an
// error.
func (n *Nudger) Nudge(ctx context.Context, jobID string) (bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return false, errors.New("dispatch: job id is required")
	}
	if n.throttle != nil && n.window > 0 {
		ok, err := n.throttle.Allow(ctx, jobID, n.window)
		if err != nil {
			metrics.Nudges.WithLabelValues("error").Inc()
			return false, fmt.Errorf("nudge throttle: %w", err)
		}
		if !ok {
			metrics.Nudges.WithLabelValues("throttled").Inc()
			return false, nil
		}
	}
	if n.dispatcher == nil {
		metrics.Nudges.WithLabelValues("no_dispatcher").Inc()
		return false, nil
	}
	if err := n.dispatcher.Dispatch(ctx, jobID); err != nil {
		metrics.Nudges.WithLabelValues("error").Inc()
		return false, fmt.Errorf("nudge dispatch: %w", err)
	}
	metrics.Nudges.WithLabelValues("dispatched").Inc()
	return true, nil
}
