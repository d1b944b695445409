// Package poll turns a submitted remote job into a terminal outcome: it
// submits once, then polls at a constant interval until the job succeeds,
// fails, or runs out of budget.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/glmharness/internal/cluster"
	"github.com/kiranshivaraju/glmharness/pkg/models"
)

var (
	ErrJobFailed = errors.New("remote job failed")
	ErrTimedOut  = errors.New("job timed out")
)

// DefaultTransportRetries is how many consecutive transport errors a poll
// loop absorbs before reporting the job as failed.
const DefaultTransportRetries = 3

// Clock abstracts time so loops can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Observer is told about every status the loop observes.
type Observer func(ctx context.Context, status models.JobStatus)

// Outcome is the result of one poll loop. TimedOut is an ordinary outcome,
// not an error; Err is set for failed and timed-out outcomes.
type Outcome struct {
	Kind    models.JobKind
	Handle  models.JobHandle
	State   string
	Result  models.Payload
	Err     error
	Elapsed time.Duration
	Polls   int
	Budget  Budget
}

func (o Outcome) Succeeded() bool { return o.State == models.OutcomeSucceeded }
func (o Outcome) TimedOut() bool  { return o.State == models.OutcomeTimedOut }

// BudgetPct is the share of the budget the job consumed.
func (o Outcome) BudgetPct() float64 { return o.Budget.Pct(o.Elapsed) }

// NearTimeout reports a job that finished but used most of its budget.
func (o Outcome) NearTimeout() bool { return o.Budget.NearTimeout(o.Elapsed) }

// Report renders the outcome as a stage summary line.
func (o Outcome) Report(stage string) models.StageReport {
	r := models.StageReport{
		Stage:     stage,
		Kind:      o.Kind,
		Handle:    o.Handle,
		Outcome:   o.State,
		Elapsed:   o.Elapsed,
		Budget:    o.Budget.Limit,
		BudgetPct: o.BudgetPct(),
		Polls:     o.Polls,
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
	}
	return r
}

// Loop drives submit-then-poll for a single job at a time. A Loop holds no
// per-job state, so one Loop may serve many sequential or concurrent jobs.
type Loop struct {
	client   cluster.Client
	interval time.Duration
	retries  int
	clock    Clock
	observer Observer
	logger   *slog.Logger
}

// Option customises a Loop.
type Option func(*Loop)

func WithClock(c Clock) Option { return func(l *Loop) { l.clock = c } }

func WithObserver(o Observer) Option { return func(l *Loop) { l.observer = o } }

func WithTransportRetries(n int) Option { return func(l *Loop) { l.retries = n } }

func WithLogger(lg *slog.Logger) Option { return func(l *Loop) { l.logger = lg } }

// New creates a Loop polling at a constant interval.
func New(client cluster.Client, interval time.Duration, opts ...Option) *Loop {
	l := &Loop{
		client:   client,
		interval: interval,
		retries:  DefaultTransportRetries,
		clock:    realClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run submits the job and blocks until it reaches a terminal state or the
// budget is spent. It never polls a handle again after a terminal status.
func (l *Loop) Run(ctx context.Context, kind models.JobKind, payload models.Payload, budget Budget) Outcome {
	start := l.clock.Now()
	out := Outcome{Kind: kind, Budget: budget}

	finish := func(state string, err error) Outcome {
		out.State = state
		out.Err = err
		out.Elapsed = l.clock.Now().Sub(start)
		return out
	}

	handle, err := l.client.Submit(ctx, kind, payload)
	if err != nil {
		return finish(models.OutcomeFailed, fmt.Errorf("submit %s: %w", kind, err))
	}
	out.Handle = handle
	logger := l.logger.With("kind", kind, "handle", handle)
	logger.Debug("job submitted")

	transportErrs := 0
	for {
		status, err := l.client.Poll(ctx, handle)
		out.Polls++
		elapsed := l.clock.Now().Sub(start)

		switch {
		case err == nil:
			transportErrs = 0
			if status.Kind == "" {
				status.Kind = kind
			}
			l.observe(ctx, status)
			switch status.State {
			case models.JobStateSucceeded:
				out.Result = status.Result
				return finish(models.OutcomeSucceeded, nil)
			case models.JobStateFailed:
				return finish(models.OutcomeFailed, fmt.Errorf("%w: %s", ErrJobFailed, status.Error))
			}
			logger.Debug("job running",
				"progress", status.Progress,
				"elapsed_ms", elapsed.Milliseconds(),
				"budget_pct", budget.Pct(elapsed),
			)

		case ctx.Err() != nil:
			return finish(models.OutcomeFailed, fmt.Errorf("poll %s: %w", handle, ctx.Err()))

		case errors.Is(err, cluster.ErrTransport):
			transportErrs++
			if transportErrs > l.retries {
				return finish(models.OutcomeFailed,
					fmt.Errorf("poll %s: giving up after %d transport errors: %w", handle, transportErrs, err))
			}
			logger.Warn("transient poll failure", "attempt", transportErrs, "error", err)

		default:
			return finish(models.OutcomeFailed, fmt.Errorf("poll %s: %w", handle, err))
		}

		if budget.Exceeded(elapsed) {
			return finish(models.OutcomeTimedOut, fmt.Errorf("%w: %s after %s (%.0f%% of %s budget)",
				ErrTimedOut, kind, elapsed.Round(time.Millisecond), budget.Pct(elapsed), budget.Limit))
		}

		wait := l.interval
		if rem := budget.Remaining(elapsed); rem < wait {
			wait = rem
		}
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return finish(models.OutcomeFailed, fmt.Errorf("poll %s: %w", handle, err))
		}
	}
}

func (l *Loop) observe(ctx context.Context, status models.JobStatus) {
	if l.observer != nil {
		l.observer(ctx, status)
	}
}
