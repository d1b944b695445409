// Package trial drives a harness run: it checks the cluster is reachable,
// runs every trial of a scenario through import, store view, parse and the
// per-label fit/score iterations, and folds the stage outcomes into a RunReport.
package trial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/glmharness/internal/analysis"
	"github.com/kiranshivaraju/glmharness/internal/cache"
	"github.com/kiranshivaraju/glmharness/internal/cluster"
	"github.com/kiranshivaraju/glmharness/internal/config"
	"github.com/kiranshivaraju/glmharness/internal/poll"
	"github.com/kiranshivaraju/glmharness/internal/stage"
	"github.com/kiranshivaraju/glmharness/internal/validate"
	"github.com/kiranshivaraju/glmharness/pkg/keys"
	"github.com/kiranshivaraju/glmharness/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Errors returned by Run before any trial starts.
var (
	ErrInvalidScenario = errors.New("invalid scenario")
	ErrClusterNotReady = errors.New("cluster not ready")
)

const (
	statusTTL = 24 * time.Hour
	reportTTL = 7 * 24 * time.Hour
)

// Recorder persists the run ledger.
type Recorder interface {
	StartRun(ctx context.Context, run *models.Run) error
	RecordStage(ctx context.Context, rec *models.StageRecord) error
	FinishRun(ctx context.Context, id uuid.UUID, status string) error
}

// StatusCache publishes live job status while a run is in flight.
type StatusCache interface {
	SetJobStatus(ctx context.Context, status models.JobStatus, ttl time.Duration) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	SetRunReport(ctx context.Context, report models.RunReport, ttl time.Duration) error
}

// Runner executes a scenario against a cluster. Trials share no mutable
// state; each gets its own stage outputs and keys.
type Runner struct {
	client   cluster.Client
	scenario config.Scenario
	recorder Recorder
	cache    StatusCache
	clock    poll.Clock
	logger   *slog.Logger
	keys     keys.Builder
}

// Option customises a Runner.
type Option func(*Runner)

func WithRecorder(rec Recorder) Option { return func(r *Runner) { r.recorder = rec } }

func WithStatusCache(c StatusCache) Option { return func(r *Runner) { r.cache = c } }

func WithClock(c poll.Clock) Option { return func(r *Runner) { r.clock = c } }

func WithLogger(lg *slog.Logger) Option { return func(r *Runner) { r.logger = lg } }

// New creates a Runner. The scenario is validated when Run is called.
func New(client cluster.Client, sc config.Scenario, opts ...Option) *Runner {
	r := &Runner{
		client:   client,
		scenario: sc,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) now() time.Time {
	if r.clock != nil {
		return r.clock.Now()
	}
	return time.Now()
}

// Run probes the cluster, runs every trial, and returns the run report.
// The error is non-nil only when the run could not start; trial failures
// are reported in the RunReport.
func (r *Runner) Run(ctx context.Context) (models.RunReport, error) {
	report := models.RunReport{ID: uuid.New(), StartedAt: r.now()}
	logger := r.logger.With("run_id", report.ID)

	if err := r.scenario.Validate(); err != nil {
		return report, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	if err := r.client.Ready(ctx); err != nil {
		return report, fmt.Errorf("%w: %w", ErrClusterNotReady, err)
	}

	sc := r.scenario
	if r.recorder != nil {
		run := &models.Run{
			ID:         report.ID,
			ImportPath: sc.ImportPath,
			Trials:     sc.TrialCount(),
			Status:     models.RunStatusRunning,
			StartedAt:  report.StartedAt,
		}
		if err := r.recorder.StartRun(ctx, run); err != nil {
			logger.Error("failed to record run start", "error", err)
		}
	}

	loop := r.newLoop(report.ID, logger)
	report.Trials = make([]models.TrialReport, sc.TrialCount())

	var g errgroup.Group
	g.SetLimit(sc.Parallelism)
	for i := range report.Trials {
		g.Go(func() error {
			report.Trials[i] = r.runTrial(ctx, loop, report.ID, i, logger.With("trial", i))
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = r.now()
	failed := report.Failed(sc.FailOnSoftTimeout)

	if r.recorder != nil {
		status := models.RunStatusPassed
		if failed {
			status = models.RunStatusFailed
		}
		if err := r.recorder.FinishRun(ctx, report.ID, status); err != nil {
			logger.Error("failed to record run finish", "error", err)
		}
	}
	if r.cache != nil {
		if err := r.cache.SetRunReport(ctx, report, reportTTL); err != nil {
			logger.Warn("failed to cache run report", "error", err)
		}
	}

	logger.Info("run finished",
		"trials", len(report.Trials),
		"fatal", report.FatalCount(),
		"failed", failed,
		"elapsed_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	)
	return report, nil
}

func (r *Runner) newLoop(runID uuid.UUID, logger *slog.Logger) *poll.Loop {
	opts := []poll.Option{
		poll.WithTransportRetries(r.scenario.TransportRetries),
		poll.WithLogger(logger),
	}
	if r.clock != nil {
		opts = append(opts, poll.WithClock(r.clock))
	}
	if obs := r.observer(runID, logger); obs != nil {
		opts = append(opts, poll.WithObserver(obs))
	}
	return poll.New(r.client, r.scenario.PollInterval, opts...)
}

// observer mirrors every observed status into the cache and, with store
// view noise on, lists the store while a parse or fit is running. Failures
// of either are logged and never affect the job.
func (r *Runner) observer(runID uuid.UUID, logger *slog.Logger) poll.Observer {
	noise := r.scenario.StoreViewNoise
	if r.cache == nil && !noise {
		return nil
	}
	return func(ctx context.Context, status models.JobStatus) {
		if r.cache != nil {
			if err := r.cache.SetJobStatus(ctx, status, statusTTL); err != nil {
				logger.Warn("failed to cache job status", "handle", status.Handle, "error", err)
			}
			if _, err := r.cache.IncrWithExpiry(ctx, cache.PollCountKey(runID, status.Kind), statusTTL); err != nil {
				logger.Warn("failed to count poll", "kind", status.Kind, "error", err)
			}
		}
		if noise && status.State == models.JobStateRunning &&
			(status.Kind == models.JobKindParse || status.Kind == models.JobKindFit) {
			if _, err := r.client.ListKeys(ctx); err != nil {
				logger.Debug("store view during poll failed", "kind", status.Kind, "error", err)
			}
		}
	}
}

func (r *Runner) budget(limit time.Duration) poll.Budget {
	return poll.Budget{Limit: limit, SoftThreshold: r.scenario.SoftThreshold}
}

// trialRun carries the state of one trial.
type trialRun struct {
	runner *Runner
	ctx    context.Context
	loop   *poll.Loop
	runID  uuid.UUID
	report *models.TrialReport
	logger *slog.Logger
}

func (r *Runner) runTrial(ctx context.Context, loop *poll.Loop, runID uuid.UUID, idx int, logger *slog.Logger) models.TrialReport {
	sc := r.scenario
	pair := sc.Pair(idx)
	start := r.now()
	report := models.TrialReport{
		Index:      idx,
		TrainFile:  pair.Train,
		TestFile:   pair.Test,
		Iterations: []models.IterationReport{},
	}
	t := &trialRun{runner: r, ctx: ctx, loop: loop, runID: runID, report: &report, logger: logger}

	t.prepareAndIterate(pair)

	report.Elapsed = r.now().Sub(start)
	if report.Fatal != "" {
		logger.Error("trial aborted", "error", report.Fatal, "elapsed_ms", report.Elapsed.Milliseconds())
	} else {
		logger.Info("trial finished",
			"passed", report.Succeeded(),
			"iterations", len(report.Iterations),
			"elapsed_ms", report.Elapsed.Milliseconds(),
		)
	}
	return report
}

// prepareAndIterate runs the trial-fatal stages, then one fit/score
// iteration per label. It returns early, leaving report.Fatal set, when the
// import, the store view or either parse fails, or when the target column
// is missing or leaves no predictors.
func (t *trialRun) prepareAndIterate(pair config.DatasetPair) {
	r := t.runner
	sc := r.scenario

	// Every trial re-imports: the service drops source keys once parsed.
	imported, res := stage.Import{Path: sc.ImportPath}.Run(t.ctx, t.loop, r.budget(sc.Budgets.Import))
	t.recordTrialStage("import", res)
	if res.Err != nil {
		t.fatal("import", res.Err)
		return
	}

	view := stage.StoreView{Imported: imported, Files: []string{pair.Test, pair.Train}}
	res = view.Run(t.ctx, r.client, r.budget(sc.Budgets.StoreView), r.now)
	t.recordTrialStage(view.Name(), res)
	if res.Err != nil {
		t.fatal(view.Name(), res.Err)
		return
	}

	testOut, ok := t.parse("parse_test", imported, pair.Test)
	if !ok {
		return
	}
	testPredictors := testOut.Predictors(sc.Target)

	trainOut, ok := t.parse("parse_train", imported, pair.Train)
	if !ok {
		return
	}
	predictors := trainOut.Predictors(sc.Target)

	for _, p := range []struct {
		file string
		out  stage.ParseOutput
	}{{pair.Test, testOut}, {pair.Train, trainOut}} {
		if !p.out.HasColumn(sc.Target) {
			t.fatal("predictors", fmt.Errorf("%w: %s has no column %s", stage.ErrMissingTarget, p.file, sc.Target))
			return
		}
	}

	if div := analysis.ComparePredictors(testPredictors, predictors); !div.Empty() {
		msg := fmt.Sprintf("predictor selection diverged: only in test [%s], only in train [%s]",
			strings.Join(div.OnlyFirst, ","), strings.Join(div.OnlySecond, ","))
		if sc.Divergence == config.DivergenceFail {
			t.fatal("predictors", errors.New(msg))
			return
		}
		t.logger.Warn("predictor selection diverged",
			"only_test", div.OnlyFirst,
			"only_train", div.OnlySecond,
		)
		t.report.Warnings = append(t.report.Warnings, msg)
	}
	if len(predictors) == 0 {
		t.fatal("predictors", fmt.Errorf("%w for target %s", stage.ErrNoPredictors, sc.Target))
		return
	}
	t.report.Predictors = predictors

	for _, label := range sc.Labels {
		t.report.Iterations = append(t.report.Iterations, t.iterate(label, trainOut, testOut, predictors))
	}
}

func (t *trialRun) parse(name string, imported stage.ImportOutput, file string) (stage.ParseOutput, bool) {
	r := t.runner
	sc := r.scenario

	source, err := imported.KeyFor(file)
	if err != nil {
		t.fatal(name, err)
		return stage.ParseOutput{}, false
	}
	p := stage.Parse{
		SourceKey:   source,
		Destination: r.keys.ParseDestination(file, t.report.Index),
		MinRows:     sc.MinRows,
	}
	out, res := p.Run(t.ctx, t.loop, r.budget(sc.Budgets.Parse))
	res.Stage = name
	t.recordTrialStage(name, res)
	if res.Err != nil {
		t.fatal(name, res.Err)
		return stage.ParseOutput{}, false
	}
	return out, true
}

// iterate runs fit then score for one label. Failures stay inside the
// returned report.
func (t *trialRun) iterate(label int, train, test stage.ParseOutput, predictors []string) models.IterationReport {
	r := t.runner
	sc := r.scenario
	logger := t.logger.With("label", label)
	it := models.IterationReport{Label: label}

	f := stage.Fit{
		DatasetKey: train.DatasetKey,
		Predictors: predictors,
		Target:     sc.Target,
		Label:      label,
		ModelKey:   r.keys.Model(train.DatasetKey, label),
		Params:     sc.Fit,
	}
	fitOut, res := f.Run(t.ctx, t.loop, r.budget(sc.Budgets.Fit))
	it.Fit = res.Report()
	t.recordIterationStage(label, res, logger)
	if res.Err != nil {
		t.failIteration(&it, res, logger)
		return it
	}
	it.ModelKey = fitOut.ModelKey

	s := stage.Score{
		DatasetKey: test.DatasetKey,
		ModelKey:   fitOut.ModelKey,
		Threshold:  sc.Fit.Threshold,
		MaxError:   sc.MaxError,
	}
	scoreOut, res := s.Run(t.ctx, t.loop, r.budget(sc.Budgets.Score))
	scoreRep := res.Report()
	it.Score = &scoreRep
	t.recordIterationStage(label, res, logger)
	if res.Err != nil {
		t.failIteration(&it, res, logger)
		return it
	}
	errRate := scoreOut.ErrorRate
	it.ErrorRate = &errRate
	return it
}

func (t *trialRun) failIteration(it *models.IterationReport, res stage.Result, logger *slog.Logger) {
	it.Error = res.Err.Error()
	it.Mismatch = validate.IsMismatch(res.Err)
	it.SoftFailed = res.State == stage.TimedOut
	if it.SoftFailed {
		logger.Warn("iteration timed out", "stage", res.Stage, "error", res.Err)
		return
	}
	logger.Error("iteration failed", "stage", res.Stage, "mismatch", it.Mismatch, "error", res.Err)
}

func (t *trialRun) fatal(stageName string, err error) {
	t.report.Fatal = fmt.Sprintf("%s: %v", stageName, err)
}

func (t *trialRun) recordTrialStage(name string, res stage.Result) {
	rep := res.Report()
	rep.Stage = name
	t.report.Stages = append(t.report.Stages, rep)
	t.logStage(rep, res.Outcome, t.logger)
	t.record(nil, rep)
}

func (t *trialRun) recordIterationStage(label int, res stage.Result, logger *slog.Logger) {
	rep := res.Report()
	t.logStage(rep, res.Outcome, logger)
	t.record(&label, rep)
}

func (t *trialRun) logStage(rep models.StageReport, out poll.Outcome, logger *slog.Logger) {
	attrs := []any{
		"stage", rep.Stage,
		"handle", rep.Handle,
		"outcome", rep.Outcome,
		"elapsed_ms", rep.Elapsed.Milliseconds(),
		"budget_pct", rep.BudgetPct,
	}
	if rep.Outcome == models.OutcomeSucceeded && out.NearTimeout() {
		logger.Warn("stage finished near its timeout", attrs...)
		return
	}
	logger.Info("stage finished", attrs...)
}

func (t *trialRun) record(label *int, rep models.StageReport) {
	rec := t.runner.recorder
	if rec == nil {
		return
	}
	if err := rec.RecordStage(t.ctx, models.NewStageRecord(t.runID, t.report.Index, label, rep)); err != nil {
		t.logger.Error("failed to record stage", "stage", rep.Stage, "error", err)
	}
}
