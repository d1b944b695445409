package fakecluster_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/glmharness/internal/cluster"
	"github.com/kiranshivaraju/glmharness/internal/config"
	"github.com/kiranshivaraju/glmharness/internal/fakecluster"
	"github.com/kiranshivaraju/glmharness/internal/poll"
	"github.com/kiranshivaraju/glmharness/internal/trial"
	"github.com/kiranshivaraju/glmharness/internal/validate"
	"github.com/kiranshivaraju/glmharness/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var files = []string{"mnist_training.csv.gz", "mnist_testing.csv.gz"}

func newEngine(opts fakecluster.Options) *fakecluster.Engine {
	if opts.Files == nil {
		opts.Files = files
	}
	return fakecluster.NewEngine(opts)
}

// finish polls until the job is terminal.
func finish(t *testing.T, e *fakecluster.Engine, h models.JobHandle) models.JobStatus {
	t.Helper()
	for i := 0; i < 100; i++ {
		s, err := e.Poll(context.Background(), h)
		require.NoError(t, err)
		if s.IsTerminal() {
			return s
		}
	}
	t.Fatalf("job %s never finished", h)
	return models.JobStatus{}
}

func submit(t *testing.T, e *fakecluster.Engine, kind models.JobKind, p models.Payload) models.JobStatus {
	t.Helper()
	h, err := e.Submit(context.Background(), kind, p)
	require.NoError(t, err)
	return finish(t, e, h)
}

func importKeys(t *testing.T, e *fakecluster.Engine) map[string]string {
	t.Helper()
	s := submit(t, e, models.JobKindImport, models.Payload{"path": "/home/0xdiag/datasets/mnist"})
	require.Equal(t, models.JobStateSucceeded, s.State)
	require.NoError(t, validate.CheckImport(s.Result))

	out := map[string]string{}
	for _, entry := range s.Result["succeeded"].([]map[string]string) {
		out[entry["file"]] = entry["key"]
	}
	return out
}

func TestImport_RegistersSourceKeys(t *testing.T) {
	e := newEngine(fakecluster.Options{})
	keys := importKeys(t, e)

	assert.Equal(t, "nfs:/home/0xdiag/datasets/mnist/mnist_training.csv.gz", keys["mnist_training.csv.gz"])
	assert.Len(t, keys, 2)
}

func TestParse_ConsumesSourceKey(t *testing.T) {
	e := newEngine(fakecluster.Options{Columns: 8})
	src := importKeys(t, e)["mnist_testing.csv.gz"]

	s := submit(t, e, models.JobKindParse, models.Payload{"source_key": src, "destination_key": "mnist_testing_0.hex"})
	require.Equal(t, models.JobStateSucceeded, s.State)
	assert.NoError(t, validate.CheckParse(s.Result, validate.ParseExpectation{DestinationKey: "mnist_testing_0.hex", MinRows: 1}))
	assert.Equal(t, 8, s.Result["num_cols"])

	again := submit(t, e, models.JobKindParse, models.Payload{"source_key": src, "destination_key": "mnist_testing_1.hex"})
	assert.Equal(t, models.JobStateFailed, again.State)
	assert.Contains(t, again.Error, "not found")
}

func TestListKeys_TracksStore(t *testing.T) {
	e := newEngine(fakecluster.Options{})
	ctx := context.Background()

	listed, err := e.ListKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)

	keys := importKeys(t, e)
	submit(t, e, models.JobKindParse, models.Payload{"source_key": keys["mnist_training.csv.gz"], "destination_key": "train.hex"})

	listed, err = e.ListKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{keys["mnist_testing.csv.gz"], "train.hex"}, listed)
}

func TestFit_CoefficientPerPredictor(t *testing.T) {
	e := newEngine(fakecluster.Options{})
	src := importKeys(t, e)["mnist_training.csv.gz"]
	submit(t, e, models.JobKindParse, models.Payload{"source_key": src, "destination_key": "train.hex"})

	x := []any{"C2", "C3", "C5"}
	s := submit(t, e, models.JobKindFit, models.Payload{
		"key": "train.hex", "x": x, "y": "C1", "max_iter": 5.0, "destination_key": "train_glm_case0",
	})
	require.Equal(t, models.JobStateSucceeded, s.State)
	assert.NoError(t, validate.CheckFit(s.Result, validate.FitExpectation{
		Predictors: []string{"C2", "C3", "C5"}, MaxIterations: 5, RequireConverged: true,
	}))
	assert.Equal(t, "train_glm_case0", s.Result["model_key"])
}

func TestFit_UnknownDatasetFails(t *testing.T) {
	e := newEngine(fakecluster.Options{})
	s := submit(t, e, models.JobKindFit, models.Payload{"key": "nope.hex", "x": []string{"C2"}, "y": "C1"})
	assert.Equal(t, models.JobStateFailed, s.State)
	assert.Contains(t, s.Error, "dataset nope.hex not found")
}

func TestScore_ConsistentMetrics(t *testing.T) {
	e := newEngine(fakecluster.Options{})
	keys := importKeys(t, e)
	submit(t, e, models.JobKindParse, models.Payload{"source_key": keys["mnist_training.csv.gz"], "destination_key": "train.hex"})
	submit(t, e, models.JobKindParse, models.Payload{"source_key": keys["mnist_testing.csv.gz"], "destination_key": "test.hex"})
	submit(t, e, models.JobKindFit, models.Payload{"key": "train.hex", "x": []string{"C2"}, "y": "C1", "destination_key": "m"})

	s := submit(t, e, models.JobKindScore, models.Payload{"key": "test.hex", "model_key": "m", "thresholds": 0.3})
	require.Equal(t, models.JobStateSucceeded, s.State)
	assert.NoError(t, validate.CheckScore(s.Result, validate.ScoreExpectation{Threshold: validate.Float(0.3)}))

	missing := submit(t, e, models.JobKindScore, models.Payload{"key": "test.hex", "model_key": "other"})
	assert.Equal(t, models.JobStateFailed, missing.State)
}

func TestSubmit_Rejections(t *testing.T) {
	e := newEngine(fakecluster.Options{Behaviors: map[models.JobKind]fakecluster.Behavior{
		models.JobKindScore: {Reject: "scoring disabled"},
	}})
	ctx := context.Background()

	_, err := e.Submit(ctx, models.JobKind("kmeans"), models.Payload{})
	assert.True(t, errors.Is(err, cluster.ErrRequestRejected))

	_, err = e.Submit(ctx, models.JobKindParse, models.Payload{"source_key": "k"})
	assert.True(t, errors.Is(err, cluster.ErrRequestRejected))
	assert.Contains(t, err.Error(), "destination_key is required")

	_, err = e.Submit(ctx, models.JobKindScore, models.Payload{"key": "a", "model_key": "b"})
	assert.True(t, errors.Is(err, cluster.ErrRequestRejected))
	assert.Contains(t, err.Error(), "scoring disabled")
}

func TestPoll_RunningThenTerminal(t *testing.T) {
	e := newEngine(fakecluster.Options{RunningPolls: 2})
	ctx := context.Background()
	h, err := e.Submit(ctx, models.JobKindImport, models.Payload{"path": "/data"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		s, err := e.Poll(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRunning, s.State)
		assert.Equal(t, models.JobKindImport, s.Kind)
	}
	s, err := e.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, s.State)
	assert.Equal(t, h, s.Handle)
}

func TestPoll_UnknownHandle(t *testing.T) {
	e := newEngine(fakecluster.Options{})
	_, err := e.Poll(context.Background(), "missing")
	assert.True(t, errors.Is(err, cluster.ErrUnknownHandle))
}

func TestBehavior_Fail(t *testing.T) {
	e := newEngine(fakecluster.Options{Behaviors: map[models.JobKind]fakecluster.Behavior{
		models.JobKindImport: {Fail: "nfs unavailable"},
	}})
	s := submit(t, e, models.JobKindImport, models.Payload{"path": "/data"})
	assert.Equal(t, models.JobStateFailed, s.State)
	assert.Equal(t, "nfs unavailable", s.Error)
}

func TestReady(t *testing.T) {
	e := newEngine(fakecluster.Options{})
	assert.NoError(t, e.Ready(context.Background()))
	e.SetReady(errors.New("cloud forming"))
	assert.EqualError(t, e.Ready(context.Background()), "cloud forming")
}

// --- full runs ---

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) Sleep(ctx context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return ctx.Err()
}

func mnistScenario() config.Scenario {
	sc := config.DefaultScenario()
	sc.Labels = []int{0, 1, 2}
	return sc
}

func TestTrialRun_AgainstEngine(t *testing.T) {
	e := newEngine(fakecluster.Options{RunningPolls: 2})
	sc := mnistScenario()
	sc.Repeat = 2
	sc.StoreViewNoise = true

	rep, err := trial.New(e, sc, trial.WithClock(&stepClock{now: time.Unix(0, 0)})).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Trials, 2)
	for _, tr := range rep.Trials {
		assert.Empty(t, tr.Fatal)
		assert.Equal(t, 3, tr.Succeeded())
		assert.Empty(t, tr.Warnings)
		require.Len(t, tr.Stages, 4)
		assert.Equal(t, models.OutcomeSucceeded, tr.Stages[1].Outcome)
	}
	assert.False(t, rep.Failed(true))
}

func TestTrialRun_ParseTimeoutAgainstEngine(t *testing.T) {
	e := newEngine(fakecluster.Options{Behaviors: map[models.JobKind]fakecluster.Behavior{
		models.JobKindParse: {RunningPolls: 1000},
	}})
	sc := mnistScenario()
	sc.Budgets.Parse = 5 * time.Second

	rep, err := trial.New(e, sc, trial.WithClock(&stepClock{now: time.Unix(0, 0)})).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Trials, 1)
	assert.Contains(t, rep.Trials[0].Fatal, poll.ErrTimedOut.Error())
	assert.Empty(t, rep.Trials[0].Iterations)
	assert.True(t, rep.Failed(false))
}
