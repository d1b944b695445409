// Package fakecluster is an in-memory stand-in for the remote job service.
// It accepts the same four job kinds the harness submits, answers polls with
// a configurable number of running observations and produces results that
// are consistent with the submitted payloads.
package fakecluster

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/glmharness/internal/cluster"
	"github.com/kiranshivaraju/glmharness/internal/validate"
	"github.com/kiranshivaraju/glmharness/pkg/models"
)

const (
	defaultRows    = 10000
	defaultColumns = 10
	maxFitIters    = 3
)

// Behavior overrides how jobs of one kind play out.
type Behavior struct {
	// RunningPolls is how many polls report the job as running before it
	// reaches its terminal state.
	RunningPolls int
	// Fail, when set, makes every job of the kind fail with this detail.
	Fail string
	// Reject, when set, makes Submit refuse the job with this reason.
	Reject string
}

// Options configures an Engine.
type Options struct {
	// Files are the names an import reports for any path.
	Files   []string
	Rows    int
	Columns int
	// RunningPolls applies to every kind without its own Behavior.
	RunningPolls int
	Behaviors    map[models.JobKind]Behavior
}

type job struct {
	kind    models.JobKind
	polls   int
	running int
	result  models.Payload
	fail    string
}

// Engine implements cluster.Client without a network in between.
type Engine struct {
	mu       sync.Mutex
	opts     Options
	sources  map[string]string
	datasets map[string]int
	models   map[string]bool
	jobs     map[models.JobHandle]*job
	readyErr error
}

var _ cluster.Client = (*Engine)(nil)

// NewEngine creates an Engine with no imported data.
func NewEngine(opts Options) *Engine {
	if opts.Rows <= 0 {
		opts.Rows = defaultRows
	}
	if opts.Columns <= 0 {
		opts.Columns = defaultColumns
	}
	return &Engine{
		opts:     opts,
		sources:  make(map[string]string),
		datasets: make(map[string]int),
		models:   make(map[string]bool),
		jobs:     make(map[models.JobHandle]*job),
	}
}

// SetReady makes Ready report err; nil restores a healthy engine.
func (e *Engine) SetReady(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readyErr = err
}

func (e *Engine) Ready(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readyErr
}

// ListKeys returns the engine's store view: unparsed source keys, datasets
// and models, sorted.
func (e *Engine) ListKeys(_ context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.sources)+len(e.datasets)+len(e.models))
	for k := range e.sources {
		out = append(out, k)
	}
	for k := range e.datasets {
		out = append(out, k)
	}
	for k := range e.models {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Submit validates the payload, applies the job's effects immediately and
// returns a fresh handle. Effects such as consuming a source key happen at
// submission, so a job that later reports running has already claimed them.
func (e *Engine) Submit(_ context.Context, kind models.JobKind, payload models.Payload) (models.JobHandle, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown job kind %q", cluster.ErrRequestRejected, kind)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.behavior(kind)
	if b.Reject != "" {
		return "", fmt.Errorf("%w: %s", cluster.ErrRequestRejected, b.Reject)
	}

	var (
		result models.Payload
		fail   string
		err    error
	)
	switch kind {
	case models.JobKindImport:
		result, err = e.runImport(payload)
	case models.JobKindParse:
		result, fail, err = e.runParse(payload)
	case models.JobKindFit:
		result, fail, err = e.runFit(payload)
	case models.JobKindScore:
		result, fail, err = e.runScore(payload)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", cluster.ErrRequestRejected, err)
	}
	if b.Fail != "" {
		fail = b.Fail
	}

	handle := models.JobHandle(uuid.NewString())
	e.jobs[handle] = &job{kind: kind, running: b.RunningPolls, result: result, fail: fail}
	return handle, nil
}

func (e *Engine) Poll(_ context.Context, handle models.JobHandle) (models.JobStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[handle]
	if !ok {
		return models.JobStatus{}, fmt.Errorf("%w: %s", cluster.ErrUnknownHandle, handle)
	}
	j.polls++

	var status models.JobStatus
	switch {
	case j.polls <= j.running:
		status = models.Running(float64(j.polls) / float64(j.running+1))
	case j.fail != "":
		status = models.Failed(j.fail)
	default:
		status = models.Succeeded(j.result)
	}
	status.Handle = handle
	status.Kind = j.kind
	return status, nil
}

func (e *Engine) behavior(kind models.JobKind) Behavior {
	if b, ok := e.opts.Behaviors[kind]; ok {
		return b
	}
	return Behavior{RunningPolls: e.opts.RunningPolls}
}

// runImport registers one single-use source key per configured file.
func (e *Engine) runImport(p models.Payload) (models.Payload, error) {
	dir, err := stringField(p, "path")
	if err != nil {
		return nil, err
	}
	dir = strings.TrimSuffix(dir, "/")

	succeeded := make([]map[string]string, 0, len(e.opts.Files))
	for _, file := range e.opts.Files {
		key := "nfs:/" + strings.TrimPrefix(dir, "/") + "/" + file
		e.sources[key] = file
		succeeded = append(succeeded, map[string]string{"file": file, "key": key})
	}
	return models.Payload{"succeeded": succeeded, "fails": []string{}}, nil
}

// runParse consumes the source key and registers the destination dataset.
func (e *Engine) runParse(p models.Payload) (models.Payload, string, error) {
	src, err := stringField(p, "source_key")
	if err != nil {
		return nil, "", err
	}
	dest, err := stringField(p, "destination_key")
	if err != nil {
		return nil, "", err
	}
	if _, ok := e.sources[src]; !ok {
		return nil, fmt.Sprintf("source key %s not found", src), nil
	}
	delete(e.sources, src)
	e.datasets[dest] = e.opts.Columns

	return models.Payload{
		"destination_key": dest,
		"num_rows":        e.opts.Rows,
		"num_cols":        e.opts.Columns,
		"columns":         e.columns(),
	}, "", nil
}

// columns describes C1..Cn. C1 holds the class labels 0..9 and every fourth
// column is constant.
func (e *Engine) columns() []map[string]any {
	cols := make([]map[string]any, 0, e.opts.Columns)
	for i := 1; i <= e.opts.Columns; i++ {
		c := map[string]any{
			"name":        fmt.Sprintf("C%d", i),
			"type":        "int",
			"min":         0.0,
			"max":         255.0,
			"mean":        127.5,
			"sigma":       73.9,
			"num_missing": 0,
		}
		switch {
		case i == 1:
			c["max"], c["mean"], c["sigma"] = 9.0, 4.5, 2.87
		case i%4 == 0:
			c["max"], c["mean"], c["sigma"] = 0.0, 0.0, 0.0
		}
		cols = append(cols, c)
	}
	return cols
}

// runFit returns one coefficient per requested predictor.
func (e *Engine) runFit(p models.Payload) (models.Payload, string, error) {
	key, err := stringField(p, "key")
	if err != nil {
		return nil, "", err
	}
	x, err := stringsField(p, "x")
	if err != nil {
		return nil, "", err
	}
	if _, err := stringField(p, "y"); err != nil {
		return nil, "", err
	}
	if _, ok := e.datasets[key]; !ok {
		return nil, fmt.Sprintf("dataset %s not found", key), nil
	}

	modelKey, _ := p["destination_key"].(string)
	if modelKey == "" {
		modelKey = strings.TrimSuffix(key, ".hex") + "_glm"
	}
	iters := maxFitIters
	if n, ok := validate.Number(p["max_iter"]); ok && int(n) < iters {
		iters = int(n)
	}

	coefs := make(map[string]float64, len(x))
	for i, name := range x {
		coefs[name] = math.Round(float64(seed(modelKey+name)%2000)-1000) / 1e5 * float64(i%3+1)
	}
	e.models[modelKey] = true

	return models.Payload{
		"model_key":    modelKey,
		"coefficients": coefs,
		"intercept":    -0.25,
		"converged":    true,
		"iterations":   iters,
	}, "", nil
}

// runScore reports metrics that agree with each other: the confusion matrix
// totals the dataset's rows and its off-diagonal share is the error rate.
func (e *Engine) runScore(p models.Payload) (models.Payload, string, error) {
	key, err := stringField(p, "key")
	if err != nil {
		return nil, "", err
	}
	modelKey, err := stringField(p, "model_key")
	if err != nil {
		return nil, "", err
	}
	if _, ok := e.datasets[key]; !ok {
		return nil, fmt.Sprintf("dataset %s not found", key), nil
	}
	if !e.models[modelKey] {
		return nil, fmt.Sprintf("model %s not found", modelKey), nil
	}
	threshold := 0.5
	if n, ok := validate.Number(p["thresholds"]); ok {
		threshold = n
	}

	total := e.opts.Rows
	wrong := total * (20 + int(seed(modelKey)%60)) / 1000
	right := total - wrong
	fp := wrong / 2
	fn := wrong - fp
	tp := right / 10
	tn := right - tp
	errRate := float64(wrong) / float64(total)

	return models.Payload{
		"error_rate":       errRate,
		"accuracy":         1 - errRate,
		"auc":              1 - errRate/2,
		"threshold":        threshold,
		"confusion_matrix": [][]int{{tn, fp}, {fn, tp}},
	}, "", nil
}

func seed(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func stringField(p models.Payload, name string) (string, error) {
	s, ok := p[name].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return s, nil
}

// stringsField reads a string list that may arrive as []string in process or
// as []any after a JSON hop.
func stringsField(p models.Payload, name string) ([]string, error) {
	switch v := p[name].(type) {
	case []string:
		if len(v) > 0 {
			return v, nil
		}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s must contain only strings", name)
			}
			out = append(out, s)
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	return nil, fmt.Errorf("%s must be a non-empty list", name)
}
