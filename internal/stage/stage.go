// Package stage wraps each remote job kind in a stage: build the request
// payload, run it through a poll loop, then validate and extract a typed
// output the next stage can consume. Stages never retry.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/glmharness/internal/poll"
	"github.com/kiranshivaraju/glmharness/pkg/models"
)

var (
	ErrEmptyImport   = errors.New("import enumerated too few files")
	ErrMissingSource = errors.New("imported file not found")
	ErrNoPredictors  = errors.New("no predictor columns")
	ErrMissingTarget = errors.New("target column not in parse result")
	ErrKeyNotVisible = errors.New("imported key not visible in store")
)

// State is the lifecycle position of a stage execution.
type State int

const (
	NotStarted State = iota
	Submitted
	Succeeded
	Failed
	TimedOut
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Submitted:
		return "submitted"
	case Succeeded:
		return models.OutcomeSucceeded
	case Failed:
		return models.OutcomeFailed
	case TimedOut:
		return models.OutcomeTimedOut
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Runner runs one job to a terminal outcome. *poll.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, kind models.JobKind, payload models.Payload, budget poll.Budget) poll.Outcome
}

var _ Runner = (*poll.Loop)(nil)

// Output is the typed artifact a stage hands downstream.
type Output interface {
	output()
}

// Stage is implemented only by Import, Parse, Fit and Score.
type Stage interface {
	Name() string
	Kind() models.JobKind
	// Payload builds the job request. An error means nothing is submitted.
	Payload() (models.Payload, error)
	// Extract validates a successful result and decodes the stage output.
	Extract(result models.Payload) (Output, error)
	stage()
}

// Result is the record of one stage execution. Err is nil only when State
// is Succeeded.
type Result struct {
	Stage   string
	State   State
	Outcome poll.Outcome
	Output  Output
	Err     error
}

// Report summarises the execution, folding extraction failures into the
// reported outcome.
func (r Result) Report() models.StageReport {
	rep := r.Outcome.Report(r.Stage)
	rep.Outcome = r.State.String()
	if r.State == NotStarted {
		rep.Outcome = models.OutcomeSkipped
	}
	if r.Err != nil {
		rep.Error = r.Err.Error()
	}
	return rep
}

// Execute drives a stage through NotStarted, Submitted and one of the
// terminal states.
func Execute(ctx context.Context, r Runner, budget poll.Budget, s Stage) Result {
	res := Result{Stage: s.Name(), State: NotStarted}
	res.Outcome.Kind = s.Kind()
	res.Outcome.Budget = budget

	payload, err := s.Payload()
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", s.Name(), err)
		return res
	}

	res.State = Submitted
	res.Outcome = r.Run(ctx, s.Kind(), payload, budget)

	switch {
	case res.Outcome.TimedOut():
		res.State = TimedOut
		res.Err = res.Outcome.Err
		return res
	case !res.Outcome.Succeeded():
		res.State = Failed
		res.Err = res.Outcome.Err
		return res
	}

	out, err := s.Extract(res.Outcome.Result)
	if err != nil {
		res.State = Failed
		res.Err = fmt.Errorf("%s: %w", s.Name(), err)
		return res
	}
	res.State = Succeeded
	res.Output = out
	return res
}

// decode copies a loosely typed payload into a wire struct.
func decode(payload models.Payload, v any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
