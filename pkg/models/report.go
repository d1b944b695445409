package models

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeSkipped   = "skipped"
)

// StageReport is the summary line for one stage execution.
type StageReport struct {
	Stage     string        `json:"stage"`
	Kind      JobKind       `json:"kind"`
	Handle    JobHandle     `json:"handle,omitempty"`
	Outcome   string        `json:"outcome"`
	Elapsed   time.Duration `json:"elapsed"`
	Budget    time.Duration `json:"budget"`
	BudgetPct float64       `json:"budget_pct"`
	Polls     int           `json:"polls"`
	Error     string        `json:"error,omitempty"`
}

// IterationReport covers the fit and score stages for one class label.
type IterationReport struct {
	Label      int          `json:"label"`
	Fit        StageReport  `json:"fit"`
	Score      *StageReport `json:"score,omitempty"`
	ModelKey   string       `json:"model_key,omitempty"`
	ErrorRate  *float64     `json:"error_rate,omitempty"`
	Error      string       `json:"error,omitempty"`
	Mismatch   bool         `json:"mismatch"`
	SoftFailed bool         `json:"soft_failed"`
}

// Passed reports whether both stages of the iteration succeeded and validated.
func (it IterationReport) Passed() bool {
	return it.Error == "" && it.Fit.Outcome == OutcomeSucceeded &&
		it.Score != nil && it.Score.Outcome == OutcomeSucceeded
}

// TrialReport is the outcome of one trial over one train/test pair.
type TrialReport struct {
	Index      int               `json:"index"`
	TrainFile  string            `json:"train_file"`
	TestFile   string            `json:"test_file"`
	Stages     []StageReport     `json:"stages"`
	Predictors []string          `json:"predictors,omitempty"`
	Iterations []IterationReport `json:"iterations"`
	Fatal      string            `json:"fatal,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Elapsed    time.Duration     `json:"elapsed"`
}

// Succeeded counts iterations that passed.
func (t TrialReport) Succeeded() int {
	n := 0
	for _, it := range t.Iterations {
		if it.Passed() {
			n++
		}
	}
	return n
}

// RunReport aggregates all trials of a harness run.
type RunReport struct {
	ID         uuid.UUID     `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Trials     []TrialReport `json:"trials"`
}

// FatalCount counts trials that aborted before their fit/score iterations.
func (r RunReport) FatalCount() int {
	n := 0
	for _, t := range r.Trials {
		if t.Fatal != "" {
			n++
		}
	}
	return n
}

// Failed decides the run verdict: any trial-fatal failure or any iteration
// that failed outright fails the run. Timed-out iterations only count when
// failOnSoftTimeout is set.
func (r RunReport) Failed(failOnSoftTimeout bool) bool {
	for _, t := range r.Trials {
		if t.Fatal != "" {
			return true
		}
		for _, it := range t.Iterations {
			if it.Error == "" {
				continue
			}
			if !it.SoftFailed || failOnSoftTimeout {
				return true
			}
		}
	}
	return false
}

// Render writes the per-trial summary: each stage's outcome, elapsed time
// and share of its budget.
func (r RunReport) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s\n", r.ID)
	for _, t := range r.Trials {
		fmt.Fprintf(tw, "\ntrial %d\t%s / %s\t%d/%d iterations passed\n",
			t.Index, t.TrainFile, t.TestFile, t.Succeeded(), len(t.Iterations))
		fmt.Fprintln(tw, "stage\tlabel\toutcome\telapsed\tbudget\t% of budget\terror")
		for _, s := range t.Stages {
			renderStage(tw, "-", s)
		}
		for _, it := range t.Iterations {
			label := fmt.Sprint(it.Label)
			renderStage(tw, label, it.Fit)
			if it.Score != nil {
				renderStage(tw, label, *it.Score)
			}
		}
		if t.Fatal != "" {
			fmt.Fprintf(tw, "FATAL: %s\n", t.Fatal)
		}
		for _, warn := range t.Warnings {
			fmt.Fprintf(tw, "warning: %s\n", warn)
		}
	}
	return tw.Flush()
}

func renderStage(w io.Writer, label string, s StageReport) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.1f%%\t%s\n",
		s.Stage, label, s.Outcome, s.Elapsed.Round(time.Millisecond), s.Budget,
		s.BudgetPct, strings.ReplaceAll(s.Error, "\n", " "))
}
