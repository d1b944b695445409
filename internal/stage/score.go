package stage

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/glmharness/internal/poll"
	"github.com/kiranshivaraju/glmharness/internal/validate"
	"github.com/kiranshivaraju/glmharness/pkg/models"
)

// Score evaluates a fitted model on a held-out dataset.
type Score struct {
	DatasetKey string
	ModelKey   string
	Threshold  float64
	// MaxError is an optional ceiling on the error rate.
	MaxError *float64
}

// ScoreOutput holds the scoring metrics. A rate the service left out is
// derived from its complement, and Threshold falls back to the requested one.
type ScoreOutput struct {
	ErrorRate float64
	Accuracy  float64
	AUC       *float64
	Threshold float64
	Confusion [][]int
}

func (ScoreOutput) output() {}

func (Score) stage()               {}
func (Score) Name() string         { return "score" }
func (Score) Kind() models.JobKind { return models.JobKindScore }

func (s Score) Payload() (models.Payload, error) {
	if s.DatasetKey == "" {
		return nil, fmt.Errorf("score dataset key is empty")
	}
	if s.ModelKey == "" {
		return nil, fmt.Errorf("score model key is empty")
	}
	return models.Payload{
		"key":        s.DatasetKey,
		"model_key":  s.ModelKey,
		"thresholds": s.Threshold,
	}, nil
}

type scoreWire struct {
	AUC       *float64 `json:"auc"`
	Threshold *float64 `json:"threshold"`
	Confusion [][]int  `json:"confusion_matrix"`
}

func (s Score) Extract(result models.Payload) (Output, error) {
	exp := validate.ScoreExpectation{
		Threshold: validate.Float(s.Threshold),
		MaxError:  s.MaxError,
	}
	if err := validate.CheckScore(result, exp); err != nil {
		return nil, err
	}
	var w scoreWire
	if err := decode(result, &w); err != nil {
		return nil, err
	}
	out := ScoreOutput{AUC: w.AUC, Threshold: s.Threshold, Confusion: w.Confusion}
	out.ErrorRate, out.Accuracy, _ = validate.ScoreRates(result)
	if w.Threshold != nil {
		out.Threshold = *w.Threshold
	}
	return out, nil
}

// Run executes the scoring job and returns its typed output.
func (s Score) Run(ctx context.Context, r Runner, budget poll.Budget) (ScoreOutput, Result) {
	res := Execute(ctx, r, budget, s)
	out, _ := res.Output.(ScoreOutput)
	return out, res
}
