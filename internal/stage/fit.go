package stage

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/glmharness/internal/poll"
	"github.com/kiranshivaraju/glmharness/internal/validate"
	"github.com/kiranshivaraju/glmharness/pkg/models"
)

// Fit trains a one-vs-rest binomial model for a single class label.
type Fit struct {
	DatasetKey string
	Predictors []string
	Target     string
	Label      int
	// ModelKey names the model; empty lets the service pick one.
	ModelKey string
	Params   models.FitParams
}

// FitOutput is the fitted model.
type FitOutput struct {
	ModelKey     string
	Coefficients map[string]float64
	Intercept    float64
	Converged    bool
	Iterations   int
}

func (FitOutput) output() {}

func (Fit) stage()               {}
func (Fit) Name() string         { return "fit" }
func (Fit) Kind() models.JobKind { return models.JobKindFit }

func (s Fit) Payload() (models.Payload, error) {
	if s.DatasetKey == "" {
		return nil, fmt.Errorf("fit dataset key is empty")
	}
	if s.Target == "" {
		return nil, fmt.Errorf("fit target column is empty")
	}
	if len(s.Predictors) == 0 {
		return nil, ErrNoPredictors
	}
	p := s.Params
	x := make([]string, len(s.Predictors))
	copy(x, s.Predictors)

	payload := models.Payload{
		"key":          s.DatasetKey,
		"x":            x,
		"y":            s.Target,
		"family":       p.Family,
		"case_mode":    p.CaseMode,
		"case":         s.Label,
		"lambda":       p.Lambda,
		"alpha":        p.Alpha,
		"max_iter":     p.MaxIter,
		"beta_epsilon": p.BetaEpsilon,
		"n_folds":      p.NFolds,
		"weight":       p.Weight,
		"thresholds":   p.Threshold,
	}
	if p.Link != "" {
		payload["link"] = p.Link
	}
	if s.ModelKey != "" {
		payload["destination_key"] = s.ModelKey
	}
	return payload, nil
}

type fitWire struct {
	ModelKey     string             `json:"model_key"`
	Coefficients map[string]float64 `json:"coefficients"`
	Intercept    float64            `json:"intercept"`
	Converged    bool               `json:"converged"`
	Iterations   int                `json:"iterations"`
}

func (s Fit) Extract(result models.Payload) (Output, error) {
	exp := validate.FitExpectation{
		Predictors:       s.Predictors,
		MaxIterations:    s.Params.MaxIter,
		RequireConverged: s.Params.RequireConverged,
	}
	if err := validate.CheckFit(result, exp); err != nil {
		return nil, err
	}
	var w fitWire
	if err := decode(result, &w); err != nil {
		return nil, err
	}
	return FitOutput(w), nil
}

// Run executes the fit and returns its typed output.
func (s Fit) Run(ctx context.Context, r Runner, budget poll.Budget) (FitOutput, Result) {
	res := Execute(ctx, r, budget, s)
	out, _ := res.Output.(FitOutput)
	return out, res
}
