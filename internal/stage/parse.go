package stage

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/glmharness/internal/analysis"
	"github.com/kiranshivaraju/glmharness/internal/poll"
	"github.com/kiranshivaraju/glmharness/internal/validate"
	"github.com/kiranshivaraju/glmharness/pkg/models"
)

// Parse turns an imported source into a tabular dataset. Reusing a
// destination name is allowed; the service replaces the earlier artifact.
type Parse struct {
	SourceKey   string
	Destination string
	// MinRows rejects parses that produced fewer rows.
	MinRows int
}

// ParseOutput describes the parsed dataset.
type ParseOutput struct {
	DatasetKey string
	NumRows    int
	NumCols    int
	Columns    []analysis.Column
}

func (ParseOutput) output() {}

// HasColumn reports whether the parse described a column with this name.
func (o ParseOutput) HasColumn(name string) bool {
	for _, c := range o.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Predictors selects the usable predictor columns for a target.
func (o ParseOutput) Predictors(target string) []string {
	return analysis.SelectPredictors(o.Columns, target, o.NumRows)
}

func (Parse) stage()               {}
func (Parse) Name() string         { return "parse" }
func (Parse) Kind() models.JobKind { return models.JobKindParse }

func (s Parse) Payload() (models.Payload, error) {
	if s.SourceKey == "" {
		return nil, fmt.Errorf("parse source key is empty")
	}
	if s.Destination == "" {
		return nil, fmt.Errorf("parse destination is empty")
	}
	return models.Payload{
		"source_key":      s.SourceKey,
		"destination_key": s.Destination,
	}, nil
}

type columnWire struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Min        *float64 `json:"min"`
	Max        *float64 `json:"max"`
	Mean       float64  `json:"mean"`
	Sigma      float64  `json:"sigma"`
	NumMissing int      `json:"num_missing"`
}

type parseWire struct {
	DestinationKey string       `json:"destination_key"`
	NumRows        int          `json:"num_rows"`
	NumCols        int          `json:"num_cols"`
	Columns        []columnWire `json:"columns"`
}

func (s Parse) Extract(result models.Payload) (Output, error) {
	exp := validate.ParseExpectation{DestinationKey: s.Destination, MinRows: s.MinRows}
	if err := validate.CheckParse(result, exp); err != nil {
		return nil, err
	}
	var w parseWire
	if err := decode(result, &w); err != nil {
		return nil, err
	}

	out := ParseOutput{
		DatasetKey: w.DestinationKey,
		NumRows:    w.NumRows,
		NumCols:    w.NumCols,
		Columns:    make([]analysis.Column, 0, len(w.Columns)),
	}
	for _, c := range w.Columns {
		col := analysis.Column{
			Name:       c.Name,
			Type:       c.Type,
			Mean:       c.Mean,
			Sigma:      c.Sigma,
			NumMissing: c.NumMissing,
		}
		if c.Min != nil && c.Max != nil {
			col.Min, col.Max, col.HasRange = *c.Min, *c.Max, true
		}
		out.Columns = append(out.Columns, col)
	}
	return out, nil
}

// Run executes the parse and returns its typed output.
func (s Parse) Run(ctx context.Context, r Runner, budget poll.Budget) (ParseOutput, Result) {
	res := Execute(ctx, r, budget, s)
	out, _ := res.Output.(ParseOutput)
	return out, res
}
