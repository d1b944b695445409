package validate

import (
	"sort"

	"github.com/kiranshivaraju/glmharness/pkg/models"
)

// scoreTolerance bounds rounding differences between reported metrics.
const scoreTolerance = 1e-6

// CheckImport verifies an import result's structure.
func CheckImport(payload models.Payload) error {
	_, err := structure(models.JobKindImport, payload)
	return err
}

// ParseExpectation constrains a parse result.
type ParseExpectation struct {
	// DestinationKey, when set, must equal the reported destination key.
	DestinationKey string
	MinRows        int
}

// CheckParse verifies a parse result's structure and internal consistency.
func CheckParse(payload models.Payload, exp ParseExpectation) error {
	doc, err := structure(models.JobKindParse, payload)
	if err != nil {
		return err
	}
	p := problems{kind: models.JobKindParse}

	if exp.DestinationKey != "" && doc["destination_key"] != exp.DestinationKey {
		p.addf("destination_key %v, expected %q", doc["destination_key"], exp.DestinationKey)
	}

	numCols, _ := Number(doc["num_cols"])
	if cols, ok := doc["columns"].([]any); ok && len(cols) != int(numCols) {
		p.addf("num_cols is %d but %d columns described", int(numCols), len(cols))
	}

	numRows, _ := Number(doc["num_rows"])
	if int(numRows) < exp.MinRows {
		p.addf("num_rows %d below expected minimum %d", int(numRows), exp.MinRows)
	}

	return p.err()
}

// FitExpectation constrains a GLM fit result.
type FitExpectation struct {
	// Predictors are the columns the model was fitted on; exactly one
	// coefficient per predictor is expected.
	Predictors    []string
	MaxIterations int
	// RequireConverged fails fits that report converged=false.
	RequireConverged bool
}

// CheckFit verifies a fit result: coefficient count and names match the
// predictors, the convergence flag is present and iterations stay within
// the cap.
func CheckFit(payload models.Payload, exp FitExpectation) error {
	doc, err := structure(models.JobKindFit, payload)
	if err != nil {
		return err
	}
	p := problems{kind: models.JobKindFit}

	coefs, _ := doc["coefficients"].(map[string]any)
	if len(coefs) != len(exp.Predictors) {
		p.addf("%d coefficients for %d predictors", len(coefs), len(exp.Predictors))
	}
	for _, name := range exp.Predictors {
		if _, ok := coefs[name]; !ok {
			p.addf("no coefficient for predictor %s", name)
		}
	}
	known := make(map[string]bool, len(exp.Predictors))
	for _, name := range exp.Predictors {
		known[name] = true
	}
	var extra []string
	for name := range coefs {
		if !known[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		p.addf("coefficient for unexpected column %s", name)
	}

	if exp.RequireConverged {
		if converged, _ := doc["converged"].(bool); !converged {
			p.addf("model did not converge")
		}
	}

	iters, _ := Number(doc["iterations"])
	if exp.MaxIterations > 0 && int(iters) > exp.MaxIterations {
		p.addf("%d iterations exceeds cap of %d", int(iters), exp.MaxIterations)
	}

	return p.err()
}

// ScoreExpectation constrains a scoring result. Nil fields are not checked.
type ScoreExpectation struct {
	Threshold *float64
	// MaxError is an optional ceiling on the error rate; without it only
	// structural validity is enforced.
	MaxError *float64
}

// CheckScore verifies a scoring result is consistent with a binary decision
// rule. A result must carry accuracy, error rate or both; when both are
// present they must be complementary. The confusion matrix and the echoed
// threshold are checked only when reported, and optional numeric bounds hold.
func CheckScore(payload models.Payload, exp ScoreExpectation) error {
	doc, err := structure(models.JobKindScore, payload)
	if err != nil {
		return err
	}
	p := problems{kind: models.JobKindScore}

	errRate, acc, ok := ScoreRates(doc)
	if !ok {
		p.addf("accuracy %.6f and error_rate %.6f do not sum to 1", acc, errRate)
	}

	if cm, ok := doc["confusion_matrix"].([]any); ok {
		var total, wrong float64
		for i, row := range cm {
			cells, _ := row.([]any)
			for j, cell := range cells {
				n, _ := Number(cell)
				total += n
				if i != j {
					wrong += n
				}
			}
		}
		switch {
		case total == 0:
			p.addf("confusion matrix is empty")
		case !approxEqual(wrong/total, errRate, 1/total+scoreTolerance):
			p.addf("confusion matrix error %.6f disagrees with error_rate %.6f", wrong/total, errRate)
		}
	}

	if th, reported := Number(doc["threshold"]); reported && exp.Threshold != nil {
		if !approxEqual(th, *exp.Threshold, scoreTolerance) {
			p.addf("scored at threshold %v, expected %v", th, *exp.Threshold)
		}
	}

	if exp.MaxError != nil && errRate > *exp.MaxError {
		p.addf("error_rate %.6f above ceiling %.6f", errRate, *exp.MaxError)
	}

	return p.err()
}

// ScoreRates returns the error rate and accuracy of a scoring result,
// deriving a missing one from the other. ok is false when both are reported
// and they do not sum to 1.
func ScoreRates(doc map[string]any) (errRate, acc float64, ok bool) {
	errRate, hasErr := Number(doc["error_rate"])
	acc, hasAcc := Number(doc["accuracy"])
	switch {
	case hasErr && hasAcc:
		return errRate, acc, approxEqual(errRate+acc, 1, scoreTolerance)
	case hasErr:
		return errRate, 1 - errRate, true
	default:
		return 1 - acc, acc, true
	}
}

// Float returns a pointer to v, for optional expectation fields.
func Float(v float64) *float64 { return &v }
