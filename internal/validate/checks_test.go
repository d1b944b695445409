package validate_test

import (
	"fmt"
	"testing"
	"testing/quick"

	"github.com/kiranshivaraju/glmharness/internal/validate"
	"github.com/kiranshivaraju/glmharness/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func predictors(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("C%d", i+2)
	}
	return out
}

func fitPayload(cols []string) models.Payload {
	coefs := make(map[string]any, len(cols))
	for i, c := range cols {
		coefs[c] = 0.01 * float64(i+1)
	}
	return models.Payload{
		"model_key":    "GLMModel_0",
		"coefficients": coefs,
		"intercept":    -1.2,
		"converged":    true,
		"iterations":   4,
	}
}

func parsePayload() models.Payload {
	return models.Payload{
		"destination_key": "mnist_training.csv.gz_0.hex",
		"num_rows":        60000,
		"num_cols":        3,
		"columns": []map[string]any{
			{"name": "C1", "type": "int", "min": 0, "max": 9},
			{"name": "C2", "type": "int", "min": 0, "max": 255, "num_missing": 0},
			{"name": "C3", "type": "int", "min": 0, "max": 0},
		},
	}
}

func scorePayload() models.Payload {
	return models.Payload{
		"error_rate":       0.1,
		"accuracy":         0.9,
		"auc":              0.95,
		"threshold":        0.5,
		"confusion_matrix": [][]int{{850, 50}, {50, 50}},
	}
}

func requireMismatch(t *testing.T, err error, fragment string) *validate.Mismatch {
	t.Helper()
	require.Error(t, err)
	assert.True(t, validate.IsMismatch(err), "expected mismatch, got %v", err)
	var m *validate.Mismatch
	require.ErrorAs(t, err, &m)
	assert.Contains(t, err.Error(), fragment)
	return m
}

// --- import ---

func TestCheckImport(t *testing.T) {
	tests := []struct {
		name    string
		payload models.Payload
		wantErr string
	}{
		{"files list", models.Payload{"files": []string{"a.csv", "b.csv"}, "keys": []string{"k1", "k2"}}, ""},
		{"succeeded list", models.Payload{"succeeded": []map[string]any{{"file": "a.csv", "key": "k1"}}}, ""},
		{"neither", models.Payload{"fails": []string{}}, "import result mismatch"},
		{"bad entry", models.Payload{"succeeded": []map[string]any{{"file": "a.csv"}}}, "/succeeded/0"},
		{"nil", nil, "result payload is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate.CheckImport(tt.payload)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			requireMismatch(t, err, tt.wantErr)
		})
	}
}

// --- parse ---

func TestCheckParse_Valid(t *testing.T) {
	err := validate.CheckParse(parsePayload(), validate.ParseExpectation{
		DestinationKey: "mnist_training.csv.gz_0.hex",
		MinRows:        1,
	})
	assert.NoError(t, err)
}

func TestCheckParse_Mismatches(t *testing.T) {
	p := parsePayload()
	p["num_cols"] = 5

	err := validate.CheckParse(p, validate.ParseExpectation{DestinationKey: "other.hex", MinRows: 100000})
	m := requireMismatch(t, err, "num_cols is 5 but 3 columns described")
	assert.Len(t, m.Problems, 3)
	assert.Equal(t, models.JobKindParse, m.Kind)
}

func TestCheckParse_MissingDestination(t *testing.T) {
	p := parsePayload()
	delete(p, "destination_key")

	requireMismatch(t, validate.CheckParse(p, validate.ParseExpectation{}), "destination_key")
}

// --- fit ---

func TestCheckFit_Valid(t *testing.T) {
	cols := predictors(5)
	err := validate.CheckFit(fitPayload(cols), validate.FitExpectation{Predictors: cols, MaxIterations: 5})
	assert.NoError(t, err)
}

func TestCheckFit_CoefficientCountMismatch(t *testing.T) {
	err := validate.CheckFit(fitPayload(predictors(4)), validate.FitExpectation{Predictors: predictors(5)})
	m := requireMismatch(t, err, "4 coefficients for 5 predictors")
	assert.Contains(t, m.Problems, "no coefficient for predictor C6")
}

func TestCheckFit_UnexpectedCoefficient(t *testing.T) {
	p := fitPayload(predictors(2))
	p["coefficients"].(map[string]any)["C99"] = 1.0

	err := validate.CheckFit(p, validate.FitExpectation{Predictors: predictors(2)})
	requireMismatch(t, err, "coefficient for unexpected column C99")
}

func TestCheckFit_MissingConvergenceFlag(t *testing.T) {
	p := fitPayload(predictors(3))
	delete(p, "converged")

	requireMismatch(t, validate.CheckFit(p, validate.FitExpectation{Predictors: predictors(3)}), "converged")
}

func TestCheckFit_NotConverged(t *testing.T) {
	p := fitPayload(predictors(3))
	p["converged"] = false

	assert.NoError(t, validate.CheckFit(p, validate.FitExpectation{Predictors: predictors(3)}))
	requireMismatch(t, validate.CheckFit(p, validate.FitExpectation{
		Predictors:       predictors(3),
		RequireConverged: true,
	}), "did not converge")
}

func TestCheckFit_IterationCap(t *testing.T) {
	p := fitPayload(predictors(3))
	p["iterations"] = 9

	requireMismatch(t, validate.CheckFit(p, validate.FitExpectation{
		Predictors:    predictors(3),
		MaxIterations: 5,
	}), "9 iterations exceeds cap of 5")
}

func TestCheckFit_NonNumericCoefficient(t *testing.T) {
	p := fitPayload(predictors(1))
	p["coefficients"].(map[string]any)["C2"] = "NaN"

	requireMismatch(t, validate.CheckFit(p, validate.FitExpectation{Predictors: predictors(1)}), "/coefficients/C2")
}

// --- score ---

func TestCheckScore_Valid(t *testing.T) {
	err := validate.CheckScore(scorePayload(), validate.ScoreExpectation{Threshold: validate.Float(0.5)})
	assert.NoError(t, err)
}

func TestCheckScore_OnlyStructureWithoutBounds(t *testing.T) {
	p := scorePayload()
	p["error_rate"] = 0.45
	p["accuracy"] = 0.55
	delete(p, "confusion_matrix")

	assert.NoError(t, validate.CheckScore(p, validate.ScoreExpectation{}))
}

func TestCheckScore_OneRateIsEnough(t *testing.T) {
	onlyAccuracy := models.Payload{"accuracy": 0.9}
	assert.NoError(t, validate.CheckScore(onlyAccuracy, validate.ScoreExpectation{Threshold: validate.Float(0.5)}))

	onlyErr := models.Payload{"error_rate": 0.1, "confusion_matrix": [][]int{{850, 50}, {50, 50}}}
	assert.NoError(t, validate.CheckScore(onlyErr, validate.ScoreExpectation{}))

	// the derived error rate still meets the ceiling
	requireMismatch(t, validate.CheckScore(onlyAccuracy, validate.ScoreExpectation{MaxError: validate.Float(0.05)}), "above ceiling")
}

func TestCheckScore_ThresholdComparedOnlyWhenEchoed(t *testing.T) {
	p := scorePayload()
	delete(p, "threshold")
	assert.NoError(t, validate.CheckScore(p, validate.ScoreExpectation{Threshold: validate.Float(0.3)}))
}

func TestCheckScore_Mismatches(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(models.Payload)
		exp     validate.ScoreExpectation
		wantErr string
	}{
		{"not complementary", func(p models.Payload) { p["accuracy"] = 0.8 }, validate.ScoreExpectation{}, "do not sum to 1"},
		{"matrix disagrees", func(p models.Payload) { p["confusion_matrix"] = [][]int{{500, 250}, {200, 50}} }, validate.ScoreExpectation{}, "confusion matrix error"},
		{"empty matrix", func(p models.Payload) { p["confusion_matrix"] = [][]int{{0, 0}, {0, 0}} }, validate.ScoreExpectation{}, "confusion matrix is empty"},
		{"wrong threshold", func(p models.Payload) { p["threshold"] = 0.3 }, validate.ScoreExpectation{Threshold: validate.Float(0.5)}, "expected 0.5"},
		{"above ceiling", func(p models.Payload) {}, validate.ScoreExpectation{MaxError: validate.Float(0.05)}, "above ceiling"},
		{"out of range", func(p models.Payload) { p["error_rate"] = 1.5 }, validate.ScoreExpectation{}, "/error_rate"},
		{"missing both rates", func(p models.Payload) {
			delete(p, "accuracy")
			delete(p, "error_rate")
		}, validate.ScoreExpectation{}, "missing properties"},
		{"matrix shape", func(p models.Payload) { p["confusion_matrix"] = [][]int{{1, 2, 3}, {4, 5, 6}} }, validate.ScoreExpectation{}, "/confusion_matrix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := scorePayload()
			tt.mutate(p)
			requireMismatch(t, validate.CheckScore(p, tt.exp), tt.wantErr)
		})
	}
}

// --- properties ---

func TestCheckFit_CountProperty(t *testing.T) {
	f := func(nCoef, nPred uint8) bool {
		c, p := int(nCoef%40), int(nPred%40)
		err := validate.CheckFit(fitPayload(predictors(c)), validate.FitExpectation{Predictors: predictors(p)})
		return (err == nil) == (c == p)
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestChecks_Deterministic(t *testing.T) {
	f := func(nCoef uint8, errRate float64) bool {
		fit := fitPayload(predictors(int(nCoef % 20)))
		exp := validate.FitExpectation{Predictors: predictors(7)}
		e1, e2 := validate.CheckFit(fit, exp), validate.CheckFit(fit, exp)
		if fmt.Sprint(e1) != fmt.Sprint(e2) {
			return false
		}

		score := scorePayload()
		score["error_rate"] = errRate
		s1 := validate.CheckScore(score, validate.ScoreExpectation{})
		s2 := validate.CheckScore(score, validate.ScoreExpectation{})
		return fmt.Sprint(s1) == fmt.Sprint(s2)
	}
	require.NoError(t, quick.Check(f, nil))
}
