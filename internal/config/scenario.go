package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kiranshivaraju/glmharness/pkg/models"
	"gopkg.in/yaml.v3"
)

// Divergence policies for disagreeing predictor selections.
const (
	DivergenceWarn = "warn"
	DivergenceFail = "fail"
)

// Scenario describes one harness run: where the data lives, which trials to
// run and how long each stage may take.
type Scenario struct {
	ImportPath string        `yaml:"import_path"`
	Datasets   []DatasetPair `yaml:"datasets"`
	// Repeat runs every dataset pair this many times, each as its own trial.
	Repeat int    `yaml:"repeat"`
	Target string `yaml:"target"`
	Labels []int  `yaml:"labels"`
	// MinRows rejects parses that produce fewer rows.
	MinRows int              `yaml:"min_rows"`
	Fit     models.FitParams `yaml:"fit"`
	// MaxError is an optional error-rate ceiling applied to every score.
	MaxError *float64 `yaml:"max_error"`

	Budgets          Budgets       `yaml:"budgets"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	TransportRetries int           `yaml:"transport_retries"`
	// SoftThreshold is the budget percentage that counts as a near-timeout.
	SoftThreshold     float64 `yaml:"soft_threshold"`
	Parallelism       int     `yaml:"parallelism"`
	Divergence        string  `yaml:"divergence"`
	FailOnSoftTimeout bool    `yaml:"fail_on_soft_timeout"`
	// StoreViewNoise lists the store on every running parse and fit poll,
	// loading the service the way a busy cluster would.
	StoreViewNoise bool `yaml:"store_view_noise"`
}

// DatasetPair is the training and held-out file for one trial.
type DatasetPair struct {
	Train string `yaml:"train"`
	Test  string `yaml:"test"`
}

// Budgets are the per-stage wall-clock limits.
type Budgets struct {
	Import    time.Duration `yaml:"import"`
	StoreView time.Duration `yaml:"store_view"`
	Parse     time.Duration `yaml:"parse"`
	Fit       time.Duration `yaml:"fit"`
	Score     time.Duration `yaml:"score"`
}

// DefaultScenario is the mnist one-vs-rest run.
func DefaultScenario() Scenario {
	return Scenario{
		ImportPath: "/home/0xdiag/datasets/mnist",
		Datasets: []DatasetPair{
			{Train: "mnist_training.csv.gz", Test: "mnist_testing.csv.gz"},
		},
		Repeat: 1,
		Target: "C1",
		Labels: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		Fit: models.FitParams{
			Family:      "binomial",
			Link:        "logit",
			CaseMode:    "=",
			Lambda:      1e-5,
			Alpha:       0,
			MaxIter:     5,
			BetaEpsilon: 1e-4,
			NFolds:      1,
			Weight:      1,
			Threshold:   0.5,
		},
		Budgets: Budgets{
			Import:    30 * time.Second,
			StoreView: 30 * time.Second,
			Parse:     600 * time.Second,
			Fit:       1800 * time.Second,
			Score:     60 * time.Second,
		},
		PollInterval:     time.Second,
		TransportRetries: 3,
		SoftThreshold:    90,
		Parallelism:      1,
		Divergence:       DivergenceWarn,
	}
}

// LoadScenario reads a YAML scenario over DefaultScenario. An empty path
// returns the defaults.
func LoadScenario(path string) (*Scenario, error) {
	if path == "" {
		s := DefaultScenario()
		return &s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes YAML over DefaultScenario and validates the result.
// Unknown keys are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	s := DefaultScenario()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the scenario for values no run could use.
func (s *Scenario) Validate() error {
	if s.ImportPath == "" {
		return fmt.Errorf("scenario: import_path is required")
	}
	if len(s.Datasets) == 0 {
		return fmt.Errorf("scenario: at least one dataset pair is required")
	}
	for i, d := range s.Datasets {
		if d.Train == "" || d.Test == "" {
			return fmt.Errorf("scenario: dataset %d needs both train and test files", i)
		}
	}
	if s.Repeat < 1 {
		return fmt.Errorf("scenario: repeat must be at least 1, got %d", s.Repeat)
	}
	if s.Target == "" {
		return fmt.Errorf("scenario: target is required")
	}
	if len(s.Labels) == 0 {
		return fmt.Errorf("scenario: labels must not be empty")
	}
	seen := make(map[int]bool, len(s.Labels))
	for _, l := range s.Labels {
		if seen[l] {
			return fmt.Errorf("scenario: label %d listed twice", l)
		}
		seen[l] = true
	}

	if s.Fit.Family == "" {
		return fmt.Errorf("scenario: fit.family is required")
	}
	if s.Fit.Lambda < 0 {
		return fmt.Errorf("scenario: fit.lambda must not be negative, got %v", s.Fit.Lambda)
	}
	if s.Fit.Alpha < 0 || s.Fit.Alpha > 1 {
		return fmt.Errorf("scenario: fit.alpha must be in [0,1], got %v", s.Fit.Alpha)
	}
	if s.Fit.MaxIter < 1 {
		return fmt.Errorf("scenario: fit.max_iter must be at least 1, got %d", s.Fit.MaxIter)
	}
	if s.Fit.Threshold < 0 || s.Fit.Threshold > 1 {
		return fmt.Errorf("scenario: fit.threshold must be in [0,1], got %v", s.Fit.Threshold)
	}
	if s.MaxError != nil && (*s.MaxError < 0 || *s.MaxError > 1) {
		return fmt.Errorf("scenario: max_error must be in [0,1], got %v", *s.MaxError)
	}

	for _, b := range []struct {
		name string
		d    time.Duration
	}{
		{"import", s.Budgets.Import},
		{"store_view", s.Budgets.StoreView},
		{"parse", s.Budgets.Parse},
		{"fit", s.Budgets.Fit},
		{"score", s.Budgets.Score},
	} {
		if b.d <= 0 {
			return fmt.Errorf("scenario: budgets.%s must be positive, got %s", b.name, b.d)
		}
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("scenario: poll_interval must be positive, got %s", s.PollInterval)
	}
	if s.TransportRetries < 0 {
		return fmt.Errorf("scenario: transport_retries must not be negative, got %d", s.TransportRetries)
	}
	if s.SoftThreshold <= 0 || s.SoftThreshold > 100 {
		return fmt.Errorf("scenario: soft_threshold must be in (0,100], got %v", s.SoftThreshold)
	}
	if s.Parallelism < 1 {
		return fmt.Errorf("scenario: parallelism must be at least 1, got %d", s.Parallelism)
	}
	if s.Divergence != DivergenceWarn && s.Divergence != DivergenceFail {
		return fmt.Errorf("scenario: divergence must be %q or %q, got %q", DivergenceWarn, DivergenceFail, s.Divergence)
	}
	return nil
}

// TrialCount is the number of trials the scenario runs.
func (s *Scenario) TrialCount() int {
	return len(s.Datasets) * s.Repeat
}

// Pair returns the dataset pair for a trial index.
func (s *Scenario) Pair(trial int) DatasetPair {
	return s.Datasets[trial%len(s.Datasets)]
}
