package models

// FitParams is the configuration bundle for one GLM fit job. The class label
// is supplied per iteration and is not part of the bundle.
type FitParams struct {
	Family      string  `yaml:"family"       json:"family"`
	Link        string  `yaml:"link"         json:"link"`
	CaseMode    string  `yaml:"case_mode"    json:"case_mode"`
	Lambda      float64 `yaml:"lambda"       json:"lambda"`
	Alpha       float64 `yaml:"alpha"        json:"alpha"`
	MaxIter     int     `yaml:"max_iter"     json:"max_iter"`
	BetaEpsilon float64 `yaml:"beta_epsilon" json:"beta_epsilon"`
	NFolds      int     `yaml:"n_folds"      json:"n_folds"`
	Weight      float64 `yaml:"weight"       json:"weight"`
	Threshold   float64 `yaml:"threshold"    json:"threshold"`
	// RequireConverged fails fits that report converged=false.
	RequireConverged bool `yaml:"require_converged" json:"require_converged"`
}
