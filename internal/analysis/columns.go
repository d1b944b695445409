// Package analysis derives predictor choices from parse-time column statistics.
package analysis

import (
	"sort"
	"strings"
)

// MaxMissingFraction is the largest share of missing values a column may
// have and still be used as a predictor.
const MaxMissingFraction = 0.5

// Column holds the per-column statistics a parse result reports.
type Column struct {
	Name       string
	Type       string
	Min        float64
	Max        float64
	Mean       float64
	Sigma      float64
	NumMissing int
	HasRange   bool
}

// Constant reports whether the column carries a single value.
func (c Column) Constant() bool {
	return c.HasRange && c.Min == c.Max
}

// SelectPredictors picks the usable predictor columns from parse metadata:
// every column except the target, constant columns, non-numeric columns and
// columns whose missing fraction exceeds MaxMissingFraction. The result keeps
// the parse column order.
// Returns empty slice for empty input (never nil).
func SelectPredictors(cols []Column, target string, numRows int) []string {
	out := []string{}
	for _, c := range cols {
		if c.Name == target {
			continue
		}
		if c.Constant() {
			continue
		}
		if isCategorical(c.Type) {
			continue
		}
		if numRows > 0 && float64(c.NumMissing)/float64(numRows) > MaxMissingFraction {
			continue
		}
		out = append(out, c.Name)
	}
	return out
}

func isCategorical(typ string) bool {
	switch strings.ToLower(typ) {
	case "enum", "string", "str", "uuid", "time":
		return true
	}
	return false
}

// Divergence describes how two predictor selections differ.
type Divergence struct {
	OnlyFirst  []string
	OnlySecond []string
}

// Empty reports whether the two selections agreed.
func (d Divergence) Empty() bool {
	return len(d.OnlyFirst) == 0 && len(d.OnlySecond) == 0
}

// ComparePredictors returns the columns selected by only one of a and b,
// each list sorted by name.
func ComparePredictors(a, b []string) Divergence {
	inA := make(map[string]bool, len(a))
	for _, c := range a {
		inA[c] = true
	}
	inB := make(map[string]bool, len(b))
	for _, c := range b {
		inB[c] = true
	}

	var d Divergence
	for _, c := range a {
		if !inB[c] {
			d.OnlyFirst = append(d.OnlyFirst, c)
		}
	}
	for _, c := range b {
		if !inA[c] {
			d.OnlySecond = append(d.OnlySecond, c)
		}
	}
	sort.Strings(d.OnlyFirst)
	sort.Strings(d.OnlySecond)
	return d
}
