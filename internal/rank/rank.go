// Package rank orders findings for presentation.
package rank

import (
	"fmt"
	"math"
	"sort"

	"github.com/yourorg/report-store/internal/model"
)

// Rank returns a copy of findings ordered by severity (critical first), then
// CVSS score descending, then title ascending, then identifier ascending.
// Unknown severities sort after informational and a NaN score counts as 0.
// The input is not modified.
func Rank(findings []model.Finding) []model.Finding {
	out := make([]model.Finding, len(findings))
	copy(out, findings)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ao, bo := a.Severity.Ordinal(), b.Severity.Ordinal(); ao != bo {
			return ao > bo
		}
		if as, bs := score(a), score(b); as != bs {
			return as > bs
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
	return out
}

func score(f model.Finding) float64 {
	if math.IsNaN(f.Score) {
		return 0
	}
	return f.Score
}

type Key string

const (
	BySeverity                   Key = "severity"
	ByScore                      Key = "cvss_score"
	ByExploitMaturity            Key = "exploit_maturity"
	ByConfidentialityRequirement Key = "confidentiality_requirement"
	ByRemediationLevel           Key = "remediation_level"
)

// Keys lists the keys accepted by SortBy.
var Keys = []Key{BySeverity, ByScore, ByExploitMaturity, ByConfidentialityRequirement, ByRemediationLevel}

type Direction int

const (
	Descending Direction = iota
	Ascending
)

// ParseKey maps a key name to a Key.
func ParseKey(s string) (Key, error) {
	for _, k := range Keys {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown sort key %q", s)
}

// vectorMetric maps the vector-based keys to the CVSS metric they inspect.
var vectorMetric = map[Key]string{
	ByExploitMaturity:            "E",
	ByConfidentialityRequirement: "CR",
	ByRemediationLevel:           "RL",
}

// SortBy returns a copy of findings ordered by a single key. For the vector
// keys, findings whose vector defines the metric come first when descending;
// an unparsable vector counts as not defining it. Ties keep input order.
func SortBy(findings []model.Finding, key Key, dir Direction) ([]model.Finding, error) {
	var weight func(model.Finding) float64
	switch key {
	case BySeverity:
		weight = func(f model.Finding) float64 { return float64(f.Severity.Ordinal()) }
	case ByScore:
		weight = score
	default:
		metric, ok := vectorMetric[key]
		if !ok {
			return nil, fmt.Errorf("unknown sort key %q", key)
		}
		weight = func(f model.Finding) float64 {
			v, err := model.ParseVector(f.Vector)
			if err != nil || !v.Defined(metric) {
				return 0
			}
			return 1
		}
	}

	weights := make(map[int]float64, len(findings))
	idx := make([]int, len(findings))
	for i, f := range findings {
		idx[i] = i
		weights[i] = weight(f)
	}
	sort.SliceStable(idx, func(i, j int) bool {
		a, b := weights[idx[i]], weights[idx[j]]
		if dir == Ascending {
			return a < b
		}
		return a > b
	})
	out := make([]model.Finding, len(findings))
	for i, k := range idx {
		out[i] = findings[k]
	}
	return out, nil
}
