package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrValidation = errors.New("validation failed")

// ValidationError names the first field of a record that breaks an invariant.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Nest prefixes the field of a validation error, e.g. "findings[2]" + "severity".
func Nest(prefix string, err error) error {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	return &ValidationError{Field: prefix + "." + ve.Field, Reason: ve.Reason}
}

const (
	MinScore = 0.0
	MaxScore = 10.0
)

// ValidateFinding checks the invariants every persisted finding must hold.
func ValidateFinding(f Finding) error {
	if !f.Severity.Valid() {
		return invalid("severity", "%q is not one of informational, low, medium, high, critical", f.Severity)
	}
	if math.IsNaN(f.Score) || f.Score < MinScore || f.Score > MaxScore {
		return invalid("cvss_score", "%v is outside [0, 10]", f.Score)
	}
	if f.Vector != "" {
		if _, err := ParseVector(f.Vector); err != nil {
			return invalid("cvss_vector", "%v", err)
		}
	}
	if !f.Status.Valid() {
		return invalid("status", "%q is not a known resolution status", f.Status)
	}
	return nil
}

// ValidateReport checks the report's own fields. Findings are validated
// separately since they live in their own collection.
func ValidateReport(r Report) error {
	m := r.Metadata
	if err := checkDate("report_metadata.date_of_generation", m.DateOfGeneration); err != nil {
		return err
	}
	if err := checkDate("report_metadata.date_of_testing.start", m.DateOfTesting.Start); err != nil {
		return err
	}
	if err := checkDate("report_metadata.date_of_testing.end", m.DateOfTesting.End); err != nil {
		return err
	}
	if m.DateOfTesting.Start != "" && m.DateOfTesting.End != "" && m.DateOfTesting.End < m.DateOfTesting.Start {
		return invalid("report_metadata.date_of_testing.end", "%s is before start %s", m.DateOfTesting.End, m.DateOfTesting.Start)
	}
	for i, t := range r.Scope.InScope {
		switch t.TestingType {
		case "", BlackBox, GrayBox, WhiteBox:
		default:
			return invalid(fmt.Sprintf("scope.in_scope[%d].testing_type", i), "unknown testing type %q", t.TestingType)
		}
	}
	if rr := r.ExecutiveSummary.RiskRating; rr != "" && !rr.Valid() {
		return invalid("executive_summary.overall_risk_rating", "%q is not a severity", rr)
	}
	seen := make(map[string]struct{}, len(r.FindingIDs))
	for i, id := range r.FindingIDs {
		if id == "" {
			return invalid(fmt.Sprintf("finding_ids[%d]", i), "empty identifier")
		}
		if _, dup := seen[id]; dup {
			return invalid(fmt.Sprintf("finding_ids[%d]", i), "duplicate identifier %s", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func checkDate(field, v string) error {
	if v == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, v); err != nil {
		return invalid(field, "%q is not a YYYY-MM-DD date", v)
	}
	return nil
}
