package model

import "strings"

type Severity string

const (
	Informational Severity = "informational"
	Low           Severity = "low"
	Medium        Severity = "medium"
	High          Severity = "high"
	Critical      Severity = "critical"
)

// Severities lists the valid severities from lowest to highest.
var Severities = []Severity{Informational, Low, Medium, High, Critical}

// Ordinal returns the rank of s, informational being 0. Unknown values rank -1.
func (s Severity) Ordinal() int {
	switch s {
	case Informational:
		return 0
	case Low:
		return 1
	case Medium:
		return 2
	case High:
		return 3
	case Critical:
		return 4
	default:
		return -1
	}
}

func (s Severity) Valid() bool { return s.Ordinal() >= 0 }

// ParseSeverity accepts any casing of the five severities.
func ParseSeverity(v string) (Severity, bool) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	return s, s.Valid()
}

type Status string

const (
	Unresolved    Status = "unresolved"
	Resolved      Status = "resolved"
	AcceptedRisk  Status = "accepted_risk"
	FalsePositive Status = "false_positive"
)

func (s Status) Valid() bool {
	switch s {
	case Unresolved, Resolved, AcceptedRisk, FalsePositive:
		return true
	}
	return false
}

// Finding is a single issue of a report. Without a ReportID it is a reusable
// template (a standard observation).
type Finding struct {
	ID               string           `json:"id"`
	ReportID         string           `json:"report_id,omitempty"`
	Title            string           `json:"title"`
	Severity         Severity         `json:"severity"`
	Score            float64          `json:"cvss_score"`
	Vector           string           `json:"cvss_vector,omitempty"`
	Summary          string           `json:"summary"`
	AffectedAssets   []string         `json:"affected_assets"`
	TechnicalDetails TechnicalDetails `json:"technical_details"`
	Recommendations  []string         `json:"recommendations"`
	References       []string         `json:"references"`
	Status           Status           `json:"status"`
	Media            []Attachment     `json:"media,omitempty"`
}

func (f Finding) RecordID() string { return f.ID }

// IsTemplate reports whether f is not attached to any report.
func (f Finding) IsTemplate() bool { return f.ReportID == "" }

type TechnicalDetails struct {
	Impact         string `json:"impact"`
	TestingProcess string `json:"testing_process"`
}

// Attachment describes media stored outside the store.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	ObjectKey   string `json:"object_key"`
}

// NewFinding returns the editor defaults for a blank finding. The identifier
// is left empty so the store assigns one on save.
func NewFinding(reportID, title string) Finding {
	return Finding{
		ReportID:        reportID,
		Title:           title,
		Severity:        Informational,
		AffectedAssets:  []string{},
		Recommendations: []string{},
		References:      []string{},
		Status:          Unresolved,
	}
}

// Clone returns a deep copy of f.
func (f Finding) Clone() Finding {
	out := f
	out.AffectedAssets = cloneStrings(f.AffectedAssets)
	out.Recommendations = cloneStrings(f.Recommendations)
	out.References = cloneStrings(f.References)
	if f.Media != nil {
		out.Media = append([]Attachment(nil), f.Media...)
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
