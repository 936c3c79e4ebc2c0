package model

import (
	"time"

	"github.com/google/uuid"
)

// DateLayout is the calendar-date format used for every date field of a report.
const DateLayout = "2006-01-02"

type Report struct {
	ID               string           `json:"id"`
	Metadata         Metadata         `json:"report_metadata"`
	Scope            Scope            `json:"scope"`
	ExecutiveSummary ExecutiveSummary `json:"executive_summary"`
	FindingIDs       []string         `json:"finding_ids"`
	Artefacts        Artefacts        `json:"artefacts"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (r Report) RecordID() string { return r.ID }

type Metadata struct {
	ClientName       string        `json:"client_name"`
	EngagementName   string        `json:"engagement_name"`
	EngagementID     string        `json:"engagement_id"`
	DateOfGeneration string        `json:"date_of_generation"`
	DateOfTesting    TestingWindow `json:"date_of_testing"`
	Version          string        `json:"version"`
	TesterInfo       TesterInfo    `json:"tester_info"`
	Recipient        Recipient     `json:"recipient"`
}

type TestingWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type TesterInfo struct {
	Team []TeamMember `json:"team"`
}

type TeamMember struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type Recipient struct {
	Organization string    `json:"organization"`
	Contacts     []Contact `json:"contacts"`
}

type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Title string `json:"title"`
}

type TestingType string

const (
	BlackBox TestingType = "black-box"
	GrayBox  TestingType = "gray-box"
	WhiteBox TestingType = "white-box"
)

type Scope struct {
	InScope    []Target `json:"in_scope"`
	OutOfScope []string `json:"out_of_scope"`
	Notes      string   `json:"notes"`
}

type Target struct {
	Target        string      `json:"target"`
	Description   string      `json:"description"`
	TestingType   TestingType `json:"testing_type"`
	Methodologies []string    `json:"methodologies"`
}

type ExecutiveSummary struct {
	Overview                 string   `json:"overview"`
	RiskRating               Severity `json:"overall_risk_rating,omitempty"`
	Strengths                []string `json:"strengths"`
	Challenges               []string `json:"challenges"`
	StrategicRecommendations []string `json:"strategic_recommendations"`
}

type Artefacts struct {
	ToolsUsed     []Tool   `json:"tools_used"`
	GlobalTestLog *LogFile `json:"global_test_log,omitempty"`
}

type Tool struct {
	ToolName string `json:"tool_name"`
	Version  string `json:"version"`
}

type LogFile struct {
	FileName string `json:"file_name"`
	FilePath string `json:"file_path"`
}

// NewReport returns a report with a fresh identifier and the editor defaults
// for a "new report" action.
func NewReport(meta Metadata, now time.Time) Report {
	if meta.DateOfGeneration == "" {
		meta.DateOfGeneration = now.Format(DateLayout)
	}
	if meta.Version == "" {
		meta.Version = "1.0"
	}
	return Report{
		ID:         NewID(),
		Metadata:   meta,
		FindingIDs: []string{},
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
}

// NewID returns a random 128-bit identifier.
func NewID() string { return uuid.NewString() }
