package schema

import "github.com/yourorg/report-store/internal/model"

const (
	StoreName = "pentest-reports"

	Reports  = "reports"
	Findings = "findings"

	ByDate         = "by-date"
	ByClient       = "by-client"
	ByEngagement   = "by-engagement"
	ByOwningReport = "by-owning-report"
	BySeverity     = "by-severity"
)

// Default is the version history of the report store.
//
//	v1  reports, indexed by generation date and client
//	v2  reports indexed by engagement
//	v3  findings split out of reports, indexed by owning report and severity
func Default() *Registry {
	return MustRegistry(StoreName,
		Step{
			Version: 1,
			AddCollections: []Collection{
				{Name: Reports, KeyPath: "id", Shape: model.Report{}},
			},
			AddIndexes: []IndexSpec{
				{Collection: Reports, Index: Index{Name: ByDate, KeyPath: "report_metadata.date_of_generation"}},
				{Collection: Reports, Index: Index{Name: ByClient, KeyPath: "report_metadata.client_name"}},
			},
		},
		Step{
			Version: 2,
			AddIndexes: []IndexSpec{
				{Collection: Reports, Index: Index{Name: ByEngagement, KeyPath: "report_metadata.engagement_name"}},
			},
		},
		Step{
			Version: 3,
			AddCollections: []Collection{
				{Name: Findings, KeyPath: "id", Shape: model.Finding{}},
			},
			AddIndexes: []IndexSpec{
				{Collection: Findings, Index: Index{Name: ByOwningReport, KeyPath: "report_id"}},
				{Collection: Findings, Index: Index{Name: BySeverity, KeyPath: "severity"}},
			},
		},
	)
}
