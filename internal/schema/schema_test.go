package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/report-store/internal/model"
)

func indexNames(idx []Index) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, i.Name)
	}
	return out
}

func TestDefaultHistory(t *testing.T) {
	r := Default()
	assert.Equal(t, StoreName, r.Name())
	assert.Equal(t, 3, r.CurrentRegisteredVersion())

	assert.Equal(t, []string{ByClient, ByDate}, indexNames(r.IndexesFor(Reports, 1)))
	assert.Equal(t, []string{ByClient, ByDate, ByEngagement}, indexNames(r.IndexesFor(Reports, 2)))
	assert.Empty(t, r.IndexesFor(Findings, 2))
	assert.Equal(t, []string{ByOwningReport, BySeverity}, indexNames(r.IndexesFor(Findings, 3)))

	assert.Len(t, r.CollectionsAt(1), 1)
	colls := r.CollectionsAt(3)
	require.Len(t, colls, 2)
	assert.Equal(t, Findings, colls[0].Name)
	assert.Equal(t, Reports, colls[1].Name)

	// Versions past the history clamp to the newest.
	assert.Equal(t, r.IndexesFor(Reports, 3), r.IndexesFor(Reports, 99))

	_, ok := r.Step(0)
	assert.False(t, ok)
	st, ok := r.Step(2)
	require.True(t, ok)
	assert.Equal(t, 2, st.Version)
}

func TestNewRegistryRejectsBadHistories(t *testing.T) {
	reports := Collection{Name: "reports", KeyPath: "id", Shape: model.Report{}}
	tests := []struct {
		name  string
		steps []Step
	}{
		{name: "no steps"},
		{name: "gap", steps: []Step{{Version: 1, AddCollections: []Collection{reports}}, {Version: 3}}},
		{name: "index on missing field", steps: []Step{{
			Version:        1,
			AddCollections: []Collection{reports},
			AddIndexes:     []IndexSpec{{Collection: "reports", Index: Index{Name: "x", KeyPath: "report_metadata.nope"}}},
		}}},
		{name: "index through a scalar", steps: []Step{{
			Version:        1,
			AddCollections: []Collection{reports},
			AddIndexes:     []IndexSpec{{Collection: "reports", Index: Index{Name: "x", KeyPath: "id.part"}}},
		}}},
		{name: "index on collection from a later version", steps: []Step{
			{Version: 1, AddIndexes: []IndexSpec{{Collection: "reports", Index: Index{Name: "x", KeyPath: "id"}}}},
			{Version: 2, AddCollections: []Collection{reports}},
		}},
		{name: "duplicate index", steps: []Step{
			{Version: 1, AddCollections: []Collection{reports}, AddIndexes: []IndexSpec{{Collection: "reports", Index: Index{Name: "x", KeyPath: "id"}}}},
			{Version: 2, AddIndexes: []IndexSpec{{Collection: "reports", Index: Index{Name: "x", KeyPath: "id"}}}},
		}},
		{name: "duplicate collection", steps: []Step{
			{Version: 1, AddCollections: []Collection{reports}},
			{Version: 2, AddCollections: []Collection{reports}},
		}},
		{name: "conversion for unknown collection", steps: []Step{
			{Version: 1, AddCollections: []Collection{reports}, Convert: map[string]ConvertFunc{"findings": nil}},
		}},
		{name: "missing shape", steps: []Step{
			{Version: 1, AddCollections: []Collection{{Name: "reports", KeyPath: "id"}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry("test", tt.steps...)
			assert.Error(t, err)
		})
	}
}

func TestMustRegistryPanics(t *testing.T) {
	assert.Panics(t, func() { MustRegistry("") })
}
