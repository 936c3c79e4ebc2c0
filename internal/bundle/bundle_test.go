package bundle

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/report-store/internal/db"
	"github.com/yourorg/report-store/internal/model"
	"github.com/yourorg/report-store/internal/schema"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newCoordinator(t *testing.T) *db.Coordinator {
	t.Helper()
	s, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "reports.db"), schema.Default(), 0, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	c, err := db.NewCoordinator(s)
	require.NoError(t, err)
	return c
}

// seed fills a store with two reports, their findings, and a template.
func seed(t *testing.T, c *db.Coordinator) (model.Report, model.Report) {
	t.Helper()
	ctx := context.Background()

	a := model.NewReport(model.Metadata{ClientName: "Acme", DateOfGeneration: "2024-02-01"}, time.Now())
	x := model.NewFinding("", "Stored XSS")
	x.Severity = model.High
	x.Score = 8.2
	y := model.NewFinding("", "Clickjacking")
	y.Severity = model.Low
	a, err := c.SaveReport(ctx, a, x, y)
	require.NoError(t, err)

	b, err := c.CreateReport(ctx, model.Metadata{ClientName: "Globex", DateOfGeneration: "2024-01-15"})
	require.NoError(t, err)
	z := model.NewFinding(b.ID, "Default credentials")
	z.Severity = model.Critical
	z.Score = 9.8
	_, err = c.SaveFinding(ctx, z)
	require.NoError(t, err)

	_, err = c.SaveTemplate(ctx, model.NewFinding("", "Missing HSTS"))
	require.NoError(t, err)

	b, _, err = c.Reports().Get(ctx, b.ID)
	require.NoError(t, err)
	return a, b
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newCoordinator(t)
	a, b := seed(t, src)

	exported, err := Collect(ctx, src)
	require.NoError(t, err)
	require.Len(t, exported.Reports, 2)
	assert.Equal(t, b.ID, exported.Reports[0].ID, "reports are ordered by date")
	assert.Len(t, exported.Findings, 4)

	dir := t.TempDir()
	m, err := Write(dir, exported)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Reports)
	assert.Equal(t, 4, m.Findings)
	require.Len(t, m.Files, 2)

	loaded, err := Read(dir)
	require.NoError(t, err)
	assert.Equal(t, exported.Reports, loaded.Reports)
	assert.Equal(t, exported.Findings, loaded.Findings)

	dst := newCoordinator(t)
	st, err := Import(ctx, dst, loaded, quiet)
	require.NoError(t, err)
	assert.Equal(t, Stats{Reports: 2, Findings: 3, Templates: 1}, st)

	got, err := dst.ReportFindings(ctx, a.ID)
	require.NoError(t, err)
	want, err := src.ReportFindings(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	imported, ok, err := dst.Reports().Get(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.FindingIDs, imported.FindingIDs)
	assert.True(t, a.CreatedAt.Equal(imported.CreatedAt))
	assert.True(t, a.UpdatedAt.Equal(imported.UpdatedAt), "update time survives the round trip")

	tpls, err := dst.Templates(ctx)
	require.NoError(t, err)
	require.Len(t, tpls, 1)
	assert.Equal(t, "Missing HSTS", tpls[0].Title)
}

func TestImportOrphanFindingNeedsStoredReport(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)

	orphan := model.NewFinding("not-in-store", "lost")
	orphan.ID = model.NewID()
	_, err := Import(ctx, c, Bundle{Findings: []model.Finding{orphan}}, quiet)
	assert.ErrorIs(t, err, db.ErrDanglingReference)

	n, err := c.Findings().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImportRejectsInvalidFinding(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)

	r := model.NewReport(model.Metadata{ClientName: "Acme"}, time.Now())
	bad := model.NewFinding(r.ID, "bad")
	bad.ID = model.NewID()
	bad.Severity = "severe"
	_, err := Import(ctx, c, Bundle{Reports: []model.Report{r}, Findings: []model.Finding{bad}}, quiet)
	assert.ErrorIs(t, err, model.ErrValidation)

	n, err := c.Reports().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	_, err := Write(dir, Bundle{Reports: []model.Report{model.NewReport(model.Metadata{ClientName: "Acme"}, time.Now())}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ReportsFile), []byte("[]\n"), 0o644))
	_, err = Read(dir)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestReadWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ReportsFile), []byte("[]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FindingsFile), []byte("[]"), 0o644))

	b, err := Read(dir)
	require.NoError(t, err)
	assert.Empty(t, b.Reports)
	assert.Empty(t, b.Findings)
}

func TestWriteEmptyBundleUsesArrays(t *testing.T) {
	dir := t.TempDir()
	_, err := Write(dir, Bundle{})
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(dir, FindingsFile))
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(raw))
}

func TestOrderFindings(t *testing.T) {
	fs := []model.Finding{{ID: "c"}, {ID: "a"}, {ID: "b"}, {ID: "d"}}
	got := orderFindings([]string{"b", "c"}, fs)
	var ids []string
	for _, f := range got {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"b", "c", "a", "d"}, ids)
}
