// Package bundle exports a store to, and imports it from, a directory of
// JSON files that can be shipped through object storage.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/yourorg/report-store/internal/db"
	"github.com/yourorg/report-store/internal/model"
)

const (
	ReportsFile  = "reports.json"
	FindingsFile = "findings.json"
)

// Bundle is the full content of a store.
type Bundle struct {
	Reports  []model.Report
	Findings []model.Finding
}

// Collect reads every report and finding from the store. Reports are ordered
// by generation date, findings by identifier.
func Collect(ctx context.Context, c *db.Coordinator) (Bundle, error) {
	reports, err := c.Reports().GetAll(ctx)
	if err != nil {
		return Bundle{}, fmt.Errorf("read reports: %w", err)
	}
	findings, err := c.Findings().GetAll(ctx)
	if err != nil {
		return Bundle{}, fmt.Errorf("read findings: %w", err)
	}
	sort.SliceStable(reports, func(i, j int) bool {
		a, b := reports[i].Metadata.DateOfGeneration, reports[j].Metadata.DateOfGeneration
		if a != b {
			return a < b
		}
		return reports[i].ID < reports[j].ID
	})
	sort.SliceStable(findings, func(i, j int) bool { return findings[i].ID < findings[j].ID })
	return Bundle{Reports: reports, Findings: findings}, nil
}

// Write stores b as reports.json and findings.json in dir, plus a manifest
// with their checksums.
func Write(dir string, b Bundle) (Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, err
	}
	reports, findings := b.Reports, b.Findings
	if reports == nil {
		reports = []model.Report{}
	}
	if findings == nil {
		findings = []model.Finding{}
	}
	if err := writeJSON(filepath.Join(dir, ReportsFile), reports); err != nil {
		return Manifest{}, err
	}
	if err := writeJSON(filepath.Join(dir, FindingsFile), findings); err != nil {
		return Manifest{}, err
	}
	m, err := buildManifest(dir, ReportsFile, FindingsFile)
	if err != nil {
		return Manifest{}, err
	}
	m.Reports = len(reports)
	m.Findings = len(findings)
	if err := writeJSON(filepath.Join(dir, ManifestFile), m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Read loads a bundle from dir. When a manifest is present the files must
// match its checksums.
func Read(dir string) (Bundle, error) {
	if m, ok, err := readManifest(dir); err != nil {
		return Bundle{}, err
	} else if ok {
		if err := m.Verify(dir); err != nil {
			return Bundle{}, err
		}
	}
	var b Bundle
	if err := readJSON(filepath.Join(dir, ReportsFile), &b.Reports); err != nil {
		return Bundle{}, err
	}
	if err := readJSON(filepath.Join(dir, FindingsFile), &b.Findings); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

// Stats counts what an import wrote.
type Stats struct {
	Reports   int
	Findings  int
	Templates int
}

// Import writes b through the coordinator so every referential rule holds.
// Each report is saved together with its findings, in the order of its
// finding list; findings owned by a report but missing from its list follow
// by identifier. Reports keep their creation and update times. Templates are
// saved last. Import stops at the first error;
// reports saved before it stay saved.
func Import(ctx context.Context, c *db.Coordinator, b Bundle, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	owned := make(map[string][]model.Finding)
	var templates []model.Finding
	for _, f := range b.Findings {
		if f.IsTemplate() {
			templates = append(templates, f)
			continue
		}
		owned[f.ReportID] = append(owned[f.ReportID], f)
	}

	var st Stats
	for _, r := range b.Reports {
		attach := orderFindings(r.FindingIDs, owned[r.ID])
		delete(owned, r.ID)
		r.FindingIDs = nil
		saved, err := c.RestoreReport(ctx, r, attach...)
		if err != nil {
			return st, fmt.Errorf("import report %s: %w", r.ID, err)
		}
		st.Reports++
		st.Findings += len(attach)
		logger.Debug("report imported", "report_id", saved.ID, "findings", len(attach))
	}

	// Findings whose report is not in the bundle must point at one already
	// in the store.
	orphanOwners := make([]string, 0, len(owned))
	for id := range owned {
		orphanOwners = append(orphanOwners, id)
	}
	sort.Strings(orphanOwners)
	for _, reportID := range orphanOwners {
		for _, f := range orderFindings(nil, owned[reportID]) {
			if _, err := c.SaveFinding(ctx, f); err != nil {
				return st, fmt.Errorf("import finding %s: %w", f.ID, err)
			}
			st.Findings++
		}
	}

	for _, f := range templates {
		if _, err := c.SaveTemplate(ctx, f); err != nil {
			return st, fmt.Errorf("import template %s: %w", f.ID, err)
		}
		st.Templates++
	}
	logger.Info("bundle imported", "reports", st.Reports, "findings", st.Findings, "templates", st.Templates)
	return st, nil
}

// orderFindings puts findings in list order; the rest follow by identifier.
func orderFindings(list []string, findings []model.Finding) []model.Finding {
	pos := make(map[string]int, len(list))
	for i, id := range list {
		pos[id] = i
	}
	out := append([]model.Finding(nil), findings...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, iok := pos[out[i].ID]
		pj, jok := pos[out[j].ID]
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		default:
			return out[i].ID < out[j].ID
		}
	})
	return out
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
