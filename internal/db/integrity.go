package db

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/yourorg/report-store/internal/model"
	"github.com/yourorg/report-store/internal/schema"
)

// Coordinator enforces the rules that span reports and findings: a finding
// attached to a report always points at an existing report, and deleting a
// report deletes its findings. Each method is one transaction.
type Coordinator struct {
	store    *Store
	reports  *Collection[model.Report]
	findings *Collection[model.Finding]
	log      *slog.Logger
	now      func() time.Time
}

func NewCoordinator(s *Store) (*Coordinator, error) {
	reports, err := NewCollection[model.Report](s, schema.Reports)
	if err != nil {
		return nil, err
	}
	findings, err := NewCollection[model.Finding](s, schema.Findings)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		store:    s,
		reports:  reports,
		findings: findings,
		log:      s.log,
		now:      time.Now,
	}, nil
}

// Reports gives read access to the reports collection. Writes go through
// the Coordinator.
func (c *Coordinator) Reports() View[model.Report] { return View[model.Report]{c: c.reports} }

func (c *Coordinator) Findings() View[model.Finding] { return View[model.Finding]{c: c.findings} }

// CreateReport stores a new report with default fields filled in.
func (c *Coordinator) CreateReport(ctx context.Context, meta model.Metadata) (model.Report, error) {
	r := model.NewReport(meta, c.now())
	if err := model.ValidateReport(r); err != nil {
		return model.Report{}, err
	}
	if err := c.store.run(ctx, func(t *txn) error { return c.reports.add(t, r) }); err != nil {
		return model.Report{}, err
	}
	c.log.Info("report created", "report_id", r.ID, "client", r.Metadata.ClientName)
	return r, nil
}

// SaveReport validates r and every finding in attach, then writes them
// together. Attached findings are bound to r and appended to its finding
// list; ones without an identifier get a new one. Entries of the finding
// list whose finding no longer exists are dropped. Nothing is written when
// any check fails.
func (c *Coordinator) SaveReport(ctx context.Context, r model.Report, attach ...model.Finding) (model.Report, error) {
	return c.saveReport(ctx, r, false, attach)
}

// RestoreReport is SaveReport for records that already have a history, such
// as an imported bundle: non-zero CreatedAt and UpdatedAt are kept as given.
func (c *Coordinator) RestoreReport(ctx context.Context, r model.Report, attach ...model.Finding) (model.Report, error) {
	return c.saveReport(ctx, r, true, attach)
}

func (c *Coordinator) saveReport(ctx context.Context, r model.Report, keepTimes bool, attach []model.Finding) (model.Report, error) {
	if err := model.ValidateReport(r); err != nil {
		return model.Report{}, err
	}
	for i, f := range attach {
		field := fmt.Sprintf("findings[%d]", i)
		if f.ReportID != "" && f.ReportID != r.ID {
			return model.Report{}, &model.ValidationError{
				Field:  field + ".report_id",
				Reason: fmt.Sprintf("belongs to report %s", f.ReportID),
			}
		}
		if err := model.ValidateFinding(f); err != nil {
			return model.Report{}, model.Nest(field, err)
		}
	}

	now := c.now().UTC()
	isNew := r.ID == ""
	if isNew {
		r.ID = model.NewID()
		if !keepTimes || r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
	}
	updated := now
	if keepTimes && !r.UpdatedAt.IsZero() {
		updated = r.UpdatedAt
	}
	r.UpdatedAt = updated

	err := c.store.run(ctx, func(t *txn) error {
		if !isNew && r.CreatedAt.IsZero() {
			prev, ok, err := c.reports.get(t, r.ID)
			if err != nil {
				return err
			}
			if ok {
				r.CreatedAt = prev.CreatedAt
			} else {
				r.CreatedAt = now
			}
		}
		list := make([]string, 0, len(r.FindingIDs))
		for i, id := range r.FindingIDs {
			f, ok, err := c.findings.get(t, id)
			if err != nil {
				return err
			}
			if !ok {
				c.log.Warn("dropping missing finding from report", "report_id", r.ID, "finding_id", id)
				continue
			}
			if f.ReportID != r.ID {
				return &model.ValidationError{
					Field:  fmt.Sprintf("finding_ids[%d]", i),
					Reason: fmt.Sprintf("finding %s is not attached to this report", id),
				}
			}
			if !slices.Contains(list, id) {
				list = append(list, id)
			}
		}
		r.FindingIDs = list

		var err error
		if isNew {
			err = c.reports.add(t, r)
		} else {
			err = c.reports.put(t, r)
		}
		if err != nil {
			return err
		}
		if len(attach) == 0 {
			return nil
		}
		// writeFinding appends to the stored report, so read it back.
		for _, f := range attach {
			f.ReportID = r.ID
			if _, err := c.writeFinding(t, f); err != nil {
				return err
			}
		}
		saved, _, err := c.reports.get(t, r.ID)
		if err != nil {
			return err
		}
		r = saved
		if !keepTimes || r.UpdatedAt.Equal(updated) {
			return nil
		}
		r.UpdatedAt = updated
		return c.reports.put(t, r)
	})
	if err != nil {
		return model.Report{}, err
	}
	return r, nil
}

// SaveFinding adds f when it has no identifier and replaces it otherwise.
// A finding attached to a report is only written while that report exists,
// and the report's finding list is kept in step.
func (c *Coordinator) SaveFinding(ctx context.Context, f model.Finding) (model.Finding, error) {
	if err := model.ValidateFinding(f); err != nil {
		return model.Finding{}, err
	}
	err := c.store.run(ctx, func(t *txn) (err error) {
		f, err = c.writeFinding(t, f)
		return err
	})
	if err != nil {
		return model.Finding{}, err
	}
	return f, nil
}

// writeFinding is SaveFinding inside an open transaction.
func (c *Coordinator) writeFinding(t *txn, f model.Finding) (model.Finding, error) {
	var owner model.Report
	if f.ReportID != "" {
		r, ok, err := c.reports.get(t, f.ReportID)
		if err != nil {
			return f, err
		}
		if !ok {
			return f, &DanglingReferenceError{From: schema.Findings, FromID: f.ID, To: schema.Reports, ToID: f.ReportID}
		}
		owner = r
	}

	if f.ID == "" {
		f.ID = model.NewID()
		if err := c.findings.add(t, f); err != nil {
			return f, err
		}
	} else {
		prev, existed, err := c.findings.get(t, f.ID)
		if err != nil {
			return f, err
		}
		if err := c.findings.put(t, f); err != nil {
			return f, err
		}
		if existed && prev.ReportID != "" && prev.ReportID != f.ReportID {
			if err := c.unlist(t, prev.ReportID, f.ID); err != nil {
				return f, err
			}
		}
	}

	if f.ReportID != "" && !slices.Contains(owner.FindingIDs, f.ID) {
		owner.FindingIDs = append(owner.FindingIDs, f.ID)
		owner.UpdatedAt = c.now().UTC()
		if err := c.reports.put(t, owner); err != nil {
			return f, err
		}
	}
	return f, nil
}

// unlist drops findingID from a report's finding list.
func (c *Coordinator) unlist(t *txn, reportID, findingID string) error {
	r, ok, err := c.reports.get(t, reportID)
	if err != nil || !ok {
		return err
	}
	i := slices.Index(r.FindingIDs, findingID)
	if i < 0 {
		return nil
	}
	r.FindingIDs = slices.Delete(r.FindingIDs, i, i+1)
	r.UpdatedAt = c.now().UTC()
	return c.reports.put(t, r)
}

// DeleteFinding removes one finding and its entry in the owning report.
func (c *Coordinator) DeleteFinding(ctx context.Context, id string) error {
	return c.store.run(ctx, func(t *txn) error {
		f, ok, err := c.findings.get(t, id)
		if err != nil || !ok {
			return err
		}
		if _, err := c.findings.del(t, id); err != nil {
			return err
		}
		if f.ReportID == "" {
			return nil
		}
		return c.unlist(t, f.ReportID, id)
	})
}

// DeleteReportCascade deletes a report and every finding that references it.
// Templates are never touched.
func (c *Coordinator) DeleteReportCascade(ctx context.Context, reportID string) error {
	var removed int
	err := c.store.run(ctx, func(t *txn) error {
		if _, err := c.reports.del(t, reportID); err != nil {
			return err
		}
		owned, err := c.findings.query(t, schema.ByOwningReport, Only(reportID))
		if err != nil {
			return err
		}
		for _, f := range owned {
			if _, err := c.findings.del(t, f.ID); err != nil {
				return err
			}
		}
		removed = len(owned)
		return nil
	})
	if err != nil {
		return err
	}
	c.log.Info("report deleted", "report_id", reportID, "findings_deleted", removed)
	return nil
}

// ReportFindings returns the findings of a report in the order of its
// finding list. Owned findings missing from the list follow, by identifier.
func (c *Coordinator) ReportFindings(ctx context.Context, reportID string) ([]model.Finding, error) {
	var out []model.Finding
	err := c.store.run(ctx, func(t *txn) error {
		r, ok, err := c.reports.get(t, reportID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: report %s", ErrNotFound, reportID)
		}
		owned, err := c.findings.query(t, schema.ByOwningReport, Only(reportID))
		if err != nil {
			return err
		}
		pos := make(map[string]int, len(r.FindingIDs))
		for i, id := range r.FindingIDs {
			pos[id] = i
		}
		sort.SliceStable(owned, func(i, j int) bool {
			pi, iok := pos[owned[i].ID]
			pj, jok := pos[owned[j].ID]
			switch {
			case iok && jok:
				return pi < pj
			case iok != jok:
				return iok
			default:
				return owned[i].ID < owned[j].ID
			}
		})
		out = owned
		return nil
	})
	return out, err
}

// Templates returns the standard observations, by title.
func (c *Coordinator) Templates(ctx context.Context) ([]model.Finding, error) {
	all, err := c.findings.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Finding, 0, len(all))
	for _, f := range all {
		if f.IsTemplate() {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveTemplate stores a finding that is not attached to any report.
func (c *Coordinator) SaveTemplate(ctx context.Context, f model.Finding) (model.Finding, error) {
	if f.ReportID != "" {
		return model.Finding{}, &model.ValidationError{Field: "report_id", Reason: "templates are not attached to a report"}
	}
	return c.SaveFinding(ctx, f)
}

// InstantiateTemplate copies a template into a new unresolved finding of
// reportID. The template itself is unchanged.
func (c *Coordinator) InstantiateTemplate(ctx context.Context, templateID, reportID string) (model.Finding, error) {
	tpl, ok, err := c.findings.Get(ctx, templateID)
	if err != nil {
		return model.Finding{}, err
	}
	if !ok || !tpl.IsTemplate() {
		return model.Finding{}, fmt.Errorf("%w: template %s", ErrNotFound, templateID)
	}
	f := tpl.Clone()
	f.ID = ""
	f.ReportID = reportID
	f.Status = model.Unresolved
	return c.SaveFinding(ctx, f)
}

// ReportsBetween returns reports generated between two YYYY-MM-DD dates,
// both inclusive.
func (c *Coordinator) ReportsBetween(ctx context.Context, from, to string) ([]model.Report, error) {
	return c.reports.QueryByIndex(ctx, schema.ByDate, Between(from, to))
}

func (c *Coordinator) ReportsByClient(ctx context.Context, client string) ([]model.Report, error) {
	return c.reports.QueryByIndex(ctx, schema.ByClient, Only(client))
}
