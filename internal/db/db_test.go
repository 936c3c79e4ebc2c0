package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/report-store/internal/model"
	"github.com/yourorg/report-store/internal/schema"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func tempDSN(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "reports.db")
}

func openAt(t *testing.T, dsn string, reg *schema.Registry, target int) *Store {
	t.Helper()
	s, err := Open(context.Background(), dsn, reg, target, quiet)
	require.NoError(t, err)
	return s
}

// extendedRegistry is the default history plus two later versions.
func extendedRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	base := schema.Default()
	var steps []schema.Step
	for v := 1; v <= base.CurrentRegisteredVersion(); v++ {
		st, _ := base.Step(v)
		steps = append(steps, st)
	}
	steps = append(steps,
		schema.Step{Version: 4, AddIndexes: []schema.IndexSpec{
			{Collection: schema.Reports, Index: schema.Index{Name: "by-report-version", KeyPath: "report_metadata.version"}},
		}},
		schema.Step{Version: 5, AddIndexes: []schema.IndexSpec{
			{Collection: schema.Findings, Index: schema.Index{Name: "by-status", KeyPath: "status"}},
		}},
	)
	reg, err := schema.NewRegistry(schema.StoreName, steps...)
	require.NoError(t, err)
	return reg
}

func indexNames(t *testing.T, s *Store, coll string) []string {
	t.Helper()
	idx, err := s.Indexes(coll)
	require.NoError(t, err)
	var out []string
	for _, ix := range idx {
		out = append(out, ix.Name)
	}
	return out
}

func upgradeLog(t *testing.T, s *Store) []string {
	t.Helper()
	rows, err := s.db.Query(`SELECT version, kind FROM store_upgrades ORDER BY version`)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var (
			v    int
			kind string
		)
		require.NoError(t, rows.Scan(&v, &kind))
		out = append(out, fmt.Sprintf("%s:%d", kind, v))
	}
	require.NoError(t, rows.Err())
	return out
}

func TestOpenFreshStoreAtLatest(t *testing.T) {
	s := openAt(t, tempDSN(t), schema.Default(), 0)
	defer s.Close()

	assert.Equal(t, Ready, s.State())
	assert.Equal(t, 3, s.Version())
	assert.Equal(t, []string{schema.Findings, schema.Reports}, s.Collections())
	assert.Equal(t, []string{schema.ByClient, schema.ByDate, schema.ByEngagement}, indexNames(t, s, schema.Reports))
	assert.Equal(t, []string{schema.ByOwningReport, schema.BySeverity}, indexNames(t, s, schema.Findings))
	assert.Equal(t, []string{"create:3"}, upgradeLog(t, s))
	require.NoError(t, s.Ping(context.Background()))
}

func TestOpenTwiceIsNoop(t *testing.T) {
	dsn := tempDSN(t)
	first := openAt(t, dsn, schema.Default(), 3)
	cols, idx := first.Collections(), indexNames(t, first, schema.Reports)
	log := upgradeLog(t, first)
	require.NoError(t, first.Close())

	second := openAt(t, dsn, schema.Default(), 3)
	defer second.Close()
	assert.Equal(t, cols, second.Collections())
	assert.Equal(t, idx, indexNames(t, second, schema.Reports))
	assert.Equal(t, log, upgradeLog(t, second))
}

func TestUpgradeFromVersionOne(t *testing.T) {
	ctx := context.Background()
	dsn := tempDSN(t)

	v1 := openAt(t, dsn, schema.Default(), 1)
	assert.Equal(t, []string{schema.Reports}, v1.Collections())
	reports, err := NewCollection[model.Report](v1, schema.Reports)
	require.NoError(t, err)
	_, err = NewCollection[model.Finding](v1, schema.Findings)
	require.ErrorIs(t, err, ErrUnknownCollection)

	old := model.NewReport(model.Metadata{ClientName: "Acme", EngagementName: "Q1 web"}, time.Date(2023, 5, 2, 9, 0, 0, 0, time.UTC))
	_, err = reports.Add(ctx, old)
	require.NoError(t, err)
	require.NoError(t, v1.Close())

	v3 := openAt(t, dsn, schema.Default(), 3)
	defer v3.Close()
	assert.Equal(t, []string{schema.ByClient, schema.ByDate, schema.ByEngagement}, indexNames(t, v3, schema.Reports))
	assert.Equal(t, []string{schema.ByOwningReport, schema.BySeverity}, indexNames(t, v3, schema.Findings))
	assert.Equal(t, []string{"create:1", "upgrade:2", "upgrade:3"}, upgradeLog(t, v3))

	reports, err = NewCollection[model.Report](v3, schema.Reports)
	require.NoError(t, err)
	got, ok, err := reports.Get(ctx, old.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, old, got)

	// The index added in v2 was built from the existing record.
	byEngagement, err := reports.QueryByIndex(ctx, schema.ByEngagement, Only("Q1 web"))
	require.NoError(t, err)
	require.Len(t, byEngagement, 1)
	assert.Equal(t, old.ID, byEngagement[0].ID)
}

func TestOpenFutureVersion(t *testing.T) {
	dsn := tempDSN(t)
	ext := extendedRegistry(t)
	s := openAt(t, dsn, ext, 5)
	require.NoError(t, s.Close())

	_, err := Open(context.Background(), dsn, schema.Default(), 3, quiet)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFutureVersion))
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, FutureVersion, oe.Kind)
	assert.Equal(t, 5, oe.Stored)
	assert.Equal(t, 3, oe.Target)

	// Untouched: the newer registry still sees its own version.
	again := openAt(t, dsn, ext, 5)
	defer again.Close()
	assert.Equal(t, 5, again.Version())
	assert.Contains(t, indexNames(t, again, schema.Findings), "by-status")
}

func TestOpenRefusesDowngradeTarget(t *testing.T) {
	dsn := tempDSN(t)
	require.NoError(t, openAt(t, dsn, schema.Default(), 3).Close())
	_, err := Open(context.Background(), dsn, schema.Default(), 2, quiet)
	assert.ErrorIs(t, err, ErrFutureVersion)
}

func TestOpenUnregisteredTarget(t *testing.T) {
	_, err := Open(context.Background(), tempDSN(t), schema.Default(), 7, quiet)
	assert.ErrorIs(t, err, ErrUpgradeFailed)
	assert.False(t, errors.Is(err, ErrFutureVersion))
}

func TestFailedUpgradeRollsBack(t *testing.T) {
	ctx := context.Background()
	dsn := tempDSN(t)
	reports := schema.Collection{Name: schema.Reports, KeyPath: "id", Shape: model.Report{}}
	v1 := schema.Step{Version: 1, AddCollections: []schema.Collection{reports}}
	broken := schema.MustRegistry("broken", v1, schema.Step{
		Version:    2,
		AddIndexes: []schema.IndexSpec{{Collection: schema.Reports, Index: schema.Index{Name: schema.ByClient, KeyPath: "report_metadata.client_name"}}},
		Convert: map[string]schema.ConvertFunc{
			schema.Reports: func(json.RawMessage) (json.RawMessage, error) { return nil, errors.New("cannot convert") },
		},
	})

	s := openAt(t, dsn, broken, 1)
	coll, err := NewCollection[model.Report](s, schema.Reports)
	require.NoError(t, err)
	r := model.NewReport(model.Metadata{ClientName: "Acme"}, time.Now())
	_, err = coll.Add(ctx, r)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, dsn, broken, 2, quiet)
	require.ErrorIs(t, err, ErrUpgradeFailed)
	assert.Contains(t, err.Error(), "cannot convert")

	s = openAt(t, dsn, broken, 1)
	defer s.Close()
	assert.Equal(t, 1, s.Version())
	assert.Empty(t, indexNames(t, s, schema.Reports))
	coll, err = NewCollection[model.Report](s, schema.Reports)
	require.NoError(t, err)
	n, err := coll.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConvertStepRewritesRecords(t *testing.T) {
	ctx := context.Background()
	dsn := tempDSN(t)
	reports := schema.Collection{Name: schema.Reports, KeyPath: "id", Shape: model.Report{}}
	upper := func(doc json.RawMessage) (json.RawMessage, error) {
		var r model.Report
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		r.Metadata.ClientName = strings.ToUpper(r.Metadata.ClientName)
		return json.Marshal(r)
	}
	reg := schema.MustRegistry("convert",
		schema.Step{Version: 1, AddCollections: []schema.Collection{reports}, AddIndexes: []schema.IndexSpec{
			{Collection: schema.Reports, Index: schema.Index{Name: schema.ByClient, KeyPath: "report_metadata.client_name"}},
		}},
		schema.Step{Version: 2, Convert: map[string]schema.ConvertFunc{schema.Reports: upper}},
	)

	s := openAt(t, dsn, reg, 1)
	coll, err := NewCollection[model.Report](s, schema.Reports)
	require.NoError(t, err)
	r := model.NewReport(model.Metadata{ClientName: "acme"}, time.Now())
	_, err = coll.Add(ctx, r)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openAt(t, dsn, reg, 2)
	defer s.Close()
	coll, err = NewCollection[model.Report](s, schema.Reports)
	require.NoError(t, err)
	got, err := coll.QueryByIndex(ctx, schema.ByClient, Only("ACME"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r.ID, got[0].ID)
	stale, err := coll.QueryByIndex(ctx, schema.ByClient, Only("acme"))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestConvertMayNotChangeIdentifier(t *testing.T) {
	ctx := context.Background()
	dsn := tempDSN(t)
	reports := schema.Collection{Name: schema.Reports, KeyPath: "id", Shape: model.Report{}}
	reg := schema.MustRegistry("rekey",
		schema.Step{Version: 1, AddCollections: []schema.Collection{reports}},
		schema.Step{Version: 2, Convert: map[string]schema.ConvertFunc{
			schema.Reports: func(json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`{"id":"other"}`), nil },
		}},
	)
	s := openAt(t, dsn, reg, 1)
	coll, err := NewCollection[model.Report](s, schema.Reports)
	require.NoError(t, err)
	_, err = coll.Add(ctx, model.NewReport(model.Metadata{}, time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, dsn, reg, 2, quiet)
	require.ErrorIs(t, err, ErrUpgradeFailed)
	assert.Contains(t, err.Error(), "changed identifier")
}

func TestUniqueIndexBackfillConflictFailsUpgrade(t *testing.T) {
	ctx := context.Background()
	dsn := tempDSN(t)
	reports := schema.Collection{Name: schema.Reports, KeyPath: "id", Shape: model.Report{}}
	reg := schema.MustRegistry("unique",
		schema.Step{Version: 1, AddCollections: []schema.Collection{reports}},
		schema.Step{Version: 2, AddIndexes: []schema.IndexSpec{
			{Collection: schema.Reports, Index: schema.Index{Name: "by-engagement-id", KeyPath: "report_metadata.engagement_id", Unique: true}},
		}},
	)
	s := openAt(t, dsn, reg, 1)
	coll, err := NewCollection[model.Report](s, schema.Reports)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = coll.Add(ctx, model.NewReport(model.Metadata{EngagementID: "ENG-1"}, time.Now()))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	_, err = Open(ctx, dsn, reg, 2, quiet)
	require.ErrorIs(t, err, ErrUpgradeFailed)
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	ctx := context.Background()
	s := openAt(t, tempDSN(t), schema.Default(), 0)
	reports, err := NewCollection[model.Report](s, schema.Reports)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, Closed, s.State())

	_, _, err = reports.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = reports.GetAll(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, reports.Delete(ctx, "x"), ErrStoreUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreUnavailable)
	_, err = NewCollection[model.Report](s, schema.Reports)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestCancelledContextIsRejectedBeforeStart(t *testing.T) {
	s := openAt(t, tempDSN(t), schema.Default(), 0)
	defer s.Close()
	reports, err := NewCollection[model.Report](s, schema.Reports)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = reports.Add(ctx, model.NewReport(model.Metadata{}, time.Now()))
	assert.ErrorIs(t, err, context.Canceled)
	n, err := reports.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDriverFor(t *testing.T) {
	driver, source := driverFor("postgres://u:p@localhost:5432/reports")
	assert.Equal(t, postgresDriver, driver)
	assert.Equal(t, "postgres://u:p@localhost:5432/reports", source)

	driver, source = driverFor("sqlite:///tmp/r.db")
	assert.Equal(t, sqliteDriver, driver)
	assert.True(t, strings.HasPrefix(source, "/tmp/r.db?_pragma=busy_timeout"))

	_, source = driverFor("r.db?_pragma=journal_mode(WAL)")
	assert.Equal(t, "r.db?_pragma=journal_mode(WAL)", source)
}

func TestRebind(t *testing.T) {
	q := `SELECT doc FROM store_records WHERE collection = ? AND id = ?`
	assert.Equal(t, q, dialect{}.rebind(q))
	assert.Equal(t, `SELECT doc FROM store_records WHERE collection = $1 AND id = $2`, dialect{numbered: true}.rebind(q))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "upgrading", Upgrading.String())
	assert.Equal(t, "state(42)", State(42).String())
}
