package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"

	"github.com/yourorg/report-store/internal/bundle"
	"github.com/yourorg/report-store/internal/config"
	"github.com/yourorg/report-store/internal/db"
	"github.com/yourorg/report-store/internal/model"
	"github.com/yourorg/report-store/internal/rank"
	s3c "github.com/yourorg/report-store/internal/s3"
	"github.com/yourorg/report-store/internal/schema"
)

const usage = `usage: reportctl <command> [flags]

commands:
  migrate                      open the store, run pending upgrades, print its layout
  new -client NAME [-engagement NAME] [-date YYYY-MM-DD]
  list [-client NAME] [-from DATE -to DATE]
  show [-sort KEY] [-asc] REPORT_ID
  delete REPORT_ID             delete a report and all its findings
  templates                    list standard observations
  export [-dir DIR] [-prefix PREFIX]
`

func main() {
	// Load environment variables from .env files if present. This helps local dev.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := cfg.SetupLogging(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, cfg, logger, os.Stdout, os.Args[1], os.Args[2:]); err != nil {
		if isInsufficientPrivilege(err) {
			logger.Error("store role lacks privileges; run migrate with the owning role", "err", err)
		} else {
			logger.Error(os.Args[1]+" failed", "err", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer, cmd string, args []string) error {
	openCtx, openCancel := context.WithTimeout(ctx, cfg.OpTimeout)
	store, err := db.Open(openCtx, cfg.StoreDSN, schema.Default(), cfg.StoreVersion, logger)
	openCancel()
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := db.NewCoordinator(store)
	if err != nil {
		return err
	}

	opCtx, opCancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer opCancel()

	switch cmd {
	case "migrate", "status":
		return printLayout(out, store)
	case "new":
		return newReport(opCtx, c, out, args)
	case "list":
		return listReports(opCtx, c, out, args)
	case "show":
		return showReport(opCtx, c, out, args)
	case "delete":
		if len(args) != 1 {
			return errors.New("delete takes exactly one report id")
		}
		if err := c.DeleteReportCascade(opCtx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %s\n", args[0])
		return nil
	case "templates":
		return listTemplates(opCtx, c, out)
	case "export":
		return export(opCtx, cfg, c, logger, out, args)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func printLayout(out io.Writer, store *db.Store) error {
	fmt.Fprintf(out, "store %s at version %d\n", store.Registry().Name(), store.Version())
	for _, name := range store.Collections() {
		idx, err := store.Indexes(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s\n", name)
		for _, ix := range idx {
			unique := ""
			if ix.Unique {
				unique = " unique"
			}
			fmt.Fprintf(out, "    %s (%s)%s\n", ix.Name, ix.KeyPath, unique)
		}
	}
	return nil
}

func newReport(ctx context.Context, c *db.Coordinator, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	client := fs.String("client", "", "client name")
	engagement := fs.String("engagement", "", "engagement name")
	date := fs.String("date", "", "date of generation (YYYY-MM-DD, default today)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *client == "" {
		return errors.New("new: -client is required")
	}
	r, err := c.CreateReport(ctx, model.Metadata{
		ClientName:       *client,
		EngagementName:   *engagement,
		DateOfGeneration: *date,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, r.ID)
	return nil
}

func listReports(ctx context.Context, c *db.Coordinator, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	client := fs.String("client", "", "only reports for this client")
	from := fs.String("from", "", "earliest date of generation")
	to := fs.String("to", "", "latest date of generation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		reports []model.Report
		err     error
	)
	switch {
	case *client != "":
		reports, err = c.ReportsByClient(ctx, *client)
	case *from != "" || *to != "":
		r := db.KeyRange{}
		if *from != "" {
			r.Lower = from
		}
		if *to != "" {
			r.Upper = to
		}
		reports, err = c.Reports().QueryByIndex(ctx, schema.ByDate, r)
	default:
		reports, err = c.Reports().QueryByIndex(ctx, schema.ByDate, db.KeyRange{})
	}
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tCLIENT\tENGAGEMENT\tFINDINGS")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", r.ID, r.Metadata.DateOfGeneration,
			r.Metadata.ClientName, r.Metadata.EngagementName, len(r.FindingIDs))
	}
	return tw.Flush()
}

func showReport(ctx context.Context, c *db.Coordinator, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	sortKey := fs.String("sort", "", "sort key: "+keyNames())
	asc := fs.Bool("asc", false, "ascending order")
	asJSON := fs.Bool("json", false, "print the report and findings as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("show takes exactly one report id")
	}
	id := fs.Arg(0)

	r, ok, err := c.Reports().Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: report %s", db.ErrNotFound, id)
	}
	findings, err := c.ReportFindings(ctx, id)
	if err != nil {
		return err
	}
	if *sortKey == "" {
		findings = rank.Rank(findings)
	} else {
		key, err := rank.ParseKey(*sortKey)
		if err != nil {
			return err
		}
		dir := rank.Descending
		if *asc {
			dir = rank.Ascending
		}
		if findings, err = rank.SortBy(findings, key, dir); err != nil {
			return err
		}
	}

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Report   model.Report    `json:"report"`
			Findings []model.Finding `json:"findings"`
			Summary  model.Summary   `json:"summary"`
		}{r, findings, model.Summarize(findings)})
	}

	s := model.Summarize(findings)
	fmt.Fprintf(out, "%s  %s / %s  (%s)\n", r.ID, r.Metadata.ClientName, r.Metadata.EngagementName, r.Metadata.DateOfGeneration)
	fmt.Fprintf(out, "findings: %d total, %d critical, %d high, %d medium, %d low, %d informational\n",
		s.Total, s.Critical, s.High, s.Medium, s.Low, s.Informational)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEVERITY\tCVSS\tSTATUS\tTITLE")
	for _, f := range findings {
		fmt.Fprintf(tw, "%s\t%.1f\t%s\t%s\n", f.Severity, f.Score, f.Status, f.Title)
	}
	return tw.Flush()
}

func listTemplates(ctx context.Context, c *db.Coordinator, out io.Writer) error {
	tpls, err := c.Templates(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEVERITY\tTITLE")
	for _, f := range tpls {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.ID, f.Severity, f.Title)
	}
	return tw.Flush()
}

func export(ctx context.Context, cfg config.Config, c *db.Coordinator, logger *slog.Logger, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	dir := fs.String("dir", cfg.ExportDir, "directory to write the bundle to")
	prefix := fs.String("prefix", "", "object key prefix when uploading")
	if err := fs.Parse(args); err != nil {
		return err
	}

	b, err := bundle.Collect(ctx, c)
	if err != nil {
		return err
	}
	m, err := bundle.Write(*dir, b)
	if err != nil {
		return err
	}
	logger.Info("bundle written", "dir", *dir, "reports", m.Reports, "findings", m.Findings)

	if cfg.S3Enabled() {
		s3, err := s3c.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
		if err != nil {
			return err
		}
		if err := s3.EnsureBucket(ctx, cfg.ExportBucket); err != nil {
			return err
		}
		tr := &bundle.Transfer{Store: s3, Bucket: cfg.ExportBucket, Prefix: *prefix, Log: logger}
		if err := tr.Push(ctx, *dir); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "exported %d reports and %d findings to %s\n", m.Reports, m.Findings, *dir)
	return nil
}

func keyNames() string {
	names := make([]string, 0, len(rank.Keys))
	for _, k := range rank.Keys {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

func isInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}
