package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/yourorg/report-store/internal/schema"
)

const (
	sqliteDriver   = "sqlite"
	postgresDriver = "pgx"
)

type State int

const (
	Unopened State = iota
	Opening
	Upgrading
	Ready
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Opening:
		return "opening"
	case Upgrading:
		return "upgrading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Store is a handle on one report database. It is owned by the caller and
// must be closed when no longer needed.
type Store struct {
	db  *sql.DB
	d   dialect
	reg *schema.Registry
	log *slog.Logger

	// mu serializes operations so that sequential calls observe each other
	// in issue order.
	mu      sync.Mutex
	state   State
	version int
	catalog map[string][]schema.Index
}

// Open connects to dsn and brings the store to target, running any pending
// upgrades from reg. A target of 0 means the newest registered version.
//
// A DSN starting with postgres:// or postgresql:// is served by pgx; anything
// else is taken as a SQLite file path.
func Open(ctx context.Context, dsn string, reg *schema.Registry, target int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if target == 0 {
		target = reg.CurrentRegisteredVersion()
	}
	driver, source := driverFor(dsn)
	sqldb, err := sql.Open(driver, source)
	if err != nil {
		return nil, &OpenError{Kind: UpgradeFailed, Name: reg.Name(), Target: target, Err: err}
	}
	if driver == sqliteDriver {
		// One connection keeps the single-writer model and lets :memory:
		// databases survive between statements.
		sqldb.SetMaxOpenConns(1)
	}
	s := &Store{
		db:    sqldb,
		d:     dialect{numbered: driver == postgresDriver},
		reg:   reg,
		log:   logger.With("store", reg.Name()),
		state: Opening,
	}
	if err := s.migrate(ctx, target); err != nil {
		s.state = Failed
		s.log.Error("store open failed", "target", target, "err", err)
		_ = sqldb.Close()
		return nil, err
	}
	s.state = Ready
	s.log.Info("store ready", "driver", driver, "version", s.version)
	return s, nil
}

func driverFor(dsn string) (driver, source string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgresDriver, dsn
	}
	source = strings.TrimPrefix(dsn, "sqlite://")
	if !strings.Contains(source, "_pragma=") {
		sep := "?"
		if strings.Contains(source, "?") {
			sep = "&"
		}
		source += sep + "_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	return sqliteDriver, source
}

// Close invalidates the handle. Later operations fail with ErrStoreUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return nil
	}
	s.state = Closed
	return s.db.Close()
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Version is the schema version the store was opened at.
func (s *Store) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Store) Registry() *schema.Registry { return s.reg }

// Collections lists the collections present in the store.
func (s *Store) Collections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.catalog))
	for name := range s.catalog {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Indexes lists the secondary indexes of a collection as persisted in the store.
func (s *Store) Indexes(collection string) ([]schema.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.catalog[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return append([]schema.Index(nil), idx...), nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return ErrStoreUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// run executes fn in one transaction. Once the transaction has begun it runs
// to completion even if ctx is cancelled.
func (s *Store) run(ctx context.Context, fn func(t *txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return ErrStoreUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&txn{ctx: ctx, tx: tx, d: s.d, catalog: s.catalog}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// dialect papers over the placeholder styles of the two drivers.
type dialect struct{ numbered bool }

// rebind turns ? placeholders into $1, $2, ... for Postgres.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// txn is one open transaction plus the catalog it validates against.
type txn struct {
	ctx     context.Context
	tx      *sql.Tx
	d       dialect
	catalog map[string][]schema.Index
}

func (t *txn) exec(q string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, t.d.rebind(q), args...)
}

func (t *txn) query(q string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, t.d.rebind(q), args...)
}

func (t *txn) queryRow(q string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, t.d.rebind(q), args...)
}

func nowText() string { return time.Now().UTC().Format(time.RFC3339Nano) }
