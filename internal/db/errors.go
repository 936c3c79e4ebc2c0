package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrStoreUnavailable is returned by every operation on a store that is
	// not Ready, including one that has been closed.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrFutureVersion     = errors.New("store written by a newer schema version")
	ErrUpgradeFailed     = errors.New("store upgrade failed")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrConstraint        = errors.New("constraint violation")
	ErrDanglingReference = errors.New("dangling reference")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownIndex      = errors.New("unknown index")
	ErrNotFound          = errors.New("record not found")
)

type OpenErrorKind int

const (
	FutureVersion OpenErrorKind = iota + 1
	UpgradeFailed
)

func (k OpenErrorKind) String() string {
	switch k {
	case FutureVersion:
		return "future version"
	case UpgradeFailed:
		return "upgrade failed"
	default:
		return "unknown"
	}
}

// OpenError reports why a store could not reach the Ready state. The store
// cannot be used for the rest of the session.
type OpenError struct {
	Kind   OpenErrorKind
	Name   string
	Stored int
	Target int
	Err    error
}

func (e *OpenError) Error() string {
	switch e.Kind {
	case FutureVersion:
		return fmt.Sprintf("open store %s: stored version %d is newer than %d", e.Name, e.Stored, e.Target)
	default:
		return fmt.Sprintf("open store %s: upgrade from version %d to %d: %v", e.Name, e.Stored, e.Target, e.Err)
	}
}

func (e *OpenError) Unwrap() error { return e.Err }

func (e *OpenError) Is(target error) bool {
	switch target {
	case ErrFutureVersion:
		return e.Kind == FutureVersion
	case ErrUpgradeFailed:
		return e.Kind == UpgradeFailed
	}
	return false
}

type DuplicateKeyError struct {
	Collection string
	ID         string
	// Retired is set when the identifier belonged to a deleted record.
	Retired bool
}

func (e *DuplicateKeyError) Error() string {
	if e.Retired {
		return fmt.Sprintf("%s: identifier %s was retired by a delete", e.Collection, e.ID)
	}
	return fmt.Sprintf("%s: record %s already exists", e.Collection, e.ID)
}

func (e *DuplicateKeyError) Is(target error) bool { return target == ErrDuplicateKey }

type ConstraintError struct {
	Collection string
	ID         string
	Reason     string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s: record %s: %s", e.Collection, e.ID, e.Reason)
}

func (e *ConstraintError) Is(target error) bool { return target == ErrConstraint }

// DanglingReferenceError is returned when a write would leave From/FromID
// pointing at a record of To that does not exist.
type DanglingReferenceError struct {
	From   string
	FromID string
	To     string
	ToID   string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("%s %s references missing %s %s", e.From, e.FromID, e.To, e.ToID)
}

func (e *DanglingReferenceError) Is(target error) bool { return target == ErrDanglingReference }

// classifyWriteError maps driver unique violations onto DuplicateKeyError.
func classifyWriteError(err error, collection, id string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &DuplicateKeyError{Collection: collection, ID: id}
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return &DuplicateKeyError{Collection: collection, ID: id}
		}
	}
	return err
}
