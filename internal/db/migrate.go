package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/yourorg/report-store/internal/schema"
)

var bootstrapDDL = []string{
	`CREATE TABLE IF NOT EXISTS store_meta (
  name TEXT PRIMARY KEY,
  version INTEGER NOT NULL,
  updated_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS store_upgrades (
  version INTEGER PRIMARY KEY,
  kind TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS store_collections (
  name TEXT PRIMARY KEY,
  key_path TEXT NOT NULL,
  since_version INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS store_indexes (
  collection TEXT NOT NULL,
  name TEXT NOT NULL,
  key_path TEXT NOT NULL,
  is_unique INTEGER NOT NULL DEFAULT 0,
  since_version INTEGER NOT NULL,
  PRIMARY KEY (collection, name)
)`,
	`CREATE TABLE IF NOT EXISTS store_records (
  collection TEXT NOT NULL,
  id TEXT NOT NULL,
  doc TEXT NOT NULL,
  PRIMARY KEY (collection, id)
)`,
	`CREATE TABLE IF NOT EXISTS store_index_entries (
  collection TEXT NOT NULL,
  index_name TEXT NOT NULL,
  index_key TEXT NOT NULL,
  record_id TEXT NOT NULL,
  PRIMARY KEY (collection, index_name, record_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_store_index_entries_lookup ON store_index_entries (collection, index_name, index_key)`,
	`CREATE TABLE IF NOT EXISTS store_tombstones (
  collection TEXT NOT NULL,
  id TEXT NOT NULL,
  deleted_at TEXT NOT NULL,
  PRIMARY KEY (collection, id)
)`,
}

// migrate brings the store to target inside a single transaction. Nothing is
// written when the stored version is newer than what the registry knows.
func (s *Store) migrate(ctx context.Context, target int) error {
	name := s.reg.Name()
	fail := func(stored int, err error) error {
		return &OpenError{Kind: UpgradeFailed, Name: name, Stored: stored, Target: target, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail(0, err)
	}
	ctx = context.WithoutCancel(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(0, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()
	t := &txn{ctx: ctx, tx: tx, d: s.d}

	for _, stmt := range bootstrapDDL {
		if _, err := t.exec(stmt); err != nil {
			return fail(0, fmt.Errorf("bootstrap: %w", err))
		}
	}

	stored, err := t.storedVersion(name)
	if err != nil {
		return fail(0, err)
	}
	current := s.reg.CurrentRegisteredVersion()
	if stored > current || stored > target {
		// Rolled back on return, so the store is left exactly as found.
		return &OpenError{Kind: FutureVersion, Name: name, Stored: stored, Target: min(current, target)}
	}
	if target > current {
		return fail(stored, fmt.Errorf("version %d is not registered (newest is %d)", target, current))
	}

	t.catalog, err = t.loadCatalog()
	if err != nil {
		return fail(stored, err)
	}

	if stored < target {
		s.state = Upgrading
		if stored == 0 {
			err = t.create(s.reg, target)
			if err == nil {
				s.log.Info("store created", "version", target)
			}
		} else {
			for v := stored + 1; v <= target && err == nil; v++ {
				st, _ := s.reg.Step(v)
				if err = t.apply(st); err == nil {
					s.log.Info("store upgraded", "from", v-1, "to", v)
				}
			}
		}
		if err != nil {
			return fail(stored, err)
		}
		if err := t.setVersion(name, target); err != nil {
			return fail(stored, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fail(stored, fmt.Errorf("commit: %w", err))
	}
	s.version = target
	s.catalog = t.catalog
	return nil
}

func (t *txn) storedVersion(name string) (int, error) {
	var v int
	err := t.queryRow(`SELECT version FROM store_meta WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return v, nil
}

func (t *txn) setVersion(name string, v int) error {
	_, err := t.exec(`
		INSERT INTO store_meta (name, version, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
		name, v, nowText())
	if err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	return nil
}

func (t *txn) loadCatalog() (map[string][]schema.Index, error) {
	catalog := map[string][]schema.Index{}
	rows, err := t.query(`SELECT name FROM store_collections`)
	if err != nil {
		return nil, fmt.Errorf("load collections: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		catalog[name] = []schema.Index{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	irows, err := t.query(`SELECT collection, name, key_path, is_unique FROM store_indexes ORDER BY collection, name`)
	if err != nil {
		return nil, fmt.Errorf("load indexes: %w", err)
	}
	defer irows.Close()
	for irows.Next() {
		var (
			coll   string
			ix     schema.Index
			unique int
		)
		if err := irows.Scan(&coll, &ix.Name, &ix.KeyPath, &unique); err != nil {
			return nil, err
		}
		ix.Unique = unique != 0
		catalog[coll] = append(catalog[coll], ix)
	}
	return catalog, irows.Err()
}

func (t *txn) logUpgrade(version int, kind string) error {
	var n int
	if err := t.queryRow(`SELECT COUNT(*) FROM store_upgrades WHERE version = ?`, version).Scan(&n); err != nil {
		return fmt.Errorf("read upgrade log: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("version %d was already applied", version)
	}
	_, err := t.exec(`INSERT INTO store_upgrades (version, kind, applied_at) VALUES (?, ?, ?)`, version, kind, nowText())
	return err
}

// create lays out a fresh store at version v in one go.
func (t *txn) create(reg *schema.Registry, v int) error {
	if err := t.logUpgrade(v, "create"); err != nil {
		return err
	}
	for _, c := range reg.CollectionsAt(v) {
		if err := t.addCollection(c, v); err != nil {
			return err
		}
		for _, ix := range reg.IndexesFor(c.Name, v) {
			if err := t.addIndex(c.Name, ix, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// apply runs one version step: new collections, record conversions, then
// new indexes so that they see converted records.
func (t *txn) apply(st schema.Step) error {
	if err := t.logUpgrade(st.Version, "upgrade"); err != nil {
		return err
	}
	for _, c := range st.AddCollections {
		if err := t.addCollection(c, st.Version); err != nil {
			return err
		}
	}
	colls := make([]string, 0, len(st.Convert))
	for coll := range st.Convert {
		colls = append(colls, coll)
	}
	sort.Strings(colls)
	for _, coll := range colls {
		if err := t.convert(coll, st.Convert[coll]); err != nil {
			return fmt.Errorf("v%d convert %s: %w", st.Version, coll, err)
		}
	}
	for _, spec := range st.AddIndexes {
		if err := t.addIndex(spec.Collection, spec.Index, st.Version); err != nil {
			return fmt.Errorf("v%d: %w", st.Version, err)
		}
	}
	return nil
}

func (t *txn) addCollection(c schema.Collection, v int) error {
	if _, exists := t.catalog[c.Name]; exists {
		return fmt.Errorf("collection %s already exists", c.Name)
	}
	_, err := t.exec(`INSERT INTO store_collections (name, key_path, since_version) VALUES (?, ?, ?)`, c.Name, c.KeyPath, v)
	if err != nil {
		return fmt.Errorf("create collection %s: %w", c.Name, err)
	}
	t.catalog[c.Name] = []schema.Index{}
	return nil
}

// addIndex declares an index and builds its entries from the records already
// in the collection.
func (t *txn) addIndex(collection string, ix schema.Index, v int) error {
	existing, ok := t.catalog[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	unique := 0
	if ix.Unique {
		unique = 1
	}
	_, err := t.exec(`
		INSERT INTO store_indexes (collection, name, key_path, is_unique, since_version)
		VALUES (?, ?, ?, ?, ?)`, collection, ix.Name, ix.KeyPath, unique, v)
	if err != nil {
		return fmt.Errorf("create index %s on %s: %w", ix.Name, collection, err)
	}
	t.catalog[collection] = append(existing, ix)

	docs, err := t.allDocs(collection)
	if err != nil {
		return err
	}
	one := []schema.Index{ix}
	for _, doc := range docs {
		id, err := docID(doc)
		if err != nil {
			return err
		}
		if err := t.checkUnique(collection, id, doc, one); err != nil {
			return err
		}
		keys, err := indexKeys(doc, one)
		if err != nil {
			return err
		}
		key, ok := keys[ix.Name]
		if !ok {
			continue
		}
		_, err = t.exec(`
			INSERT INTO store_index_entries (collection, index_name, index_key, record_id)
			VALUES (?, ?, ?, ?)`, collection, ix.Name, key, id)
		if err != nil {
			return fmt.Errorf("backfill %s.%s: %w", collection, ix.Name, err)
		}
	}
	return nil
}

// convert rewrites every record of a collection. A conversion may reshape a
// record but never change its identifier.
func (t *txn) convert(collection string, fn schema.ConvertFunc) error {
	docs, err := t.allDocs(collection)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		id, err := docID(doc)
		if err != nil {
			return err
		}
		next, err := fn(doc)
		if err != nil {
			return fmt.Errorf("record %s: %w", id, err)
		}
		nextID, err := docID(next)
		if err != nil {
			return fmt.Errorf("record %s: %w", id, err)
		}
		if nextID != id {
			return fmt.Errorf("record %s: conversion changed identifier to %q", id, nextID)
		}
		if err := t.putDoc(collection, id, next); err != nil {
			return err
		}
	}
	return nil
}

func docID(doc []byte) (string, error) {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(doc, &head); err != nil {
		return "", fmt.Errorf("decode record: %w", err)
	}
	if head.ID == "" {
		return "", fmt.Errorf("record without id")
	}
	return head.ID, nil
}
