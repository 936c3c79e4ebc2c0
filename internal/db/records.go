package db

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yourorg/report-store/internal/schema"
)

// KeyRange selects index keys. Bounds are inclusive; a nil bound is open.
// Keys compare as text, so dates must be stored as YYYY-MM-DD.
type KeyRange struct {
	Lower *string
	Upper *string
}

// Only matches exactly key.
func Only(key string) KeyRange { return KeyRange{Lower: &key, Upper: &key} }

// Between matches lower <= key <= upper.
func Between(lower, upper string) KeyRange { return KeyRange{Lower: &lower, Upper: &upper} }

func AtLeast(lower string) KeyRange { return KeyRange{Lower: &lower} }

func AtMost(upper string) KeyRange { return KeyRange{Upper: &upper} }

// indexKeys extracts the key of every index from a JSON document. Records
// whose key path is missing, null, or not a scalar are left out of that index.
func indexKeys(doc []byte, idx []schema.Index) (map[string]string, error) {
	if len(idx) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	keys := make(map[string]string, len(idx))
	for _, ix := range idx {
		if k, ok := lookup(root, ix.KeyPath); ok {
			keys[ix.Name] = k
		}
	}
	return keys, nil
}

func lookup(root map[string]any, path string) (string, bool) {
	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[seg]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		if v {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

func (t *txn) indexesOf(collection string) ([]schema.Index, error) {
	idx, ok := t.catalog[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return idx, nil
}

func (t *txn) getDoc(collection, id string) ([]byte, bool, error) {
	var doc string
	err := t.queryRow(`SELECT doc FROM store_records WHERE collection = ? AND id = ?`, collection, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return []byte(doc), true, nil
}

func (t *txn) retired(collection, id string) (bool, error) {
	var n int
	err := t.queryRow(`SELECT COUNT(*) FROM store_tombstones WHERE collection = ? AND id = ?`, collection, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check tombstone %s/%s: %w", collection, id, err)
	}
	return n > 0, nil
}

// insertDoc adds a new record. The identifier must be unused and never
// have been deleted.
func (t *txn) insertDoc(collection, id string, doc []byte) error {
	idx, err := t.indexesOf(collection)
	if err != nil {
		return err
	}
	if _, exists, err := t.getDoc(collection, id); err != nil {
		return err
	} else if exists {
		return &DuplicateKeyError{Collection: collection, ID: id}
	}
	if gone, err := t.retired(collection, id); err != nil {
		return err
	} else if gone {
		return &DuplicateKeyError{Collection: collection, ID: id, Retired: true}
	}
	if err := t.checkUnique(collection, id, doc, idx); err != nil {
		return err
	}
	_, err = t.exec(`INSERT INTO store_records (collection, id, doc) VALUES (?, ?, ?)`, collection, id, string(doc))
	if err != nil {
		return classifyWriteError(err, collection, id)
	}
	return t.writeEntries(collection, id, doc, idx)
}

// putDoc inserts or replaces a record.
func (t *txn) putDoc(collection, id string, doc []byte) error {
	idx, err := t.indexesOf(collection)
	if err != nil {
		return err
	}
	if gone, err := t.retired(collection, id); err != nil {
		return err
	} else if gone {
		return &ConstraintError{Collection: collection, ID: id, Reason: "identifier was retired by a delete"}
	}
	if err := t.checkUnique(collection, id, doc, idx); err != nil {
		return err
	}
	_, err = t.exec(`
		INSERT INTO store_records (collection, id, doc) VALUES (?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET doc = excluded.doc`,
		collection, id, string(doc))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, id, err)
	}
	return t.writeEntries(collection, id, doc, idx)
}

// deleteDoc removes a record and retires its identifier. Deleting a missing
// record is not an error.
func (t *txn) deleteDoc(collection, id string) (bool, error) {
	if _, err := t.indexesOf(collection); err != nil {
		return false, err
	}
	res, err := t.exec(`DELETE FROM store_records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := t.exec(`DELETE FROM store_index_entries WHERE collection = ? AND record_id = ?`, collection, id); err != nil {
		return false, fmt.Errorf("delete index entries %s/%s: %w", collection, id, err)
	}
	_, err = t.exec(`
		INSERT INTO store_tombstones (collection, id, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT (collection, id) DO NOTHING`, collection, id, nowText())
	if err != nil {
		return false, fmt.Errorf("retire %s/%s: %w", collection, id, err)
	}
	return true, nil
}

func (t *txn) checkUnique(collection, id string, doc []byte, idx []schema.Index) error {
	var unique []schema.Index
	for _, ix := range idx {
		if ix.Unique {
			unique = append(unique, ix)
		}
	}
	if len(unique) == 0 {
		return nil
	}
	keys, err := indexKeys(doc, unique)
	if err != nil {
		return err
	}
	for _, ix := range unique {
		key, ok := keys[ix.Name]
		if !ok {
			continue
		}
		var other string
		err := t.queryRow(`
			SELECT record_id FROM store_index_entries
			WHERE collection = ? AND index_name = ? AND index_key = ? AND record_id <> ?
			LIMIT 1`, collection, ix.Name, key, id).Scan(&other)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("check unique %s.%s: %w", collection, ix.Name, err)
		}
		return &ConstraintError{
			Collection: collection,
			ID:         id,
			Reason:     fmt.Sprintf("index %s key %q already used by %s", ix.Name, key, other),
		}
	}
	return nil
}

// writeEntries replaces the index entries of one record.
func (t *txn) writeEntries(collection, id string, doc []byte, idx []schema.Index) error {
	if _, err := t.exec(`DELETE FROM store_index_entries WHERE collection = ? AND record_id = ?`, collection, id); err != nil {
		return fmt.Errorf("clear index entries %s/%s: %w", collection, id, err)
	}
	keys, err := indexKeys(doc, idx)
	if err != nil {
		return err
	}
	for name, key := range keys {
		_, err := t.exec(`
			INSERT INTO store_index_entries (collection, index_name, index_key, record_id)
			VALUES (?, ?, ?, ?)`, collection, name, key, id)
		if err != nil {
			return fmt.Errorf("index %s/%s on %s: %w", collection, id, name, err)
		}
	}
	return nil
}

func (t *txn) allDocs(collection string) ([][]byte, error) {
	if _, err := t.indexesOf(collection); err != nil {
		return nil, err
	}
	rows, err := t.query(`SELECT doc FROM store_records WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	return collectDocs(rows)
}

func (t *txn) countDocs(collection string) (int, error) {
	if _, err := t.indexesOf(collection); err != nil {
		return 0, err
	}
	var n int
	if err := t.queryRow(`SELECT COUNT(*) FROM store_records WHERE collection = ?`, collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

func (t *txn) queryIndex(collection, index string, r KeyRange) ([][]byte, error) {
	idx, err := t.indexesOf(collection)
	if err != nil {
		return nil, err
	}
	found := false
	for _, ix := range idx {
		if ix.Name == index {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownIndex, index, collection)
	}

	q := `
		SELECT r.doc FROM store_index_entries e
		JOIN store_records r ON r.collection = e.collection AND r.id = e.record_id
		WHERE e.collection = ? AND e.index_name = ?`
	args := []any{collection, index}
	if r.Lower != nil {
		q += ` AND e.index_key >= ?`
		args = append(args, *r.Lower)
	}
	if r.Upper != nil {
		q += ` AND e.index_key <= ?`
		args = append(args, *r.Upper)
	}
	q += ` ORDER BY e.index_key, e.record_id`

	rows, err := t.query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s.%s: %w", collection, index, err)
	}
	return collectDocs(rows)
}

func collectDocs(rows *sql.Rows) ([][]byte, error) {
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, []byte(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
