package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yourorg/report-store/internal/model"
)

// Record is a value stored in a collection, keyed by its identifier.
type Record interface {
	RecordID() string
}

// Collection is typed access to one collection of a Store. Every method is
// atomic on its own; use a Coordinator for writes spanning collections.
type Collection[T Record] struct {
	store *Store
	name  string
}

// NewCollection binds name in s to the record type T. The collection must
// exist at the version the store was opened at.
func NewCollection[T Record](s *Store, name string) (*Collection[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return nil, ErrStoreUnavailable
	}
	if _, ok := s.catalog[name]; !ok {
		return nil, fmt.Errorf("%w: %s at version %d", ErrUnknownCollection, name, s.version)
	}
	return &Collection[T]{store: s, name: name}, nil
}

func (c *Collection[T]) Name() string { return c.name }

// Get returns the record with id; ok is false when there is none.
func (c *Collection[T]) Get(ctx context.Context, id string) (rec T, ok bool, err error) {
	err = c.store.run(ctx, func(t *txn) error {
		rec, ok, err = c.get(t, id)
		return err
	})
	return rec, ok, err
}

// GetAll returns every record. Callers must not rely on the order.
func (c *Collection[T]) GetAll(ctx context.Context) ([]T, error) {
	var out []T
	err := c.store.run(ctx, func(t *txn) error {
		docs, err := t.allDocs(c.name)
		if err != nil {
			return err
		}
		out, err = c.decodeAll(docs)
		return err
	})
	return out, err
}

func (c *Collection[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := c.store.run(ctx, func(t *txn) (err error) {
		n, err = t.countDocs(c.name)
		return err
	})
	return n, err
}

// Put inserts rec or replaces the record with the same identifier.
func (c *Collection[T]) Put(ctx context.Context, rec T) error {
	return c.store.run(ctx, func(t *txn) error { return c.put(t, rec) })
}

// Add inserts rec; it fails with a DuplicateKeyError when the identifier is
// in use or was used by a deleted record.
func (c *Collection[T]) Add(ctx context.Context, rec T) (T, error) {
	err := c.store.run(ctx, func(t *txn) error { return c.add(t, rec) })
	if err != nil {
		var zero T
		return zero, err
	}
	return rec, nil
}

// Delete removes the record with id. A missing record is not an error.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.store.run(ctx, func(t *txn) error {
		_, err := c.del(t, id)
		return err
	})
}

// QueryByIndex returns the records whose key in index falls within r,
// ordered by key.
func (c *Collection[T]) QueryByIndex(ctx context.Context, index string, r KeyRange) ([]T, error) {
	var out []T
	err := c.store.run(ctx, func(t *txn) (err error) {
		out, err = c.query(t, index, r)
		return err
	})
	return out, err
}

func (c *Collection[T]) get(t *txn, id string) (T, bool, error) {
	var rec T
	doc, ok, err := t.getDoc(c.name, id)
	if err != nil || !ok {
		return rec, false, err
	}
	if err := json.Unmarshal(doc, &rec); err != nil {
		return rec, false, fmt.Errorf("decode %s/%s: %w", c.name, id, err)
	}
	return rec, true, nil
}

func (c *Collection[T]) encode(rec T) (string, []byte, error) {
	id := rec.RecordID()
	if id == "" {
		return "", nil, &model.ValidationError{Field: "id", Reason: "empty identifier"}
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s/%s: %w", c.name, id, err)
	}
	return id, doc, nil
}

func (c *Collection[T]) put(t *txn, rec T) error {
	id, doc, err := c.encode(rec)
	if err != nil {
		return err
	}
	return t.putDoc(c.name, id, doc)
}

func (c *Collection[T]) add(t *txn, rec T) error {
	id, doc, err := c.encode(rec)
	if err != nil {
		return err
	}
	return t.insertDoc(c.name, id, doc)
}

func (c *Collection[T]) del(t *txn, id string) (bool, error) {
	return t.deleteDoc(c.name, id)
}

func (c *Collection[T]) query(t *txn, index string, r KeyRange) ([]T, error) {
	docs, err := t.queryIndex(c.name, index, r)
	if err != nil {
		return nil, err
	}
	return c.decodeAll(docs)
}

func (c *Collection[T]) decodeAll(docs [][]byte) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var rec T
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", c.name, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// View is read-only access to a collection.
type View[T Record] struct {
	c *Collection[T]
}

func (v View[T]) Get(ctx context.Context, id string) (T, bool, error) { return v.c.Get(ctx, id) }

func (v View[T]) GetAll(ctx context.Context) ([]T, error) { return v.c.GetAll(ctx) }

func (v View[T]) Count(ctx context.Context) (int, error) { return v.c.Count(ctx) }

func (v View[T]) QueryByIndex(ctx context.Context, index string, r KeyRange) ([]T, error) {
	return v.c.QueryByIndex(ctx, index, r)
}
