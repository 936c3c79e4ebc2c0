// Package schema declares the collections and secondary indexes of the report
// store for every schema version, and how records move from one version to
// the next.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Index is a secondary index over one field of a collection's records.
type Index struct {
	Name    string
	KeyPath string
	Unique  bool
}

// Collection is a named set of records sharing one shape. Records are keyed
// by their "id" field.
type Collection struct {
	Name    string
	KeyPath string
	// Shape is a value of the record type; index key paths are checked
	// against its JSON field names.
	Shape any
}

// IndexSpec adds Index to an existing collection.
type IndexSpec struct {
	Collection string
	Index      Index
}

// ConvertFunc rewrites one stored record into the shape of the step's version.
type ConvertFunc func(doc json.RawMessage) (json.RawMessage, error)

// Step moves a store from Version-1 to Version.
type Step struct {
	Version        int
	AddCollections []Collection
	AddIndexes     []IndexSpec
	// Convert maps a collection name to the transformation applied to each of
	// its records during the upgrade.
	Convert map[string]ConvertFunc
}

type Registry struct {
	name  string
	steps []Step
}

// NewRegistry validates the version history and returns it as a registry.
// Steps must be numbered 1..n without gaps.
func NewRegistry(name string, steps ...Step) (*Registry, error) {
	if name == "" {
		return nil, fmt.Errorf("schema: registry name is required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("schema %s: no versions declared", name)
	}
	shapes := map[string]reflect.Type{}
	indexes := map[string]map[string]struct{}{}
	for i, st := range steps {
		if st.Version != i+1 {
			return nil, fmt.Errorf("schema %s: step %d declares version %d", name, i+1, st.Version)
		}
		for _, c := range st.AddCollections {
			if c.Name == "" {
				return nil, fmt.Errorf("schema %s v%d: unnamed collection", name, st.Version)
			}
			if c.KeyPath != "id" {
				return nil, fmt.Errorf("schema %s v%d: collection %s must be keyed by id, not %q", name, st.Version, c.Name, c.KeyPath)
			}
			if _, exists := shapes[c.Name]; exists {
				return nil, fmt.Errorf("schema %s v%d: collection %s already exists", name, st.Version, c.Name)
			}
			if c.Shape == nil {
				return nil, fmt.Errorf("schema %s v%d: collection %s has no record shape", name, st.Version, c.Name)
			}
			t := reflect.TypeOf(c.Shape)
			if err := resolvePath(t, c.KeyPath); err != nil {
				return nil, fmt.Errorf("schema %s v%d: key path of %s: %w", name, st.Version, c.Name, err)
			}
			shapes[c.Name] = t
			indexes[c.Name] = map[string]struct{}{}
		}
		for _, spec := range st.AddIndexes {
			t, ok := shapes[spec.Collection]
			if !ok {
				return nil, fmt.Errorf("schema %s v%d: index %s on unknown collection %s", name, st.Version, spec.Index.Name, spec.Collection)
			}
			if spec.Index.Name == "" {
				return nil, fmt.Errorf("schema %s v%d: unnamed index on %s", name, st.Version, spec.Collection)
			}
			if _, dup := indexes[spec.Collection][spec.Index.Name]; dup {
				return nil, fmt.Errorf("schema %s v%d: index %s already exists on %s", name, st.Version, spec.Index.Name, spec.Collection)
			}
			if err := resolvePath(t, spec.Index.KeyPath); err != nil {
				return nil, fmt.Errorf("schema %s v%d: index %s on %s: %w", name, st.Version, spec.Index.Name, spec.Collection, err)
			}
			indexes[spec.Collection][spec.Index.Name] = struct{}{}
		}
		for coll := range st.Convert {
			if _, ok := shapes[coll]; !ok {
				return nil, fmt.Errorf("schema %s v%d: conversion for unknown collection %s", name, st.Version, coll)
			}
		}
	}
	return &Registry{name: name, steps: steps}, nil
}

// MustRegistry is NewRegistry for histories declared in code.
func MustRegistry(name string, steps ...Step) *Registry {
	r, err := NewRegistry(name, steps...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Name() string { return r.name }

// CurrentRegisteredVersion is the newest version the registry knows about.
func (r *Registry) CurrentRegisteredVersion() int { return len(r.steps) }

// Step returns the step that produces version v.
func (r *Registry) Step(v int) (Step, bool) {
	if v < 1 || v > len(r.steps) {
		return Step{}, false
	}
	return r.steps[v-1], true
}

// CollectionsAt returns the collections that exist at version v, by name.
func (r *Registry) CollectionsAt(v int) []Collection {
	var out []Collection
	for _, st := range r.upTo(v) {
		out = append(out, st.AddCollections...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IndexesFor returns the indexes of collection at version v, by name.
func (r *Registry) IndexesFor(collection string, v int) []Index {
	var out []Index
	for _, st := range r.upTo(v) {
		for _, spec := range st.AddIndexes {
			if spec.Collection == collection {
				out = append(out, spec.Index)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) upTo(v int) []Step {
	if v > len(r.steps) {
		v = len(r.steps)
	}
	if v < 0 {
		v = 0
	}
	return r.steps[:v]
}

// resolvePath walks a dotted key path through the JSON field names of t.
func resolvePath(t reflect.Type, path string) error {
	if path == "" {
		return fmt.Errorf("empty key path")
	}
	for _, seg := range strings.Split(path, ".") {
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t.Kind() != reflect.Struct {
			return fmt.Errorf("%q: %s is not an object", path, t)
		}
		f, ok := jsonField(t, seg)
		if !ok {
			return fmt.Errorf("%q: no field %q in %s", path, seg, t)
		}
		t = f.Type
	}
	return nil
}

func jsonField(t reflect.Type, name string) (reflect.StructField, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		tagName, _, _ := strings.Cut(tag, ",")
		if tagName == "" {
			tagName = f.Name
		}
		if tagName == name {
			return f, true
		}
	}
	return reflect.StructField{}, false
}
