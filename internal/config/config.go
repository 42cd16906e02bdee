// Package config reads the Database open parameters §6 describes
// ({name, version, description, size}) plus an optional sidecar YAML file
// of per-collection index declarations, parsed directly rather than
// through any singleton so it can be read before a database is opened.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/beads-labs/docdb/internal/indexschema"
)

// Options are the parameters a caller passes to Connect. Size defaults to
// -1 (unbounded) per §6.
type Options struct {
	Name        string
	Version     int
	Description string
	Size        int64

	// ConfigPath, if set, names a sidecar YAML file (see File) listing
	// collections to pre-declare on open, per §3: "Collections: created
	// on first access or on database open (if listed in config)".
	ConfigPath string
}

// WithDefaults returns a copy of o with Size set to -1 when unset.
func (o Options) WithDefaults() Options {
	if o.Size == 0 {
		o.Size = -1
	}
	return o
}

// FieldSpec is one YAML-declared index field.
type FieldSpec struct {
	Path string `yaml:"path"`
	Type string `yaml:"type"`
}

// IndexSpec is one YAML-declared index: either a single path/type pair or
// a compound list of fields.
type IndexSpec struct {
	Path   string      `yaml:"path"`
	Type   string      `yaml:"type"`
	Fields []FieldSpec `yaml:"fields"`
	Unique bool        `yaml:"unique"`
}

// CollectionSpec declares a collection's indices ahead of first access.
type CollectionSpec struct {
	Name    string      `yaml:"name"`
	Indices []IndexSpec `yaml:"indices"`
}

// File is the shape of the optional sidecar YAML config: a list of
// collections to pre-declare on database open, matching §3's "Collections:
// created on first access or on database open (if listed in config)".
type File struct {
	Collections []CollectionSpec `yaml:"collections"`
}

// Load reads and parses the YAML file at path directly with yaml.v3,
// mirroring the pack's convention of bypassing any config singleton for
// settings needed before one exists. A missing file is not an error — it
// yields an empty File, since the sidecar is optional.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// Indices converts a CollectionSpec's declared indices into
// indexschema.Index values.
func (c CollectionSpec) Indices() ([]indexschema.Index, error) {
	out := make([]indexschema.Index, 0, len(c.Indices))
	for _, spec := range c.Indices {
		idx, err := spec.toIndex()
		if err != nil {
			return nil, fmt.Errorf("config: collection %s: %w", c.Name, err)
		}
		out = append(out, idx)
	}
	return out, nil
}

func (s IndexSpec) toIndex() (indexschema.Index, error) {
	if len(s.Fields) > 0 {
		fields := make([]indexschema.Field, len(s.Fields))
		for i, f := range s.Fields {
			fields[i] = indexschema.Field{Path: f.Path, Type: columnType(f.Type)}
		}
		return indexschema.NewCompoundIndex(s.Unique, fields...), nil
	}
	if s.Path == "" {
		return indexschema.Index{}, fmt.Errorf("index declaration missing path or fields")
	}
	return indexschema.NewIndex(s.Path, columnType(s.Type), s.Unique), nil
}

func columnType(s string) indexschema.ColumnType {
	if s == "" {
		return indexschema.V32
	}
	return indexschema.ColumnType(s)
}
