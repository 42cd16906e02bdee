package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWithDefaultsFillsSize(t *testing.T) {
	o := Options{Name: "app"}.WithDefaults()
	if o.Size != -1 {
		t.Fatalf("Size = %d, want -1", o.Size)
	}
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Collections) != 0 {
		t.Fatalf("expected empty File, got %+v", f)
	}
}

func TestLoadParsesCollectionsAndIndices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docdb.yaml")
	contents := `
collections:
  - name: todos
    indices:
      - path: done
        type: BOOLEAN
      - fields:
          - path: user.id
          - path: priority
            type: INT
        unique: true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Collections) != 1 || f.Collections[0].Name != "todos" {
		t.Fatalf("unexpected collections: %+v", f.Collections)
	}

	indices, err := f.Collections[0].Indices()
	if err != nil {
		t.Fatalf("Indices: %v", err)
	}
	if len(indices) != 2 {
		t.Fatalf("got %d indices, want 2", len(indices))
	}
	if len(indices[0].Fields) != 1 || indices[0].Fields[0].Path != "done" {
		t.Fatalf("unexpected single index: %+v", indices[0])
	}
	if len(indices[1].Fields) != 2 || !indices[1].Unique {
		t.Fatalf("unexpected compound index: %+v", indices[1])
	}
	if indices[1].Fields[1].Type != "INT" {
		t.Fatalf("expected explicit INT type, got %v", indices[1].Fields[1].Type)
	}
	if indices[1].Fields[0].Type != "V32" {
		t.Fatalf("expected default V32 type, got %v", indices[1].Fields[0].Type)
	}
}
