package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDescriptorMapEmptyPath(t *testing.T) {
	m, err := LoadDescriptorMap("")
	if err != nil {
		t.Fatalf("LoadDescriptorMap(\"\"): %v", err)
	}
	if len(m) != 0 {
		t.Fatalf("expected empty map, got %v", m)
	}
}

func TestLoadDescriptorMapParsesEndpoints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "descriptors.json")
	body := `{"endpoints":[{"eid":5,"descriptors":[{"type":1,"value":"qg=="}]}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	m, err := LoadDescriptorMap(path)
	if err != nil {
		t.Fatalf("LoadDescriptorMap: %v", err)
	}
	ep, ok := m[5]
	if !ok {
		t.Fatalf("expected endpoint 5 in map, got %v", m)
	}
	if len(ep.Descriptors) != 1 || ep.Descriptors[0].Type != 1 {
		t.Fatalf("unexpected descriptors: %+v", ep.Descriptors)
	}
}

func TestLoadDescriptorMapMissingFile(t *testing.T) {
	if _, err := LoadDescriptorMap("/nonexistent/path.json"); err == nil {
		t.Fatal("expected error for missing descriptor map file")
	}
}
