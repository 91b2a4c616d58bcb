package catalog

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewDefaults(t *testing.T) {
	c := New(nil, testLogger())
	if c.Len() != 7 {
		t.Errorf("Expected 7 default study types, got %d", c.Len())
	}
	if c.List()[0] != DefaultStudyType {
		t.Errorf("Expected %q first, got %q", DefaultStudyType, c.List()[0])
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "studies.txt")
	if err := os.WriteFile(path, []byte("CT Thorax\n\n  MRT Knie  \nCT Thorax\n"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	c := Load(path, testLogger())
	got := c.List()
	if strings.Join(got, "|") != "CT Thorax|MRT Knie" {
		t.Errorf("Unexpected study types %v", got)
	}

	missing := Load(filepath.Join(dir, "missing.txt"), testLogger())
	if missing.Len() != len(DefaultStudyTypes) {
		t.Errorf("Expected defaults for missing file, got %v", missing.List())
	}

	empty := filepath.Join(dir, "empty.txt")
	_ = os.WriteFile(empty, []byte("\n \n"), 0644)
	if Load(empty, testLogger()).Len() != len(DefaultStudyTypes) {
		t.Error("Expected defaults for empty file")
	}

	unreadable := Load(dir, testLogger())
	if unreadable.Len() != len(fallbackStudyTypes) {
		t.Errorf("Expected fallback list for unreadable path, got %v", unreadable.List())
	}
}

func TestResolve(t *testing.T) {
	c := New([]string{"CT Thorax", "MRT Kopf"}, testLogger())

	tests := []struct {
		input     string
		want      string
		expectErr bool
	}{
		{input: "", want: DefaultStudyType},
		{input: "  ", want: DefaultStudyType},
		{input: " MRT Kopf ", want: "MRT Kopf"},
		{input: "PET CT", expectErr: true},
	}

	for _, tt := range tests {
		got, err := c.Resolve(tt.input)
		if tt.expectErr {
			if !errors.Is(err, ErrUnknownStudyType) {
				t.Errorf("Resolve(%q): expected ErrUnknownStudyType, got %v", tt.input, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Resolve(%q) = %q, %v; want %q", tt.input, got, err, tt.want)
		}
	}
}

func TestListIsCopy(t *testing.T) {
	c := New(nil, testLogger())
	list := c.List()
	list[0] = "changed"
	if c.List()[0] != DefaultStudyType {
		t.Error("List must not expose internal storage")
	}
}
