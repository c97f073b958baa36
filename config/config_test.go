package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/gencollect/vm"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[heap]
nursery-size = "512 KiB"
full-every = 4
page-items = 128
max-bin-size = "8KiB"

[intray]
batch-size = 32
depth = 2

[roots]
permanent-hint = 10

[log]
verbosity = 2

[history]
path = "gc.db"
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Heap.NurserySize != "512 KiB" || c.Heap.FullEvery != 4 {
		t.Errorf("heap = %+v", c.Heap)
	}
	if c.Log.Verbosity != 2 {
		t.Errorf("log verbosity = %d, want 2", c.Log.Verbosity)
	}
	if got, want := c.HistoryPath(), filepath.Join(c.Dir, "gc.db"); got != want {
		t.Errorf("HistoryPath = %q, want %q", got, want)
	}

	opts, err := c.VMOptions()
	if err != nil {
		t.Fatalf("VMOptions: %v", err)
	}
	want := vm.Options{
		NurserySize:       512 << 10,
		FullCollectEvery:  4,
		Gen2PageItems:     128,
		Gen2MaxBinSize:    8 << 10,
		InTrayBatchSize:   32,
		InTrayDepth:       2,
		PermanentRootHint: 10,
	}
	if opts != want {
		t.Errorf("VMOptions = %+v, want %+v", opts, want)
	}
}

func TestEmptyConfigKeepsDefaults(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	opts, err := c.VMOptions()
	if err != nil {
		t.Fatalf("VMOptions: %v", err)
	}
	if opts != vm.DefaultOptions() {
		t.Errorf("VMOptions = %+v, want defaults", opts)
	}
	if c.HistoryPath() != "" {
		t.Errorf("history enabled without a path")
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "[heap]\nnursery = 1\n", "unknown key heap.nursery"},
		{"bad size", "[heap]\nnursery-size = \"lots\"\n", "heap.nursery-size"},
		{"size overflow", "[heap]\nmax-bin-size = \"8 GiB\"\n", "exceeds"},
		{"nursery too small", "[heap]\nnursery-size = \"64B\"\n", "too small"},
		{"negative depth", "[intray]\ndepth = -1\n", "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse([]byte(tt.content))
			if err == nil {
				_, err = c.VMOptions()
			}
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[heap]\nfull-every = 7\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	if c.Heap.FullEvery != 7 {
		t.Errorf("full-every = %d, want 7", c.Heap.FullEvery)
	}
	abs, _ := filepath.Abs(root)
	if c.Dir != abs {
		t.Errorf("Dir = %q, want %q", c.Dir, abs)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	// A gencollect.toml above the temp directory would be found
	// legitimately, so only other failures count.
	if _, err := FindAndLoad(t.TempDir()); err != nil && !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindAndLoad: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error for missing file")
	}
}
