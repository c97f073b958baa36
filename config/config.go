// Package config handles gencollect.toml runtime configuration.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/gencollect/vm"
	"github.com/dustin/go-humanize"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "gencollect.toml"

// ErrNotFound is returned by FindAndLoad when no configuration file exists
// in the start directory or any of its parents.
var ErrNotFound = errors.New("no " + FileName + " found")

// Config represents a gencollect.toml file.
type Config struct {
	Heap    Heap    `toml:"heap"`
	InTray  InTray  `toml:"intray"`
	Roots   Roots   `toml:"roots"`
	Log     Log     `toml:"log"`
	History History `toml:"history"`

	// Dir is the directory containing the file (set at load time).
	Dir string `toml:"-"`
}

// Heap sizes the per-thread allocators. Sizes accept human-readable
// values such as "4 MiB" or "512KB".
type Heap struct {
	NurserySize string `toml:"nursery-size"`
	FullEvery   uint64 `toml:"full-every"`
	PageItems   int    `toml:"page-items"`
	MaxBinSize  string `toml:"max-bin-size"`
}

// InTray tunes cross-thread work hand-off.
type InTray struct {
	BatchSize int `toml:"batch-size"`
	Depth     int `toml:"depth"`
}

// Roots sizes the root registries.
type Roots struct {
	PermanentHint int `toml:"permanent-hint"`
}

// Log configures diagnostics.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// History configures the collection history database.
type History struct {
	Path string `toml:"path"`
}

// Load parses the gencollect.toml file in dir.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// Parse decodes configuration text. Unknown keys are an error.
func Parse(data []byte) (*Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a gencollect.toml file and
// loads it. It returns ErrNotFound when there is none.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ErrNotFound
		}
		dir = parent
	}
}

// VMOptions converts the configuration into runtime options. Unset
// values keep the runtime defaults; the result is validated.
func (c *Config) VMOptions() (vm.Options, error) {
	opts := vm.DefaultOptions()

	if c.Heap.NurserySize != "" {
		n, err := parseSize("heap.nursery-size", c.Heap.NurserySize)
		if err != nil {
			return opts, err
		}
		opts.NurserySize = n
	}
	if c.Heap.MaxBinSize != "" {
		n, err := parseSize("heap.max-bin-size", c.Heap.MaxBinSize)
		if err != nil {
			return opts, err
		}
		opts.Gen2MaxBinSize = n
	}
	if c.Heap.FullEvery != 0 {
		opts.FullCollectEvery = c.Heap.FullEvery
	}
	if c.Heap.PageItems != 0 {
		opts.Gen2PageItems = c.Heap.PageItems
	}
	if c.InTray.BatchSize != 0 {
		opts.InTrayBatchSize = c.InTray.BatchSize
	}
	if c.InTray.Depth != 0 {
		opts.InTrayDepth = c.InTray.Depth
	}
	if c.Roots.PermanentHint != 0 {
		opts.PermanentRootHint = c.Roots.PermanentHint
	}

	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("%s: %w", FileName, err)
	}
	return opts, nil
}

// HistoryPath returns the history database path, resolved against the
// configuration directory. It is empty when history is disabled.
func (c *Config) HistoryPath() string {
	if c.History.Path == "" || filepath.IsAbs(c.History.Path) {
		return c.History.Path
	}
	return filepath.Join(c.Dir, c.History.Path)
}

func parseSize(key, s string) (uint32, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("%s: %s exceeds %s", key, s, humanize.IBytes(math.MaxUint32))
	}
	return uint32(n), nil
}
