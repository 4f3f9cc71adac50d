// Package config loads the YAML-backed configuration cmd/kubrickd runs a
// JobDirector from, the way the teacher's internal/budget and
// internal/ratelimit packages load their own yaml.v3 structs: a plain
// os.ReadFile + yaml.Unmarshal, with defaults filled in after.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/kubrick/internal/director"
)

// StoreBackend names which internal/store implementation a director runs
// on top of (spec §4.3's two layouts).
type StoreBackend string

const (
	StoreBackendFS     StoreBackend = "fs"
	StoreBackendSQLite StoreBackend = "sqlite"
)

// StoreConfig selects and locates a SubmissionStore backend.
type StoreConfig struct {
	// Backend is "fs" (internal/store/fsstore, a directory tree) or
	// "sqlite" (internal/store/sqlitestore, a single database file).
	// Defaults to "fs".
	Backend StoreBackend `yaml:"backend"`
	// Path is the fsstore root directory or the sqlitestore database
	// file, depending on Backend.
	Path string `yaml:"path"`
}

// DirectorConfig is the top-level document a kubrickd.yaml file decodes
// into.
type DirectorConfig struct {
	// ID is this director's DirectorId (spec §3's grammar).
	ID string `yaml:"id"`
	// Role is "principal" or "assistant". Defaults to "principal".
	Role  string      `yaml:"role"`
	Store StoreConfig `yaml:"store"`
	// DedupWindow is in nanoseconds, matching the teacher's
	// time.Duration yaml fields (e.g. internal/budget.BudgetConfig).
	// Defaults to 5 minutes when zero.
	DedupWindow time.Duration `yaml:"dedup_window"`
}

const defaultDedupWindow = 5 * time.Minute

// Load reads and decodes a DirectorConfig from path, filling in defaults
// for any field the document leaves zero.
func Load(path string) (*DirectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg DirectorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *DirectorConfig) applyDefaults() {
	if c.Role == "" {
		c.Role = "principal"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreBackendFS
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = defaultDedupWindow
	}
}

// Validate checks that a loaded config is well-formed.
func (c DirectorConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.Role != "principal" && c.Role != "assistant" {
		return fmt.Errorf("role must be \"principal\" or \"assistant\", got %q", c.Role)
	}
	if c.Store.Backend != StoreBackendFS && c.Store.Backend != StoreBackendSQLite {
		return fmt.Errorf("store.backend must be \"fs\" or \"sqlite\", got %q", c.Store.Backend)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}

// RoleValue converts Role to an internal/director.Role.
func (c DirectorConfig) RoleValue() director.Role {
	if c.Role == "assistant" {
		return director.RoleAssistant
	}
	return director.RolePrincipal
}
