// Package config loads the per-session configuration file.
//
// A session directory holds everything gridtrace owns: the HCL config, the
// sqlite database and the control block. The acquisition directory is never
// written to.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const FileName = "gridtrace.hcl"

// Config is the decoded and validated session configuration.
type Config struct {
	// AcquisitionRoot is the EPU output directory to scan and watch.
	AcquisitionRoot string
	// ProcessingDirs are pipeline output directories joined against the
	// acquisition hierarchy. Relative paths resolve against AcquisitionRoot.
	ProcessingDirs []string
	DatabasePath   string
	ControlPath    string
	MetricsAddr    string

	QueueBound int
	Workers    int

	Watch  WatchSettings
	Report ReportSettings
	Export ExportSettings
}

type WatchSettings struct {
	Debounce       time.Duration
	RescanInterval time.Duration
	Ignore         []string
}

type ReportSettings struct {
	// ChildGrace is how long a non-leaf node may stay childless before it
	// counts as missing children. Acquisition is live: a fresh grid square
	// with no foil holes yet is expected, not broken.
	ChildGrace time.Duration
	// ResultGrace is the same allowance for processing results.
	ResultGrace time.Duration
	// RequiredKinds is the set of result kinds every exposure must
	// eventually accumulate.
	RequiredKinds []string
}

type ExportSettings struct {
	// Columns restricts and orders the exported column set. Empty means the
	// default denormalized set.
	Columns []string
	Format  string
}

// fileConfig is the raw HCL shape. Durations are strings so the file stays
// human-editable ("15m", "1h30m").
type fileConfig struct {
	AcquisitionRoot string       `hcl:"acquisition_root"`
	ProcessingDirs  []string     `hcl:"processing_dirs,optional"`
	DatabasePath    string       `hcl:"database_path,optional"`
	ControlPath     string       `hcl:"control_path,optional"`
	MetricsAddr     string       `hcl:"metrics_addr,optional"`
	QueueBound      int          `hcl:"queue_bound,optional"`
	Workers         int          `hcl:"workers,optional"`
	Watch           *watchBlock  `hcl:"watch,block"`
	Report          *reportBlock `hcl:"report,block"`
	Export          *exportBlock `hcl:"export,block"`
}

type watchBlock struct {
	Debounce       string   `hcl:"debounce,optional"`
	RescanInterval string   `hcl:"rescan_interval,optional"`
	Ignore         []string `hcl:"ignore,optional"`
}

type reportBlock struct {
	ChildGrace    string   `hcl:"child_grace,optional"`
	ResultGrace   string   `hcl:"result_grace,optional"`
	RequiredKinds []string `hcl:"required_kinds,optional"`
}

type exportBlock struct {
	Columns []string `hcl:"columns,optional"`
	Format  string   `hcl:"format,optional"`
}

// Load reads and validates the config in sessionDir. Validation failures
// here are the only fatal startup errors: everything downstream is designed
// to degrade per-file instead.
func Load(sessionDir string) (*Config, error) {
	path := filepath.Join(sessionDir, FileName)
	var raw fileConfig
	if err := hclsimple.DecodeFile(path, nil, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg := &Config{
		AcquisitionRoot: raw.AcquisitionRoot,
		ProcessingDirs:  raw.ProcessingDirs,
		DatabasePath:    raw.DatabasePath,
		ControlPath:     raw.ControlPath,
		MetricsAddr:     raw.MetricsAddr,
		QueueBound:      raw.QueueBound,
		Workers:         raw.Workers,
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(sessionDir, "gridtrace.db")
	}
	if cfg.ControlPath == "" {
		cfg.ControlPath = filepath.Join(sessionDir, "gridtrace.ctrl")
	}
	if cfg.QueueBound <= 0 {
		cfg.QueueBound = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	var err error
	cfg.Watch = WatchSettings{Debounce: 500 * time.Millisecond, RescanInterval: 2 * time.Minute}
	if raw.Watch != nil {
		if cfg.Watch.Debounce, err = duration(raw.Watch.Debounce, cfg.Watch.Debounce); err != nil {
			return nil, fmt.Errorf("watch.debounce: %w", err)
		}
		if cfg.Watch.RescanInterval, err = duration(raw.Watch.RescanInterval, cfg.Watch.RescanInterval); err != nil {
			return nil, fmt.Errorf("watch.rescan_interval: %w", err)
		}
		cfg.Watch.Ignore = raw.Watch.Ignore
	}

	cfg.Report = ReportSettings{
		ChildGrace:    10 * time.Minute,
		ResultGrace:   30 * time.Minute,
		RequiredKinds: []string{"motioncorrection", "ctf"},
	}
	if raw.Report != nil {
		if cfg.Report.ChildGrace, err = duration(raw.Report.ChildGrace, cfg.Report.ChildGrace); err != nil {
			return nil, fmt.Errorf("report.child_grace: %w", err)
		}
		if cfg.Report.ResultGrace, err = duration(raw.Report.ResultGrace, cfg.Report.ResultGrace); err != nil {
			return nil, fmt.Errorf("report.result_grace: %w", err)
		}
		if len(raw.Report.RequiredKinds) > 0 {
			cfg.Report.RequiredKinds = raw.Report.RequiredKinds
		}
	}

	cfg.Export = ExportSettings{Format: "csv"}
	if raw.Export != nil {
		cfg.Export.Columns = raw.Export.Columns
		if raw.Export.Format != "" {
			cfg.Export.Format = raw.Export.Format
		}
	}

	if cfg.AcquisitionRoot == "" {
		return nil, fmt.Errorf("%s: acquisition_root is required", path)
	}
	info, err := os.Stat(cfg.AcquisitionRoot)
	if err != nil {
		return nil, fmt.Errorf("acquisition root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("acquisition root %s is not a directory", cfg.AcquisitionRoot)
	}
	for i, d := range cfg.ProcessingDirs {
		if !filepath.IsAbs(d) {
			cfg.ProcessingDirs[i] = filepath.Join(cfg.AcquisitionRoot, d)
		}
	}
	return cfg, nil
}

func duration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// WriteDefault creates a starter config in sessionDir pointing at root.
// Refuses to overwrite an existing file.
func WriteDefault(sessionDir, root string) (string, error) {
	path := filepath.Join(sessionDir, FileName)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("%s already exists", path)
	}
	body := fmt.Sprintf(`acquisition_root = %q

# processing_dirs = ["Processing"]
# metrics_addr    = "localhost:9185"

watch {
  debounce        = "500ms"
  rescan_interval = "2m"
}

report {
  child_grace    = "10m"
  result_grace   = "30m"
  required_kinds = ["motioncorrection", "ctf"]
}

export {
  format = "csv"
}
`, root)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return path, err
	}
	return path, nil
}
