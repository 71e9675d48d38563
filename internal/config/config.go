package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileNames lists the project config file names Load looks for, in order.
var FileNames = []string{"codegraph.yml", "codegraph.yaml"}

// ProjectConfig holds project-level settings loaded from codegraph.yml.
type ProjectConfig struct {
	Language  string          `yaml:"language,omitempty"`
	Backend   string          `yaml:"backend,omitempty" validate:"omitempty,oneof=array btree kuzu"`
	Include   []string        `yaml:"include,omitempty"`
	Exclude   []string        `yaml:"exclude,omitempty"`
	Workers   int             `yaml:"workers,omitempty" validate:"gte=0"`
	DBPath    string          `yaml:"dbPath,omitempty"`
	LSP       LSPConfig       `yaml:"lsp,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// LSPConfig controls the external symbol resolution tier.
type LSPConfig struct {
	Enabled       bool          `yaml:"enabled,omitempty"`
	Command       string        `yaml:"command,omitempty"`
	Args          []string      `yaml:"args,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty" validate:"gte=0"`
	MaxInFlight   int           `yaml:"maxInFlight,omitempty" validate:"gte=0,lte=256"`
	RatePerSecond float64       `yaml:"ratePerSecond,omitempty" validate:"gte=0"`
	CacheSize     int           `yaml:"cacheSize,omitempty" validate:"gte=-1"`
}

// CommandLine returns Command followed by Args, or nil when no command is
// configured.
func (c LSPConfig) CommandLine() []string {
	if c.Command == "" {
		return nil
	}
	return append([]string{c.Command}, c.Args...)
}

// TelemetryConfig selects OpenTelemetry exporters.
type TelemetryConfig struct {
	Traces       string `yaml:"traces,omitempty" validate:"omitempty,oneof=none stdout otlp"`
	Metrics      string `yaml:"metrics,omitempty" validate:"omitempty,oneof=none stdout prometheus"`
	OTLPEndpoint string `yaml:"otlpEndpoint,omitempty" validate:"omitempty,hostname_port"`
	ServiceName  string `yaml:"serviceName,omitempty"`
}

var validate = validator.New()

// Load attempts to read codegraph.yml or codegraph.yaml from the given
// directory. Returns a zero-value config (not an error) if no config file
// exists.
func Load(dir string) (*ProjectConfig, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", name, err)
		}
		var cfg ProjectConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", name, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config: %s: %w", name, err)
		}
		return &cfg, nil
	}
	return &ProjectConfig{}, nil
}

// Validate checks field constraints.
func (c *ProjectConfig) Validate() error {
	return validate.Struct(c)
}
