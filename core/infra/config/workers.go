package config

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const workersSchemaFile = "schema/workers.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS

// WorkersConfig overrides per-stage pool sizes and queue wait estimates.
type WorkersConfig struct {
	Workers   WorkerCounts        `yaml:"workers"`
	Estimates map[string]Estimate `yaml:"estimates,omitempty"`
}

// Estimate is the per-item wait estimate for a stage queue.
type Estimate struct {
	PerItemSeconds int `yaml:"per_item_seconds"`
}

// ParseWorkersConfig parses workers config data from YAML bytes.
func ParseWorkersConfig(data []byte) (*WorkersConfig, error) {
	if len(data) == 0 {
		return nil, errors.New("workers config is empty")
	}
	if err := validateConfigSchema("workers", workersSchemaFile, data); err != nil {
		return nil, err
	}
	var cfg WorkersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse workers config: %w", err)
	}
	return &cfg, nil
}

// LoadWorkersConfig reads a YAML file overriding worker pool sizes.
func LoadWorkersConfig(path string) (*WorkersConfig, error) {
	if path == "" {
		return nil, errors.New("workers config path is empty")
	}
	// #nosec G304 -- workers config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workers config %s: %w", path, err)
	}
	cfg, err := ParseWorkersConfig(data)
	if err != nil {
		return nil, fmt.Errorf("load workers config %s: %w", path, err)
	}
	return cfg, nil
}

// Apply merges non-zero overrides into c.
func (w *WorkersConfig) Apply(c *Config) {
	if w == nil {
		return
	}
	if w.Workers.Preprocess > 0 {
		c.Workers.Preprocess = w.Workers.Preprocess
	}
	if w.Workers.Generation > 0 {
		c.Workers.Generation = w.Workers.Generation
	}
	if w.Workers.Postprocess > 0 {
		c.Workers.Postprocess = w.Workers.Postprocess
	}
}

// EstimateFor returns the configured per-item wait for a stage, or fallback.
func (w *WorkersConfig) EstimateFor(stage string, fallback time.Duration) time.Duration {
	if w == nil {
		return fallback
	}
	if est, ok := w.Estimates[stage]; ok && est.PerItemSeconds > 0 {
		return time.Duration(est.PerItemSeconds) * time.Second
	}
	return fallback
}

func validateConfigSchema(name, schemaPath string, data []byte) error {
	schemaBytes, err := configSchemaFS.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("load %s schema: %w", name, err)
	}
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse %s config: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	resourceID := "inmemory://" + name
	if err := compiler.AddResource(resourceID, bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("add %s schema resource: %w", name, err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", name, err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("validate %s config: %w", name, err)
	}
	return nil
}
