package config

import (
	"testing"
	"time"
)

func TestParseWorkersConfig(t *testing.T) {
	cfg, err := ParseWorkersConfig([]byte(`
workers:
  preprocess: 4
  generation: 2
  postprocess: 1
estimates:
  generation:
    per_item_seconds: 90
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Workers.Preprocess != 4 || cfg.Workers.Generation != 2 || cfg.Workers.Postprocess != 1 {
		t.Errorf("workers = %+v", cfg.Workers)
	}
	if got := cfg.EstimateFor("generation", time.Second); got != 90*time.Second {
		t.Errorf("generation estimate = %s", got)
	}
	if got := cfg.EstimateFor("preprocessing", 30*time.Second); got != 30*time.Second {
		t.Errorf("fallback estimate = %s", got)
	}
}

func TestParseWorkersConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero workers":  "workers:\n  preprocess: 0\n",
		"negative":      "workers:\n  generation: -1\n",
		"unknown stage": "estimates:\n  rendering:\n    per_item_seconds: 5\n",
		"wrong type":    "workers:\n  preprocess: many\n",
	}
	for name, yaml := range cases {
		if _, err := ParseWorkersConfig([]byte(yaml)); err == nil {
			t.Errorf("%s: expected schema rejection", name)
		}
	}
}

func TestWorkersConfigApply(t *testing.T) {
	base := &Config{Workers: WorkerCounts{Preprocess: 2, Generation: 1, Postprocess: 2}}
	override := &WorkersConfig{Workers: WorkerCounts{Generation: 3}}
	override.Apply(base)

	if base.Workers.Preprocess != 2 {
		t.Errorf("preprocess = %d, zero override should not apply", base.Workers.Preprocess)
	}
	if base.Workers.Generation != 3 {
		t.Errorf("generation = %d", base.Workers.Generation)
	}
}

func TestLoadWorkersConfigMissingFile(t *testing.T) {
	if _, err := LoadWorkersConfig("/nonexistent/workers.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEstimateForNilConfig(t *testing.T) {
	var cfg *WorkersConfig
	if got := cfg.EstimateFor("generation", 2*time.Minute); got != 2*time.Minute {
		t.Errorf("nil config estimate = %s", got)
	}
}
