package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Portfolio.MaxTotalPositions != 10 {
		t.Fatalf("expected default max_total_positions of 10, got %d", cfg.Portfolio.MaxTotalPositions)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("REBAL_PORTFOLIO_MAX_TOTAL_POSITIONS", "7")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Portfolio.MaxTotalPositions != 7 {
		t.Fatalf("expected environment override to set max_total_positions to 7, got %d", cfg.Portfolio.MaxTotalPositions)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rebalance.yaml")
	content := "portfolio:\n  max_total_positions: 6\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(WithFile(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Portfolio.MaxTotalPositions != 6 {
		t.Fatalf("expected file value of 6, got %d", cfg.Portfolio.MaxTotalPositions)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("REBAL_PORTFOLIO_MAX_TOTAL_POSITIONS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for max_total_positions below its floor")
	}
}
