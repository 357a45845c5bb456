package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadConfigMissingFile verifies that a missing config file falls back
// to the defaults without error.
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	def := DefaultConfig()
	if cfg.Registration.DownsampleFactor != def.Registration.DownsampleFactor {
		t.Errorf("Expected default downsample factor %d, got %d",
			def.Registration.DownsampleFactor, cfg.Registration.DownsampleFactor)
	}
	if cfg.Restoration.DeconIterations != def.Restoration.DeconIterations {
		t.Errorf("Expected default decon iterations %d, got %d",
			def.Restoration.DeconIterations, cfg.Restoration.DeconIterations)
	}
}

// TestSaveLoadRoundTrip verifies that a saved configuration loads back with
// the same values.
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Processing.NumCores = 3
	cfg.Processing.Overwrite = true
	cfg.Registration.DownsampleFactor = 2
	cfg.Registration.OpticalFlow = false
	cfg.Restoration.DeconIterations = 10
	cfg.Restoration.DeconRegularization = 5e-3

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Processing.NumCores != 3 || !loaded.Processing.Overwrite {
		t.Errorf("Processing section did not round-trip: %+v", loaded.Processing)
	}
	if loaded.Registration.DownsampleFactor != 2 || loaded.Registration.OpticalFlow {
		t.Errorf("Registration section did not round-trip: %+v", loaded.Registration)
	}
	if loaded.Restoration.DeconIterations != 10 || loaded.Restoration.DeconRegularization != 5e-3 {
		t.Errorf("Restoration section did not round-trip: %+v", loaded.Restoration)
	}
}

// TestLoadConfigInvalidYAML verifies that malformed YAML is reported.
func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("processing: [not a map"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}
