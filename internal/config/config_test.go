package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	body := []byte(`
authority:
  lease_ttl_seconds: 10
  grace_seconds: 5
index:
  default_cell_size: 16
  cell_sizes:
    hazards: 8
store:
  ephemeral_kinds:
    footprints: 20
affordance:
  score_mode: contribute
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tune, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tune.Authority.LeaseTTLSeconds != 10 || tune.Authority.GraceSeconds != 5 {
		t.Fatalf("authority overrides not applied: %+v", tune.Authority)
	}
	if tune.Index.DefaultCellSize != 16 || tune.Index.CellSizes["hazards"] != 8 {
		t.Fatalf("index overrides not applied: %+v", tune.Index)
	}
	if tune.Store.EphemeralKinds["footprints"] != 20 {
		t.Fatalf("ephemeral kinds not applied: %+v", tune.Store)
	}
	if tune.Affordance.ScoreMode != "contribute" {
		t.Fatalf("score mode not applied: %q", tune.Affordance.ScoreMode)
	}
	// Untouched values keep their defaults.
	if tune.Ingest.QueueSize != 4096 || tune.Ingest.OverflowPolicy != "drop_oldest" {
		t.Fatalf("ingest defaults lost: %+v", tune.Ingest)
	}
}

func TestParseEnvDefaults(t *testing.T) {
	e, err := ParseEnv()
	if err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if e.DataDir != "./data" {
		t.Fatalf("default data dir: %q", e.DataDir)
	}
	if e.MirrorEnabled() {
		t.Fatalf("mirror should be disabled without credentials")
	}
}
