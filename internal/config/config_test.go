package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Executor.MaxAttempts != 3 {
		t.Errorf("max attempts = %d", cfg.Executor.MaxAttempts)
	}
	if cfg.Executor.DefaultTimeout.Std() != 30*time.Second {
		t.Errorf("timeout = %v", cfg.Executor.DefaultTimeout.Std())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".plane")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := `{
		"executor": {"default_timeout": "5s", "max_attempts": 7, "backoff_base": "100ms", "min_confidence": 0.6},
		"storage": {"driver": "sqlite", "database_path": "plane.db"}
	}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Executor.DefaultTimeout.Std() != 5*time.Second {
		t.Errorf("timeout = %v", cfg.Executor.DefaultTimeout.Std())
	}
	if cfg.Executor.MaxAttempts != 7 {
		t.Errorf("max attempts = %d", cfg.Executor.MaxAttempts)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("driver = %s", cfg.Storage.Driver)
	}
	// Untouched sections keep defaults.
	if cfg.Snapshots.RetainCount != 20 {
		t.Errorf("retain count = %d", cfg.Snapshots.RetainCount)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PLANE_DB_PATH", "/var/lib/plane/plane.db")
	t.Setenv("PLANE_DEBUG", "true")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Storage.DatabasePath != "/var/lib/plane/plane.db" {
		t.Errorf("db path = %s", cfg.Storage.DatabasePath)
	}
	if !cfg.Logging.Debug {
		t.Error("debug not enabled from env")
	}
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Effort.RejectThreshold = 0.9
	if err := cfg.Validate(); err == nil {
		t.Error("expected inverted thresholds rejection")
	}

	cfg = Default()
	cfg.Storage.Driver = "mongodb"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unknown driver rejection")
	}

	cfg = Default()
	cfg.Executor.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected attempts rejection")
	}
}

func TestDuration_JSONForms(t *testing.T) {
	t.Parallel()

	var d Duration
	if err := d.UnmarshalJSON([]byte(`"1m30s"`)); err != nil {
		t.Fatalf("string form: %v", err)
	}
	if d.Std() != 90*time.Second {
		t.Errorf("parsed = %v", d.Std())
	}
	if err := d.UnmarshalJSON([]byte(`1000000`)); err != nil {
		t.Fatalf("numeric form: %v", err)
	}
	if d.Std() != time.Millisecond {
		t.Errorf("parsed = %v", d.Std())
	}
	if err := d.UnmarshalJSON([]byte(`"nope"`)); err == nil {
		t.Error("expected parse error")
	}
}
