package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() failed validation: %v", err)
	}
}

func TestValidateRejectsBadPeekCadence(t *testing.T) {
	cfg := Default()
	cfg.GroupCall.PeekRetryIntervalSec = cfg.GroupCall.PeekIntervalSec
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when retry interval >= peek interval")
	}
}

func TestValidateRejectsMissingIdentityKeyFile(t *testing.T) {
	cfg := Default()
	cfg.Identity.KeyFile = "  "
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for blank identity key file")
	}
}

func TestEnsureCreatesDefaultThenLoads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callcore.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure (create): %v", err)
	}
	if !created {
		t.Fatal("expected Ensure to report a newly created file")
	}
	if cfg != Default() {
		t.Fatalf("created config = %+v, want default", cfg)
	}

	cfg2, created2, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure (load): %v", err)
	}
	if created2 {
		t.Fatal("expected Ensure to load the existing file, not recreate it")
	}
	if cfg2 != cfg {
		t.Fatalf("loaded config = %+v, want %+v", cfg2, cfg)
	}
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg := Default()
	cfg.P2P.ListenPort = -1
	if err := Save(path, cfg); err == nil {
		t.Fatal("expected Save to reject an invalid config")
	}
}
