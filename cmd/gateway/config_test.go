package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := "addr: 0.0.0.0:9090\nrepo: /srv/repo\naudit_every_n: 30\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadFileConfig(path)
	if err != nil {
		t.Fatalf("loadFileConfig: %v", err)
	}
	if cfg.Addr != "0.0.0.0:9090" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.Repo != "/srv/repo" {
		t.Fatalf("Repo = %q", cfg.Repo)
	}
	if cfg.AuditEveryN != 30 {
		t.Fatalf("AuditEveryN = %d", cfg.AuditEveryN)
	}
}

func TestLoadFileConfigRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("addr: 127.0.0.1:8085\nbogus_field: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := loadFileConfig(path); err == nil {
		t.Fatal("loadFileConfig with an unknown field should error")
	}
}

func TestLoadFileConfigRejectsTrailingDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("addr: 127.0.0.1:8085\n---\naddr: 127.0.0.1:9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := loadFileConfig(path); err == nil {
		t.Fatal("loadFileConfig with a trailing document should error")
	}
}

func TestLoadFileConfigMissingFile(t *testing.T) {
	if _, err := loadFileConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("loadFileConfig(missing file) should error")
	}
}
