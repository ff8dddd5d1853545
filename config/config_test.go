package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPassesValidateWithWorkspaceRoot(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.WorkspaceRoot = dir
	cfg.ScratchDir = filepath.Join(dir, "scratch")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsMissingWorkspaceRoot(t *testing.T) {
	cfg := Default()
	cfg.WorkspaceRoot = filepath.Join(t.TempDir(), "does-not-exist")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing workspace root")
	}
}

func TestValidateRejectsOutOfRangeCacheCapacity(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.WorkspaceRoot = dir
	cfg.ScratchDir = filepath.Join(dir, "scratch")
	cfg.CacheCapacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for cache_capacity=0")
	}
	cfg.CacheCapacity = 5000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for cache_capacity=5000")
	}
}

func TestValidateRequiresHTTPBindForHTTPTransport(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.WorkspaceRoot = dir
	cfg.ScratchDir = filepath.Join(dir, "scratch")
	cfg.Transport = TransportHTTP
	cfg.HTTPBind = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for http transport without bind address")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("MCPXCEL_CACHE_CAPACITY", "42")
	t.Setenv("MCPXCEL_TRANSPORT", "http")
	t.Setenv("MCPXCEL_HTTP_BIND", "127.0.0.1:9000")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheCapacity != 42 {
		t.Errorf("CacheCapacity = %d, want 42", cfg.CacheCapacity)
	}
	if cfg.Transport != TransportHTTP {
		t.Errorf("Transport = %q, want http", cfg.Transport)
	}
	if cfg.HTTPBind != "127.0.0.1:9000" {
		t.Errorf("HTTPBind = %q, want 127.0.0.1:9000", cfg.HTTPBind)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sheetforge.yaml")
	contents := "workspace_root: " + dir + "\ncache_capacity: 7\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkspaceRoot != dir {
		t.Errorf("WorkspaceRoot = %q, want %q", cfg.WorkspaceRoot, dir)
	}
	if cfg.CacheCapacity != 7 {
		t.Errorf("CacheCapacity = %d, want 7", cfg.CacheCapacity)
	}
}
