package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"stageline/internal/config"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr == "" || cfg.Server.BasePath == "" {
		t.Fatalf("server defaults missing: %+v", cfg.Server)
	}
	if cfg.Dispatcher.Workers < 1 || cfg.Dispatcher.QueueSize < 1 {
		t.Fatalf("dispatcher defaults missing: %+v", cfg.Dispatcher)
	}
	if cfg.Catalog().Len() == 0 {
		t.Fatal("default catalog empty")
	}
}

func TestFromYAMLOverridesAndValidates(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
server:
  addr: 0.0.0.0:9999
dispatcher:
  workers: 4
pipeline:
  stages:
    - name: plan
      display_name: Plan
    - name: ship
      display_name: Ship
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9999" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Dispatcher.Workers != 4 {
		t.Fatalf("workers = %d", cfg.Dispatcher.Workers)
	}
	// unset fields keep defaults
	if cfg.Dispatcher.QueueSize < 1 {
		t.Fatalf("queue size = %d", cfg.Dispatcher.QueueSize)
	}
	cat := cfg.Catalog()
	if cat.Len() != 2 {
		t.Fatalf("catalog len = %d, want 2", cat.Len())
	}
	if cat.Names()[0] != "plan" || cat.Names()[1] != "ship" {
		t.Fatalf("catalog names = %v", cat.Names())
	}
}

func TestFromYAMLRejectsBadConfig(t *testing.T) {
	if _, err := config.FromYAML([]byte("dispatcher:\n  workers: 0\n")); err == nil {
		t.Fatal("workers 0 accepted")
	}
	if _, err := config.FromYAML([]byte("pipeline:\n  stages:\n    - name: a\n    - name: a\n")); err == nil {
		t.Fatal("duplicate stage accepted")
	}
	if _, err := config.FromYAML([]byte("not yaml: [")); err == nil {
		t.Fatal("invalid yaml accepted")
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stageline.yml")
	if err := os.WriteFile(path, []byte("executor:\n  cache_size: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Executor.CacheSize != 5 {
		t.Fatalf("cache size = %d, want 5", cfg.Executor.CacheSize)
	}
}
