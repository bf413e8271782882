package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ManifestPath != "extensions.json" {
		t.Errorf("ManifestPath = %q, want extensions.json", cfg.ManifestPath)
	}
	if cfg.PackageManager != "npm" {
		t.Errorf("PackageManager = %q, want npm", cfg.PackageManager)
	}
	if cfg.Addr != ":5000" {
		t.Errorf("Addr = %q, want :5000", cfg.Addr)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("COMPOSER_BUILTIN_EXTENSIONS_DIR", "/opt/ext/builtin")
	t.Setenv("COMPOSER_REMOTE_EXTENSIONS_DIR", "/opt/ext/remote")
	t.Setenv("COMPOSER_PACKAGE_MANAGER", "yarn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BuiltinDir != "/opt/ext/builtin" {
		t.Errorf("BuiltinDir = %q", cfg.BuiltinDir)
	}
	if cfg.RemoteDir != "/opt/ext/remote" {
		t.Errorf("RemoteDir = %q", cfg.RemoteDir)
	}
	if cfg.PackageManager != "yarn" {
		t.Errorf("PackageManager = %q, want yarn", cfg.PackageManager)
	}
}
