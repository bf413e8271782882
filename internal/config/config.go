// Package config loads host configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the extension runtime's host configuration.
//
// BuiltinDir and RemoteDir are required for Manager lifecycle operations,
// but their absence is surfaced by the Manager at the point of first use
// rather than here: a host that never installs or scans extensions is
// allowed to run without them.
type Config struct {
	// BuiltinDir holds bundled extensions scanned at startup.
	BuiltinDir string `env:"COMPOSER_BUILTIN_EXTENSIONS_DIR"`

	// RemoteDir is where remote extensions are installed.
	RemoteDir string `env:"COMPOSER_REMOTE_EXTENSIONS_DIR"`

	// ManifestPath is the extension manifest document.
	ManifestPath string `env:"COMPOSER_EXTENSION_MANIFEST" envDefault:"extensions.json"`

	// PackageManager is the CLI used for remote install/remove/search.
	PackageManager string `env:"COMPOSER_PACKAGE_MANAGER" envDefault:"npm"`

	// Addr is the host server listen address.
	Addr string `env:"COMPOSER_ADDR" envDefault:":5000"`

	// SessionSecret signs the auth session cookie. A random per-process
	// secret is generated when unset, which invalidates sessions across
	// restarts.
	SessionSecret string `env:"COMPOSER_SESSION_SECRET"`
}

// Load parses configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}
