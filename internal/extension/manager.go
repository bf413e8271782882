package extension

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/convobuild/extensions/internal/npm"
)

// SearchKeyword marks packages in the registry as extensions for this host.
// Search results without it are dropped.
const SearchKeyword = "extendsComposer"

// ManagerConfig carries the directory layout the Manager operates on.
// Either directory may be empty; the operations that need one fail with a
// typed error at first use instead of at construction.
type ManagerConfig struct {
	// BuiltinDir holds extensions bundled with the host.
	BuiltinDir string
	// RemoteDir is where the package manager installs remote extensions.
	RemoteDir string
}

// Manager is the orchestration facade over the manifest store, the loader,
// and the package-manager client. All lifecycle operations (install,
// enable, disable, remove, bulk load) go through it.
type Manager struct {
	store  *Store
	loader *Loader
	npm    *npm.Client
	cfg    ManagerConfig
	log    *zap.Logger

	searchMu    sync.Mutex
	searchCache map[string]npm.SearchEntry
}

// NewManager wires a Manager over its collaborators.
func NewManager(store *Store, loader *Loader, client *npm.Client, cfg ManagerConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:       store,
		loader:      loader,
		npm:         client,
		cfg:         cfg,
		log:         log,
		searchCache: make(map[string]npm.SearchEntry),
	}
}

// Collection returns the registration collection behind the loader.
func (m *Manager) Collection() *Collection {
	return m.loader.Collection()
}

func (m *Manager) builtinDir() (string, error) {
	if m.cfg.BuiltinDir == "" {
		return "", ErrBuiltinDirNotSet
	}
	return m.cfg.BuiltinDir, nil
}

func (m *Manager) remoteDir() (string, error) {
	if m.cfg.RemoteDir == "" {
		return "", ErrRemoteDirNotSet
	}
	return m.cfg.RemoteDir, nil
}

// GetAll returns every known extension, sorted by id for stable listings.
func (m *Manager) GetAll() []Metadata {
	byID := m.store.GetExtensions()
	out := make([]Metadata, 0, len(byID))
	for _, meta := range byID {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Find returns the metadata for id, or nil when unknown.
func (m *Manager) Find(id string) *Metadata {
	return m.store.GetExtensionConfig(id)
}

// LoadBuiltins scans the built-in extensions directory, records every
// extension found as built-in, and loads each enabled one. A single
// extension failing to scan or load is logged and skipped; the rest of the
// directory still loads.
func (m *Manager) LoadBuiltins(ctx context.Context) error {
	dir, err := m.builtinDir()
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to scan built-in extensions: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.loadBuiltin(filepath.Join(dir, entry.Name())); err != nil {
			m.log.Error("failed to load built-in extension, skipping",
				zap.String("dir", entry.Name()), zap.Error(err))
		}
	}
	return nil
}

// loadBuiltin records and loads a single built-in extension directory.
// Directories without an extension descriptor are silently skipped.
func (m *Manager) loadBuiltin(dir string) error {
	manifestPath := filepath.Join(dir, DescriptorFile)
	if _, err := os.Stat(manifestPath); err != nil {
		return nil
	}

	d, err := ReadDescriptor(manifestPath)
	if err != nil {
		return err
	}
	if !d.IsExtension() {
		return nil
	}

	meta := d.Metadata()
	meta.BuiltIn = true

	// A previously disabled extension stays disabled across restarts.
	if existing := m.store.GetExtensionConfig(meta.ID); existing != nil && !existing.Enabled {
		meta.Enabled = false
	}
	if err := m.store.UpdateExtensionConfig(meta.ID, meta); err != nil {
		return err
	}
	if !meta.Enabled {
		m.log.Info("built-in extension is disabled, not loading", zap.String("id", meta.ID))
		return nil
	}

	return m.Load(meta.ID)
}

// Load runs the entry point of a known, enabled extension. Disabled
// extensions are refused outright; their manifest entry is untouched. A
// failed load removes the manifest entry so the next scan treats the
// extension as new, then propagates the failure.
func (m *Manager) Load(id string) error {
	meta := m.store.GetExtensionConfig(id)
	if meta == nil {
		return fmt.Errorf("%w: %s", ErrExtensionNotFound, id)
	}
	if !meta.Enabled {
		return fmt.Errorf("%w: %s", ErrExtensionDisabled, id)
	}

	if err := m.loader.LoadFromFile(filepath.Join(meta.Path, DescriptorFile)); err != nil {
		if rmErr := m.store.RemoveExtension(id); rmErr != nil {
			m.log.Error("failed to drop manifest entry after load failure",
				zap.String("id", id), zap.Error(rmErr))
		}
		return fmt.Errorf("failed to load extension %s: %w", id, err)
	}
	return nil
}

// InstallRemote installs a package from the registry into the remote
// extensions directory, records it in the manifest, and loads it. Version
// may be empty for the latest release.
func (m *Manager) InstallRemote(ctx context.Context, name, version string) error {
	dir, err := m.remoteDir()
	if err != nil {
		return err
	}

	if err := m.npm.Install(ctx, dir, name, version); err != nil {
		return err
	}

	manifestPath := filepath.Join(dir, "node_modules", name, DescriptorFile)
	d, err := ReadDescriptor(manifestPath)
	if err != nil {
		return fmt.Errorf("installed package %s has no readable descriptor: %w", name, err)
	}

	meta := d.Metadata()
	if err := m.store.UpdateExtensionConfig(meta.ID, meta); err != nil {
		return err
	}
	m.log.Info("remote extension installed",
		zap.String("id", meta.ID), zap.String("version", meta.Version))

	return m.Load(meta.ID)
}

// Enable flips the extension on and loads it.
func (m *Manager) Enable(id string) error {
	if err := m.store.SetEnabled(id, true); err != nil {
		return err
	}
	return m.Load(id)
}

// Disable flips the extension off. Already-registered capabilities stay
// registered until restart; the flag only prevents future loads.
func (m *Manager) Disable(id string) error {
	return m.store.SetEnabled(id, false)
}

// Remove uninstalls a remote extension and drops its manifest entry.
// Built-in extensions cannot be removed, only disabled.
func (m *Manager) Remove(ctx context.Context, id string) error {
	meta := m.store.GetExtensionConfig(id)
	if meta == nil {
		return fmt.Errorf("%w: %s", ErrExtensionNotFound, id)
	}
	if meta.BuiltIn {
		return fmt.Errorf("%w: %s", ErrBuiltinImmutable, id)
	}

	dir, err := m.remoteDir()
	if err != nil {
		return err
	}
	if err := m.npm.Uninstall(ctx, dir, id); err != nil {
		return err
	}
	return m.store.RemoveExtension(id)
}

// Search queries the registry for extension packages matching query.
// Results accumulate in an in-memory cache across searches, so a broad
// search after a narrow one still returns everything seen this run.
func (m *Manager) Search(ctx context.Context, query string) ([]npm.SearchEntry, error) {
	found, err := m.npm.Search(ctx, "keywords:"+SearchKeyword+" "+query)
	if err != nil {
		return nil, err
	}

	m.searchMu.Lock()
	defer m.searchMu.Unlock()

	for _, entry := range found {
		if hasKeyword(entry.Keywords, SearchKeyword) {
			m.searchCache[entry.Name] = entry
		}
	}

	q := strings.ToLower(query)
	var out []npm.SearchEntry
	for _, entry := range m.searchCache {
		if q == "" ||
			strings.Contains(strings.ToLower(entry.Name), q) ||
			strings.Contains(strings.ToLower(entry.Description), q) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func hasKeyword(keywords []string, want string) bool {
	for _, kw := range keywords {
		if kw == want {
			return true
		}
	}
	return false
}

// GetAllBundles returns the bundle list for an extension.
func (m *Manager) GetAllBundles(id string) ([]Bundle, error) {
	meta := m.store.GetExtensionConfig(id)
	if meta == nil {
		return nil, fmt.Errorf("%w: %s", ErrExtensionNotFound, id)
	}
	return meta.Bundles, nil
}

// GetBundle resolves one bundle of an extension by bundle id.
func (m *Manager) GetBundle(id, bundleID string) (Bundle, error) {
	bundles, err := m.GetAllBundles(id)
	if err != nil {
		return Bundle{}, err
	}
	for _, b := range bundles {
		if b.ID == bundleID {
			return b, nil
		}
	}
	return Bundle{}, fmt.Errorf("%w: %s/%s", ErrBundleNotFound, id, bundleID)
}

// GetRuntimeByProject resolves the runtime template for a project.
func (m *Manager) GetRuntimeByProject(project *BotProject) (RuntimeTemplate, error) {
	return m.Collection().RuntimeByProject(project)
}

// GetRuntime resolves a runtime template by key.
func (m *Manager) GetRuntime(key string) (RuntimeTemplate, error) {
	return m.Collection().Runtime(key)
}
