package extension

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// DescriptorFile is the package descriptor expected in every extension
// directory.
const DescriptorFile = "package.json"

// Bundle is a named front-end asset shipped by an extension. Path is
// resolved to an absolute location when metadata is stored.
type Bundle struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// ViewContribution declares one UI contribution point backed by a bundle.
type ViewContribution struct {
	BundleID string `json:"bundleId"`
	Label    string `json:"label,omitempty"`
	Icon     string `json:"icon,omitempty"`
	When     string `json:"when,omitempty"`
}

// Views groups the recognized contribution points.
type Views struct {
	Pages   []ViewContribution `json:"pages,omitempty"`
	Publish []ViewContribution `json:"publish,omitempty"`
}

// Contributes is the declarative manifest fragment describing what UI an
// extension adds. The host never interprets it beyond storage and lookup.
type Contributes struct {
	Views Views `json:"views,omitempty"`
}

// Metadata is the durable record of one known extension.
type Metadata struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Enabled bool   `json:"enabled"`
	BuiltIn bool   `json:"builtIn"`

	// Path is the absolute install directory. Server-side only; use Strip
	// before exposing metadata externally.
	Path string `json:"path,omitempty"`

	Bundles     []Bundle    `json:"bundles,omitempty"`
	Contributes Contributes `json:"contributes,omitempty"`
}

// Strip returns a copy safe for external exposure, with the server-side
// install path removed.
func (m Metadata) Strip() Metadata {
	m.Path = ""
	m.Bundles = append([]Bundle(nil), m.Bundles...)
	for i := range m.Bundles {
		m.Bundles[i].Path = ""
	}
	return m
}

// clone deep-copies the metadata.
func (m *Metadata) clone() *Metadata {
	c := *m
	c.Bundles = append([]Bundle(nil), m.Bundles...)
	c.Contributes.Views.Pages = append([]ViewContribution(nil), m.Contributes.Views.Pages...)
	c.Contributes.Views.Publish = append([]ViewContribution(nil), m.Contributes.Views.Publish...)
	return &c
}

// ComposerConfig is the extension-specific section of a package descriptor.
type ComposerConfig struct {
	Name        string       `json:"name,omitempty"`
	Bundles     []Bundle     `json:"bundles,omitempty"`
	Contributes *Contributes `json:"contributes,omitempty"`
}

// Descriptor is the package.json-style document read from an extension
// directory. A directory is an extension when either ExtendsComposer is set
// or a Composer section is present; anything else is skipped by scans.
type Descriptor struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Main        string   `json:"main,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`

	ExtendsComposer bool            `json:"extendsComposer,omitempty"`
	Composer        *ComposerConfig `json:"composer,omitempty"`

	// dir is where the descriptor was read from.
	dir string
}

var (
	namePattern   = regexp.MustCompile(`^(@[a-z0-9-~][a-z0-9-._~]*/)?[a-z0-9-~][a-z0-9-._~]*$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
)

// ReadDescriptor loads and validates the descriptor at path.
func ReadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	d.dir = filepath.Dir(path)

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the descriptor's identity fields.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor: name is required")
	}
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("descriptor: invalid package name %q", d.Name)
	}
	if d.Version != "" && !semverPattern.MatchString(d.Version) {
		return fmt.Errorf("descriptor: invalid version %q", d.Version)
	}
	return nil
}

// IsExtension reports whether the descriptor declares either recognized
// extension-contribution flag.
func (d *Descriptor) IsExtension() bool {
	return d.ExtendsComposer || d.Composer != nil
}

// DisplayName prefers the composer-section name over the package name.
func (d *Descriptor) DisplayName() string {
	if d.Composer != nil && d.Composer.Name != "" {
		return d.Composer.Name
	}
	return d.Name
}

// Dir returns the directory the descriptor was read from.
func (d *Descriptor) Dir() string {
	return d.dir
}

// EntryPath resolves the extension's entry-point file: the main field when
// present, otherwise init.lua in the descriptor directory.
func (d *Descriptor) EntryPath() string {
	main := d.Main
	if main == "" {
		main = "init.lua"
	}
	if filepath.IsAbs(main) {
		return main
	}
	return filepath.Join(d.dir, main)
}

// Metadata builds the durable record for this descriptor, resolving bundle
// paths to absolute locations against the install directory.
func (d *Descriptor) Metadata() Metadata {
	m := Metadata{
		ID:      d.Name,
		Name:    d.DisplayName(),
		Version: d.Version,
		Enabled: true,
		Path:    d.dir,
	}
	if d.Composer != nil {
		for _, b := range d.Composer.Bundles {
			if !filepath.IsAbs(b.Path) {
				b.Path = filepath.Join(d.dir, b.Path)
			}
			m.Bundles = append(m.Bundles, b)
		}
		if d.Composer.Contributes != nil {
			m.Contributes = *d.Composer.Contributes
		}
	}
	return m
}
