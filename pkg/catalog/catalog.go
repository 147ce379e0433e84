// pkg/catalog/catalog.go - local YAML snapshot of a site's package catalog.
//
// The snapshot implements sccm.Client so a platform rollout can be rehearsed
// offline. Mutations are written back to the same file.

package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	version "github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/windowsadmins/cmplatform/pkg/logging"
	"github.com/windowsadmins/cmplatform/pkg/sccm"
)

// Item contains an individual package entry from the catalog.
type Item struct {
	Name                 string        `yaml:"name"`
	sccm.PackageMetadata `yaml:",inline"`
	Programs             []ProgramItem `yaml:"programs,omitempty"`
}

// ProgramItem holds one program of a package.
type ProgramItem struct {
	Name        string              `yaml:"name"`
	Flags       uint32              `yaml:"flags,omitempty"`
	SupportedOS []sccm.OSConstraint `yaml:"supported_os,omitempty"`
}

// Catalog is the on-disk document.
type Catalog struct {
	SiteCode  string          `yaml:"site_code"`
	Platforms []sccm.Platform `yaml:"platforms"`
	Items     []Item          `yaml:"packages"`

	path string
}

// Load reads and parses a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unable to parse YAML %s: %w", path, err)
	}
	c.path = path

	for _, it := range c.Items {
		if it.PackageID == "" {
			return nil, fmt.Errorf("catalog %s: package %q has no package_id", path, it.Name)
		}
	}

	logging.Info("Loaded catalog", "path", path, "site", c.SiteCode, "packages", len(c.Items), "platforms", len(c.Platforms))
	return &c, nil
}

// Save writes the catalog back to the file it was loaded from.
func (c *Catalog) Save() error {
	if c.path == "" {
		return fmt.Errorf("catalog has no backing file")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize catalog: %w", err)
	}

	// Write through a temp file so a failed write never truncates the snapshot.
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".catalog-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp catalog: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return os.Rename(tmp.Name(), c.path)
}

func (c *Catalog) item(name string) *Item {
	for i := range c.Items {
		if strings.EqualFold(c.Items[i].Name, name) {
			return &c.Items[i]
		}
	}
	return nil
}

func (c *Catalog) itemByID(packageID string) *Item {
	for i := range c.Items {
		if strings.EqualFold(c.Items[i].PackageID, packageID) {
			return &c.Items[i]
		}
	}
	return nil
}

func (it *Item) program(name string) *ProgramItem {
	for i := range it.Programs {
		if it.Programs[i].Name == name {
			return &it.Programs[i]
		}
	}
	return nil
}

// FindPackage looks a package up by name, ignoring case.
func (c *Catalog) FindPackage(_ context.Context, name string) (*sccm.Package, error) {
	it := c.item(name)
	if it == nil {
		return nil, sccm.ErrPackageNotFound
	}
	return &sccm.Package{Name: it.Name, PackageMetadata: it.PackageMetadata}, nil
}

// ListPrograms returns the programs in file order.
func (c *Catalog) ListPrograms(_ context.Context, pkg *sccm.Package) ([]sccm.Program, error) {
	it := c.itemByID(pkg.PackageID)
	if it == nil {
		it = c.item(pkg.Name)
	}
	if it == nil {
		return nil, sccm.ErrPackageNotFound
	}
	programs := make([]sccm.Program, 0, len(it.Programs))
	for _, p := range it.Programs {
		programs = append(programs, sccm.Program{PackageID: it.PackageID, Name: p.Name, Flags: p.Flags})
	}
	return programs, nil
}

// SupportedOperatingSystems returns a copy of the program's constraints.
func (c *Catalog) SupportedOperatingSystems(_ context.Context, packageID, programName string) ([]sccm.OSConstraint, error) {
	it := c.itemByID(packageID)
	if it == nil {
		return nil, fmt.Errorf("package %s: %w", packageID, sccm.ErrPackageNotFound)
	}
	p := it.program(programName)
	if p == nil {
		return nil, fmt.Errorf("program %q of package %s not found", programName, packageID)
	}
	return append([]sccm.OSConstraint(nil), p.SupportedOS...), nil
}

// ResolvePlatform finds a platform by display name, ignoring case.
func (c *Catalog) ResolvePlatform(_ context.Context, name string) (sccm.Platform, error) {
	for _, p := range c.Platforms {
		if strings.EqualFold(p.DisplayName, name) {
			return p, nil
		}
	}
	return sccm.Platform{}, &sccm.PlatformNotFoundError{Name: name}
}

// ListPlatforms returns the platforms ordered by minimum version, then name.
func (c *Catalog) ListPlatforms(_ context.Context) ([]sccm.Platform, error) {
	platforms := append([]sccm.Platform(nil), c.Platforms...)
	sort.SliceStable(platforms, func(i, j int) bool {
		vi, errI := version.NewVersion(platforms[i].MinVersion)
		vj, errJ := version.NewVersion(platforms[j].MinVersion)
		if errI == nil && errJ == nil && !vi.Equal(vj) {
			return vi.LessThan(vj)
		}
		return platforms[i].DisplayName < platforms[j].DisplayName
	})
	return platforms, nil
}

// AddSupportedPlatform appends the platform constraint and saves the catalog.
func (c *Catalog) AddSupportedPlatform(ctx context.Context, pkg *sccm.Package, program sccm.Program, platform sccm.Platform) error {
	resolved, err := c.ResolvePlatform(ctx, platform.DisplayName)
	if err != nil {
		return err
	}

	it := c.itemByID(pkg.PackageID)
	if it == nil {
		return fmt.Errorf("package %q: %w", pkg.Name, sccm.ErrPackageNotFound)
	}
	p := it.program(program.Name)
	if p == nil {
		return fmt.Errorf("program %q of package %q not found", program.Name, pkg.Name)
	}

	previousFlags := p.Flags
	p.SupportedOS = append(p.SupportedOS, resolved.Constraint())
	p.Flags &^= sccm.AnyPlatformFlag

	if err := c.Save(); err != nil {
		p.SupportedOS = p.SupportedOS[:len(p.SupportedOS)-1]
		p.Flags = previousFlags
		return fmt.Errorf("saving catalog: %w", err)
	}
	logging.Debug("Catalog updated", "path", c.path, "package", pkg.Name, "program", program.Name)
	return nil
}
