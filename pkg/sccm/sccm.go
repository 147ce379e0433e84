// pkg/sccm/sccm.go - ConfigMgr package catalog model and the client contract.

package sccm

import (
	"context"
	"errors"
	"fmt"

	version "github.com/hashicorp/go-version"
)

// ErrPackageNotFound is returned by FindPackage when no package carries the name.
var ErrPackageNotFound = errors.New("package not found")

// AnyPlatformFlag is the SMS_Program flag bit meaning "runs on any platform".
// It has to be cleared once a program declares explicit supported platforms.
const AnyPlatformFlag uint32 = 0x08000000

// MetadataColumns are the report column names of PackageMetadata, in order.
var MetadataColumns = []string{
	"Description",
	"PackageID",
	"Manufacturer",
	"SourceSite",
	"PackageSize",
	"NoOfPrograms",
	"PackageSourcePath",
	"PkgSourceFlag",
	"Priority",
	"ObjectPath",
	"SourceDate",
	"TransformAnalysisDate",
	"SourceVersion",
	"StoredPkgVersion",
	"LastRefreshTime",
}

// PackageMetadata holds the descriptive fields of a legacy package as strings.
// Numeric and date properties are rendered once when read from the site.
type PackageMetadata struct {
	Description           string `yaml:"description,omitempty"`
	PackageID             string `yaml:"package_id,omitempty"`
	Manufacturer          string `yaml:"manufacturer,omitempty"`
	SourceSite            string `yaml:"source_site,omitempty"`
	PackageSize           string `yaml:"package_size,omitempty"`
	NoOfPrograms          string `yaml:"no_of_programs,omitempty"`
	PackageSourcePath     string `yaml:"package_source_path,omitempty"`
	PkgSourceFlag         string `yaml:"pkg_source_flag,omitempty"`
	Priority              string `yaml:"priority,omitempty"`
	ObjectPath            string `yaml:"object_path,omitempty"`
	SourceDate            string `yaml:"source_date,omitempty"`
	TransformAnalysisDate string `yaml:"transform_analysis_date,omitempty"`
	SourceVersion         string `yaml:"source_version,omitempty"`
	StoredPkgVersion      string `yaml:"stored_pkg_version,omitempty"`
	LastRefreshTime       string `yaml:"last_refresh_time,omitempty"`
}

// fields returns pointers to every field, aligned with MetadataColumns.
func (m *PackageMetadata) fields() []*string {
	return []*string{
		&m.Description,
		&m.PackageID,
		&m.Manufacturer,
		&m.SourceSite,
		&m.PackageSize,
		&m.NoOfPrograms,
		&m.PackageSourcePath,
		&m.PkgSourceFlag,
		&m.Priority,
		&m.ObjectPath,
		&m.SourceDate,
		&m.TransformAnalysisDate,
		&m.SourceVersion,
		&m.StoredPkgVersion,
		&m.LastRefreshTime,
	}
}

// Values returns the field values in MetadataColumns order.
func (m PackageMetadata) Values() []string {
	fields := m.fields()
	values := make([]string, len(fields))
	for i, f := range fields {
		values[i] = *f
	}
	return values
}

// Set assigns the field named by column. It reports false for unknown columns.
func (m *PackageMetadata) Set(column, value string) bool {
	for i, name := range MetadataColumns {
		if name == column {
			*m.fields()[i] = value
			return true
		}
	}
	return false
}

// Backfill returns a copy of m where every empty field takes the value from
// fallback. Non-empty fields of m are never replaced.
func (m PackageMetadata) Backfill(fallback PackageMetadata) PackageMetadata {
	out := m
	dst := out.fields()
	src := fallback.fields()
	for i := range dst {
		if *dst[i] == "" {
			*dst[i] = *src[i]
		}
	}
	return out
}

// Package is a legacy software distribution package.
type Package struct {
	Name string
	PackageMetadata
}

// Program is an executable entry of a Package.
type Program struct {
	PackageID string
	Name      string
	Flags     uint32
}

// OSConstraint is one supported operating system entry of a program.
type OSConstraint struct {
	Name       string `yaml:"name,omitempty" json:"Name"`
	Platform   string `yaml:"platform" json:"Platform"`
	MinVersion string `yaml:"min_version" json:"MinVersion"`
	MaxVersion string `yaml:"max_version" json:"MaxVersion"`
}

// Platform is a supported platform definition known to the site. Its
// constraint triple is what gets added to programs.
type Platform struct {
	DisplayName string `yaml:"display_name"`
	OSName      string `yaml:"os_name"`
	Platform    string `yaml:"platform"`
	MinVersion  string `yaml:"min_version"`
	MaxVersion  string `yaml:"max_version"`
}

// Constraint returns the constraint a program carries once the platform is added.
func (p Platform) Constraint() OSConstraint {
	return OSConstraint{
		Name:       p.OSName,
		Platform:   p.Platform,
		MinVersion: p.MinVersion,
		MaxVersion: p.MaxVersion,
	}
}

// Matches reports whether c names exactly the platform triple of p.
func (p Platform) Matches(c OSConstraint) bool {
	return c.Platform == p.Platform &&
		c.MinVersion == p.MinVersion &&
		c.MaxVersion == p.MaxVersion
}

// Resolved reports whether the platform carries a constraint triple.
func (p Platform) Resolved() bool {
	return p.Platform != ""
}

// SatisfiedBy reports whether any constraint matches p exactly. An
// unresolved platform is never satisfied.
func (p Platform) SatisfiedBy(constraints []OSConstraint) bool {
	if !p.Resolved() {
		return false
	}
	for _, c := range constraints {
		if p.Matches(c) {
			return true
		}
	}
	return false
}

// Validate checks the platform carries a usable version range.
func (p Platform) Validate() error {
	if p.Platform == "" {
		return fmt.Errorf("platform %q has no platform identifier", p.DisplayName)
	}
	minV, err := version.NewVersion(p.MinVersion)
	if err != nil {
		return fmt.Errorf("platform %q has invalid minimum version %q: %w", p.DisplayName, p.MinVersion, err)
	}
	maxV, err := version.NewVersion(p.MaxVersion)
	if err != nil {
		return fmt.Errorf("platform %q has invalid maximum version %q: %w", p.DisplayName, p.MaxVersion, err)
	}
	if minV.GreaterThan(maxV) {
		return fmt.Errorf("platform %q minimum version %s is above maximum %s", p.DisplayName, p.MinVersion, p.MaxVersion)
	}
	return nil
}

// PlatformNotFoundError reports a platform name unknown to the site.
type PlatformNotFoundError struct {
	Name string
}

func (e *PlatformNotFoundError) Error() string {
	return fmt.Sprintf("supported platform %q not found", e.Name)
}

// Client is the set of catalog operations the reconciliation needs.
type Client interface {
	FindPackage(ctx context.Context, name string) (*Package, error)
	ListPrograms(ctx context.Context, pkg *Package) ([]Program, error)
	SupportedOperatingSystems(ctx context.Context, packageID, programName string) ([]OSConstraint, error)
	ResolvePlatform(ctx context.Context, name string) (Platform, error)
	AddSupportedPlatform(ctx context.Context, pkg *Package, program Program, platform Platform) error
	ListPlatforms(ctx context.Context) ([]Platform, error)
}
