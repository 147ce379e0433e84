// pkg/input/input.go - reads the target configuration document and the package list.

package input

import (
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/windowsadmins/cmplatform/pkg/logging"
	"github.com/windowsadmins/cmplatform/pkg/sccm"
)

// PackageNameColumn is the one required column of the package list.
const PackageNameColumn = "PackageName"

// ConfigError reports a missing or malformed configuration document.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// InputError reports an unreadable or unusable package list.
type InputError struct {
	Path string
	Err  error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("package list %s: %v", e.Path, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// TargetConfig is the content of the XML configuration document.
type TargetConfig struct {
	XMLName        xml.Name `xml:"Configuration"`
	TargetPlatform string   `xml:"TargetPlatform"`
	SiteCode       string   `xml:"SiteCode,omitempty"`
	ProviderHost   string   `xml:"ProviderHost,omitempty"`
}

// PackageRequest is one row of the package list.
type PackageRequest struct {
	PackageName string
	Fallback    sccm.PackageMetadata
}

// LoadTarget reads the configuration document naming the target platform.
func LoadTarget(path string) (TargetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TargetConfig{}, &ConfigError{Path: path, Err: err}
	}

	var cfg TargetConfig
	if err := xml.Unmarshal(data, &cfg); err != nil {
		return TargetConfig{}, &ConfigError{Path: path, Err: fmt.Errorf("unable to parse XML: %w", err)}
	}

	cfg.TargetPlatform = strings.TrimSpace(cfg.TargetPlatform)
	cfg.SiteCode = strings.TrimSpace(cfg.SiteCode)
	cfg.ProviderHost = strings.TrimSpace(cfg.ProviderHost)
	if cfg.TargetPlatform == "" {
		return TargetConfig{}, &ConfigError{Path: path, Err: errors.New("TargetPlatform is empty")}
	}
	return cfg, nil
}

// normalizeHeader trims a header cell and drops a UTF-8 byte order mark.
func normalizeHeader(h string) string {
	return strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
}

// canonicalColumn maps a header cell onto a known column name, ignoring case.
func canonicalColumn(h string) string {
	if strings.EqualFold(h, PackageNameColumn) {
		return PackageNameColumn
	}
	for _, c := range sccm.MetadataColumns {
		if strings.EqualFold(h, c) {
			return c
		}
	}
	return ""
}

// LoadRequests reads the package list. Column order is free; columns other
// than PackageName are optional fallbacks and unknown columns are ignored.
func LoadRequests(path string) ([]PackageRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &InputError{Path: path, Err: err}
	}
	defer f.Close()

	requests, err := ReadRequests(f)
	if err != nil {
		return nil, &InputError{Path: path, Err: err}
	}
	return requests, nil
}

// ReadRequests parses a package list from r.
func ReadRequests(r io.Reader) ([]PackageRequest, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	columns := make([]string, len(header))
	nameIndex := -1
	for i, h := range header {
		columns[i] = canonicalColumn(normalizeHeader(h))
		if columns[i] == PackageNameColumn && nameIndex < 0 {
			nameIndex = i
		}
	}
	if nameIndex < 0 {
		return nil, fmt.Errorf("required column %q is missing", PackageNameColumn)
	}

	var requests []PackageRequest
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row %d: %w", line, err)
		}

		req := PackageRequest{}
		for i, value := range row {
			if i >= len(columns) || columns[i] == "" {
				continue
			}
			value = strings.TrimSpace(value)
			if columns[i] == PackageNameColumn {
				if i == nameIndex {
					req.PackageName = value
				}
				continue
			}
			req.Fallback.Set(columns[i], value)
		}

		if req.PackageName == "" {
			logging.Warn("Skipping package list row without a package name", "line", line)
			continue
		}
		requests = append(requests, req)
	}
	return requests, nil
}
