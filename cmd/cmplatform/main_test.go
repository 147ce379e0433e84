package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/cmplatform/pkg/catalog"
	"github.com/windowsadmins/cmplatform/pkg/config"
	"github.com/windowsadmins/cmplatform/pkg/history"
	"github.com/windowsadmins/cmplatform/pkg/input"
	"github.com/windowsadmins/cmplatform/pkg/logging"
	"github.com/windowsadmins/cmplatform/pkg/report"
	"github.com/windowsadmins/cmplatform/pkg/sccm"
)

// The logger is process-wide, so every run() in this binary shares it.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "cmplatform-logs")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.Init(logging.LoggerConfig{Dir: dir, Level: logging.LevelDebug, EnableJSON: true}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	code := m.Run()
	logging.CloseLogger()
	os.RemoveAll(dir)
	os.Exit(code)
}

const targetXML = `<Configuration><TargetPlatform>All Windows 11 (64-bit)</TargetPlatform></Configuration>`

const packageList = "PackageName,Manufacturer\nContoso App,Contoso\nMissing App,Fabrikam\n"

const snapshotYAML = `site_code: PS1
platforms:
  - display_name: All Windows 11 (64-bit)
    os_name: Win NT
    platform: x64
    min_version: "10.00.22000.0"
    max_version: "10.00.99999.9999"
packages:
  - name: Contoso App
    package_id: PS100001
    programs:
      - name: Install
        supported_os:
          - name: Win NT
            platform: x64
            min_version: "10.00.0000.0"
            max_version: "10.00.21999.9999"
`

type workspace struct {
	dir      string
	settings string
	reports  string
	history  string
}

// newWorkspace writes the inputs of a run and its settings file. With
// withCatalog the run uses a catalog snapshot instead of the AdminService.
func newWorkspace(t *testing.T, withCatalog bool) workspace {
	t.Helper()
	dir := t.TempDir()
	ws := workspace{
		dir:      dir,
		settings: filepath.Join(dir, "cmplatform.yaml"),
		reports:  filepath.Join(dir, "Reports"),
		history:  filepath.Join(dir, "history.db"),
	}
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		return path
	}
	settings := fmt.Sprintf("target_config: %s\npackage_list: %s\nreport_dir: %s\nlog_dir: %s\nhistory_db: %s\ndiscover_site: false\n",
		write("Config.xml", targetXML),
		write("Packages.csv", packageList),
		ws.reports,
		filepath.Join(dir, "Logs"),
		ws.history)
	if withCatalog {
		settings += "backend: catalog\ncatalog_path: " + write("catalog.yaml", snapshotYAML) + "\n"
	}
	write("cmplatform.yaml", settings)
	return ws
}

func TestRunWithoutSiteExitsCleanly(t *testing.T) {
	ws := newWorkspace(t, false)
	var out bytes.Buffer

	assert.Equal(t, 0, run([]string{"--settings", ws.settings}, &out))
	assert.NoDirExists(t, ws.reports, "nothing is processed without a site")
	assert.NoFileExists(t, ws.history)
}

func TestRunAgainstCatalog(t *testing.T) {
	ws := newWorkspace(t, true)
	var out bytes.Buffer

	code := run([]string{"--settings", ws.settings}, &out)
	require.Equal(t, 0, code)

	stamp := logging.RunStamp()
	require.NotEmpty(t, stamp)
	assert.Equal(t, "PackageUpdateLog_"+stamp+".log", filepath.Base(logging.LogPath()))

	reportPath := report.Path(ws.reports, stamp)
	require.FileExists(t, reportPath)
	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Contoso App,Install,Updated")
	assert.Contains(t, string(data), "Missing App,,NotFound")

	updated, err := catalog.Load(filepath.Join(ws.dir, "catalog.yaml"))
	require.NoError(t, err)
	constraints, err := updated.SupportedOperatingSystems(context.Background(), "PS100001", "Install")
	require.NoError(t, err)
	assert.Len(t, constraints, 2)

	out.Reset()
	require.Equal(t, 0, run([]string{"--settings", ws.settings, "--show-history", "5"}, &out))
	assert.Contains(t, out.String(), "PS1")
	assert.Contains(t, out.String(), "All Windows 11 (64-bit)")

	out.Reset()
	require.Equal(t, 0, run([]string{"--settings", ws.settings, "--show-package", "Contoso App"}, &out))
	assert.Contains(t, out.String(), "PS100001")
	assert.Contains(t, out.String(), "Updated")

	out.Reset()
	require.Equal(t, 0, run([]string{"--settings", ws.settings, "--show-package", "Northwind"}, &out))
	assert.Contains(t, out.String(), "No outcomes recorded for package Northwind")
}

func TestRunRejectsBadArguments(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 1, run([]string{"--no-such-flag"}, &out))

	out.Reset()
	assert.Equal(t, 1, run([]string{"--settings", filepath.Join(t.TempDir(), "missing.yaml")}, &out))
	assert.Contains(t, out.String(), "Failed to load configuration")

	ws := newWorkspace(t, false)
	out.Reset()
	assert.Equal(t, 1, run([]string{"--settings", ws.settings, "--show-history", "3"}, &out))
	assert.Contains(t, out.String(), "History database not found")
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 0, run([]string{"--version"}, &out))
	assert.Contains(t, out.String(), "go version:")
}

func TestSessionOptions(t *testing.T) {
	target := input.TargetConfig{SiteCode: "XM1", ProviderHost: "xml.corp.local"}
	snapshot := &catalog.Catalog{SiteCode: "CT1"}

	tests := []struct {
		name     string
		cfg      config.Configuration
		target   input.TargetConfig
		snapshot *catalog.Catalog
		want     resolvedOptions
	}{
		{
			name:   "settings win over the document",
			cfg:    config.Configuration{SiteCode: "ST1", ProviderHost: "settings.corp.local", DiscoverSite: true},
			target: target,
			want:   resolvedOptions{"ST1", "settings.corp.local", true},
		},
		{
			name:   "document fills what settings leave empty",
			cfg:    config.Configuration{ProviderHost: "settings.corp.local"},
			target: target,
			want:   resolvedOptions{"XM1", "settings.corp.local", false},
		},
		{
			name:     "snapshot comes last and disables discovery",
			cfg:      config.Configuration{CatalogPath: "/data/catalog.yaml", DiscoverSite: true},
			snapshot: snapshot,
			want:     resolvedOptions{"CT1", "file:///data/catalog.yaml", false},
		},
		{
			name:     "document beats snapshot",
			cfg:      config.Configuration{CatalogPath: "/data/catalog.yaml"},
			target:   target,
			snapshot: snapshot,
			want:     resolvedOptions{"XM1", "xml.corp.local", false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			got := sessionOptions(&cfg, tt.target, tt.snapshot)
			assert.Equal(t, tt.want, resolvedOptions{got.SiteCode, got.ProviderHost, got.Discover})
		})
	}
}

// resolvedOptions flattens session.Options for table comparisons.
type resolvedOptions struct {
	SiteCode     string
	ProviderHost string
	Discover     bool
}

func TestWritePlatforms(t *testing.T) {
	var out bytes.Buffer
	writePlatforms(&out, []sccm.Platform{
		{DisplayName: "All Windows 11 (64-bit)", Platform: "x64", MinVersion: "10.00.22000.0", MaxVersion: "10.00.99999.9999"},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"DISPLAY", "NAME", "PLATFORM", "MIN", "VERSION", "MAX", "VERSION"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"All", "Windows", "11", "(64-bit)", "x64", "10.00.22000.0", "10.00.99999.9999"}, strings.Fields(lines[1]))
}

func TestWriteRuns(t *testing.T) {
	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local)
	var out bytes.Buffer
	writeRuns(&out, []history.Run{{
		ID:             7,
		StartedAt:      started,
		FinishedAt:     started.Add(90 * time.Second),
		SiteCode:       "PS1",
		TargetPlatform: "Win11",
		Summary:        report.Summary{Total: 5, Updated: 2, AlreadyUpdatedWithTarget: 1, UpdateFailed: 1, NotFound: 1},
	}})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[0], "NOT FOUND")
	assert.Equal(t,
		[]string{"7", "2024-05-01", "09:00:00", "About", "a", "minute", "PS1", "Win11", "5", "2", "1", "1", "1"},
		strings.Fields(lines[1]))
}

func TestWriteOutcomes(t *testing.T) {
	var out bytes.Buffer
	writeOutcomes(&out, []report.OutcomeRecord{
		{PackageName: "Contoso App", ProgramName: "Install", Status: report.StatusUpdated, PackageMetadata: sccm.PackageMetadata{PackageID: "PS100001"}},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"Contoso", "App", "PS100001", "Install", "Updated"}, strings.Fields(lines[1]))
}
