package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/cmplatform/pkg/catalog"
	"github.com/windowsadmins/cmplatform/pkg/input"
	"github.com/windowsadmins/cmplatform/pkg/logging"
	"github.com/windowsadmins/cmplatform/pkg/report"
	"github.com/windowsadmins/cmplatform/pkg/sccm"
)

var target = sccm.Platform{
	DisplayName: "All Windows 11 (64-bit)",
	OSName:      "Win NT",
	Platform:    "x64",
	MinVersion:  "10.00.22000.0",
	MaxVersion:  "10.00.99999.9999",
}

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "cmplatform-reconcile-*")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := logging.Init(logging.LoggerConfig{Dir: dir, Level: logging.LevelDebug, EnableJSON: true}); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	code := m.Run()
	logging.CloseLogger()
	os.RemoveAll(dir)
	os.Exit(code)
}

// fakeProgram is a program held by fakeClient.
type fakeProgram struct {
	name        string
	constraints []sccm.OSConstraint
	readErr     error
	addErr      error
}

type fakePackage struct {
	pkg      sccm.Package
	programs []*fakeProgram
	listErr  error
}

// fakeClient is an in-memory catalog recording every mutation call.
type fakeClient struct {
	packages  map[string]*fakePackage
	lookupErr error
	adds      []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{packages: map[string]*fakePackage{}}
}

func (f *fakeClient) add(name, id string, programs ...*fakeProgram) *fakePackage {
	p := &fakePackage{
		pkg:      sccm.Package{Name: name, PackageMetadata: sccm.PackageMetadata{PackageID: id, Manufacturer: "Site Vendor"}},
		programs: programs,
	}
	f.packages[name] = p
	return p
}

func (f *fakeClient) FindPackage(_ context.Context, name string) (*sccm.Package, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	p, ok := f.packages[name]
	if !ok {
		return nil, sccm.ErrPackageNotFound
	}
	pkg := p.pkg
	return &pkg, nil
}

func (f *fakeClient) ListPrograms(_ context.Context, pkg *sccm.Package) ([]sccm.Program, error) {
	p := f.packages[pkg.Name]
	if p.listErr != nil {
		return nil, p.listErr
	}
	var out []sccm.Program
	for _, prog := range p.programs {
		out = append(out, sccm.Program{PackageID: pkg.PackageID, Name: prog.name})
	}
	return out, nil
}

func (f *fakeClient) program(packageID, name string) *fakeProgram {
	for _, p := range f.packages {
		if p.pkg.PackageID != packageID {
			continue
		}
		for _, prog := range p.programs {
			if prog.name == name {
				return prog
			}
		}
	}
	return nil
}

func (f *fakeClient) SupportedOperatingSystems(_ context.Context, packageID, programName string) ([]sccm.OSConstraint, error) {
	prog := f.program(packageID, programName)
	if prog.readErr != nil {
		return nil, prog.readErr
	}
	return prog.constraints, nil
}

func (f *fakeClient) ResolvePlatform(_ context.Context, name string) (sccm.Platform, error) {
	if name == target.DisplayName {
		return target, nil
	}
	return sccm.Platform{}, &sccm.PlatformNotFoundError{Name: name}
}

func (f *fakeClient) AddSupportedPlatform(_ context.Context, pkg *sccm.Package, program sccm.Program, platform sccm.Platform) error {
	f.adds = append(f.adds, pkg.Name+"/"+program.Name)
	prog := f.program(pkg.PackageID, program.Name)
	if prog.addErr != nil {
		return prog.addErr
	}
	prog.constraints = append(prog.constraints, platform.Constraint())
	return nil
}

func (f *fakeClient) ListPlatforms(context.Context) ([]sccm.Platform, error) {
	return []sccm.Platform{target}, nil
}

func request(name string) input.PackageRequest {
	return input.PackageRequest{
		PackageName: name,
		Fallback: sccm.PackageMetadata{
			PackageID:    "CSV-" + name,
			Manufacturer: "CSV Vendor",
			Description:  name + " from csv",
		},
	}
}

func TestPackageNotFound(t *testing.T) {
	client := newFakeClient()

	records := New(client, target).Reconcile(context.Background(), []input.PackageRequest{request("App1")})

	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, "App1", r.PackageName)
	assert.Equal(t, "", r.ProgramName)
	assert.Equal(t, report.StatusNotFound, r.Status)
	assert.Equal(t, request("App1").Fallback, r.PackageMetadata)
	assert.Empty(t, client.adds)
}

func TestAlreadySupported(t *testing.T) {
	client := newFakeClient()
	client.add("App2", "PS100002", &fakeProgram{name: "Install", constraints: []sccm.OSConstraint{
		{Platform: "x64", MinVersion: "10.00.22000.0", MaxVersion: "10.00.99999.9999"},
	}})

	records := New(client, target).Reconcile(context.Background(), []input.PackageRequest{request("App2")})

	require.Len(t, records, 1)
	assert.Equal(t, "Install", records[0].ProgramName)
	assert.Equal(t, report.StatusAlreadyUpdatedWithTarget, records[0].Status)
	assert.Empty(t, client.adds, "no mutation for a program that already supports the target")
}

func TestEmptyConstraintSetIsUpdated(t *testing.T) {
	client := newFakeClient()
	client.add("App3", "PS100003", &fakeProgram{name: "Install"})

	records := New(client, target).Reconcile(context.Background(), []input.PackageRequest{request("App3")})

	require.Len(t, records, 1)
	assert.Equal(t, report.StatusUpdated, records[0].Status)
	assert.Equal(t, []string{"App3/Install"}, client.adds)
}

func TestMutationFailureIsLogged(t *testing.T) {
	client := newFakeClient()
	client.add("App4", "PS100004", &fakeProgram{
		name:   "Install",
		addErr: &sccm.PlatformNotFoundError{Name: target.DisplayName},
	})

	records := New(client, target).Reconcile(context.Background(), []input.PackageRequest{request("App4")})

	require.Len(t, records, 1)
	assert.Equal(t, report.StatusUpdateFailed, records[0].Status)

	transcript, err := os.ReadFile(logging.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(transcript), "package=App4 program=Install")
	assert.Contains(t, string(transcript), `supported platform "All Windows 11 (64-bit)" not found`)
}

func TestReadFailureSkipsMutation(t *testing.T) {
	client := newFakeClient()
	client.add("App5", "PS100005", &fakeProgram{name: "Install", readErr: errors.New("access denied")})

	records := New(client, target).Reconcile(context.Background(), []input.PackageRequest{request("App5")})

	require.Len(t, records, 1)
	assert.Equal(t, report.StatusUpdateFailed, records[0].Status)
	assert.Empty(t, client.adds)
}

func TestNoPrograms(t *testing.T) {
	client := newFakeClient()
	client.add("Empty", "PS100006")
	broken := client.add("Broken", "PS100007", &fakeProgram{name: "Install"})
	broken.listErr = errors.New("provider unavailable")

	records := New(client, target).Reconcile(context.Background(),
		[]input.PackageRequest{request("Empty"), request("Broken")})

	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, report.NoProgramsName, r.ProgramName)
		assert.Equal(t, report.StatusNone, r.Status)
	}
	assert.Equal(t, "PS100006", records[0].PackageID, "site value wins over the csv")
	assert.Equal(t, "Site Vendor", records[0].Manufacturer)
	assert.Equal(t, "Empty from csv", records[0].Description, "blank site field is backfilled")
}

func TestLookupFailureIsNotFound(t *testing.T) {
	client := newFakeClient()
	client.add("App1", "PS100001", &fakeProgram{name: "Install"})
	client.lookupErr = errors.New("connection reset")

	records := New(client, target).Reconcile(context.Background(), []input.PackageRequest{request("App1")})

	require.Len(t, records, 1)
	assert.Equal(t, report.StatusNotFound, records[0].Status)
	assert.Empty(t, client.adds)
}

func TestRecordCountAndOrder(t *testing.T) {
	client := newFakeClient()
	client.add("Multi", "PS100010",
		&fakeProgram{name: "Install"},
		&fakeProgram{name: "Repair", constraints: []sccm.OSConstraint{target.Constraint()}},
		&fakeProgram{name: "Uninstall", addErr: errors.New("boom")},
	)
	client.add("None", "PS100011")

	requests := []input.PackageRequest{request("Missing"), request("Multi"), request("None")}
	records := New(client, target).Reconcile(context.Background(), requests)

	require.Len(t, records, 1+3+1)
	var got []string
	for _, r := range records {
		got = append(got, fmt.Sprintf("%s|%s|%s", r.PackageName, r.ProgramName, r.Status))
	}
	assert.Equal(t, []string{
		"Missing||NotFound",
		"Multi|Install|Updated",
		"Multi|Repair|AlreadyUpdatedWithTarget",
		"Multi|Uninstall|UpdateFailed",
		"None|Not Found|",
	}, got)
}

func TestSecondRunIsIdempotent(t *testing.T) {
	client := newFakeClient()
	client.add("App3", "PS100003", &fakeProgram{name: "Install"}, &fakeProgram{name: "Uninstall"})
	engine := New(client, target)
	requests := []input.PackageRequest{request("App3")}

	first := engine.Reconcile(context.Background(), requests)
	require.Len(t, first, 2)
	assert.Len(t, client.adds, 2)

	for i := 0; i < 2; i++ {
		again := engine.Reconcile(context.Background(), requests)
		require.Len(t, again, 2)
		for _, r := range again {
			assert.Equal(t, report.StatusAlreadyUpdatedWithTarget, r.Status)
		}
	}
	assert.Len(t, client.adds, 2, "later runs issue no mutation")
}

func TestUnresolvedTargetFailsEveryUpdate(t *testing.T) {
	client := newFakeClient()
	client.add("App3", "PS100003", &fakeProgram{name: "Install"})
	client.packages["App3"].programs[0].addErr = &sccm.PlatformNotFoundError{Name: "Windows 95"}

	records := New(client, sccm.Platform{DisplayName: "Windows 95"}).Reconcile(context.Background(),
		[]input.PackageRequest{request("App3")})

	require.Len(t, records, 1)
	assert.Equal(t, report.StatusUpdateFailed, records[0].Status)
}

func TestAgainstCatalogSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`site_code: PS1
platforms:
  - display_name: All Windows 11 (64-bit)
    os_name: Win NT
    platform: x64
    min_version: 10.00.22000.0
    max_version: 10.00.99999.9999
packages:
  - name: App3
    package_id: PS100003
    programs:
      - name: Install
        flags: 134217728
`), 0644))

	snapshot, err := catalog.Load(path)
	require.NoError(t, err)
	platform, err := snapshot.ResolvePlatform(context.Background(), target.DisplayName)
	require.NoError(t, err)

	requests := []input.PackageRequest{request("App3")}
	first := New(snapshot, platform).Reconcile(context.Background(), requests)
	require.Len(t, first, 1)
	assert.Equal(t, report.StatusUpdated, first[0].Status)

	reloaded, err := catalog.Load(path)
	require.NoError(t, err)
	second := New(reloaded, platform).Reconcile(context.Background(), requests)
	require.Len(t, second, 1)
	assert.Equal(t, report.StatusAlreadyUpdatedWithTarget, second[0].Status)
}

// packageEvents returns the package events written so far, keyed by package.
func packageEvents(t *testing.T) map[string]logging.LogEvent {
	t.Helper()
	f, err := os.Open(strings.TrimSuffix(logging.LogPath(), ".log") + ".jsonl")
	require.NoError(t, err)
	defer f.Close()

	events := map[string]logging.LogEvent{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev logging.LogEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		if ev.EventType == "package" {
			events[ev.Package] = ev
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestEveryPackageEmitsEvent(t *testing.T) {
	client := newFakeClient()
	client.add("EvMulti", "PS100020", &fakeProgram{name: "Install"}, &fakeProgram{name: "Uninstall"})
	client.add("EvEmpty", "PS100021")

	New(client, target).Reconcile(context.Background(),
		[]input.PackageRequest{request("EvMissing"), request("EvMulti"), request("EvEmpty")})

	events := packageEvents(t)

	multi, ok := events["EvMulti"]
	require.True(t, ok)
	assert.Equal(t, "Found", multi.Status)
	assert.Equal(t, float64(2), multi.Context["records"])
	assert.Equal(t, "INFO", multi.Level)

	missing, ok := events["EvMissing"]
	require.True(t, ok)
	assert.Equal(t, string(report.StatusNotFound), missing.Status)
	assert.Equal(t, float64(1), missing.Context["records"])
	assert.Equal(t, "WARN", missing.Level)
	assert.Contains(t, missing.Error, "package not found")

	empty, ok := events["EvEmpty"]
	require.True(t, ok)
	assert.Equal(t, "NoPrograms", empty.Status)
	assert.Equal(t, float64(1), empty.Context["records"])
}
