// pkg/version/version.go - build information for cmplatform.

package version

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/windowsadmins/cmplatform/pkg/version.version=..."
var (
	version   = ""
	revision  = ""
	buildDate = ""
	appName   = "cmplatform"
)

// Info is the build information of the running binary.
type Info struct {
	AppName   string `json:"app_name" yaml:"app_name"`
	Version   string `json:"version" yaml:"version"`
	Revision  string `json:"revision" yaml:"revision"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	BuildDate string `json:"build_date" yaml:"build_date"`
}

// Get returns the linker-provided values, filled from the module build info
// when the binary was built without ldflags.
func Get() Info {
	info := Info{
		AppName:   appName,
		Version:   version,
		Revision:  revision,
		GoVersion: runtime.Version(),
		BuildDate: buildDate,
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Revision == "" {
					info.Revision = s.Value
				}
			case "vcs.time":
				if info.BuildDate == "" {
					info.BuildDate = s.Value
				}
			}
		}
	}

	if info.Version == "" {
		info.Version = "dev"
	}
	return info
}

// String returns "<app> <version>".
func (i Info) String() string {
	return fmt.Sprintf("%s %s", i.AppName, i.Version)
}

// PrintFull prints the application name and detailed version information.
func PrintFull(w io.Writer) {
	v := Get()
	fmt.Fprintln(w, v.String())
	fmt.Fprintf(w, "  revision: \t%s\n", v.Revision)
	fmt.Fprintf(w, "  build date: \t%s\n", v.BuildDate)
	fmt.Fprintf(w, "  go version: \t%s\n", v.GoVersion)
}
