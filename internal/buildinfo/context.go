// Package buildinfo holds build-time metadata injected with -ldflags.
package buildinfo

import "runtime/debug"

// Set by the linker:
//
//	-ldflags "-X github.com/tphakala/stockvision/internal/buildinfo.version=v1.2.0
//	          -X github.com/tphakala/stockvision/internal/buildinfo.buildDate=2026-01-02"
var (
	version   string
	buildDate string
)

const unknown = "unknown"

// Info is the build metadata of the running binary.
type Info struct {
	Version   string `json:"version"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
}

// Get returns the build metadata. When the version was not injected the
// module version recorded by the go tool is used.
func Get() Info {
	return resolve(version, buildDate, debug.ReadBuildInfo)
}

func resolve(v, date string, read func() (*debug.BuildInfo, bool)) Info {
	info := Info{Version: v, BuildDate: date, GoVersion: unknown}
	if bi, ok := read(); ok && bi != nil {
		info.GoVersion = bi.GoVersion
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}
	if info.Version == "" {
		info.Version = unknown
	}
	if info.BuildDate == "" {
		info.BuildDate = unknown
	}
	return info
}

// String formats the metadata for a version banner.
func (i Info) String() string {
	return i.Version + " (built " + i.BuildDate + ", " + i.GoVersion + ")"
}
