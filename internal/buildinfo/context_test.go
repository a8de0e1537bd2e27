package buildinfo

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	withModule := func(v string) func() (*debug.BuildInfo, bool) {
		return func() (*debug.BuildInfo, bool) {
			return &debug.BuildInfo{GoVersion: "go1.26.0", Main: debug.Module{Version: v}}, true
		}
	}
	noInfo := func() (*debug.BuildInfo, bool) { return nil, false }

	tests := []struct {
		name    string
		version string
		date    string
		read    func() (*debug.BuildInfo, bool)
		want    Info
	}{
		{
			name:    "injected values win",
			version: "v1.2.0",
			date:    "2026-01-02",
			read:    withModule("v0.9.0"),
			want:    Info{Version: "v1.2.0", BuildDate: "2026-01-02", GoVersion: "go1.26.0"},
		},
		{
			name: "module version fallback",
			read: withModule("v0.9.0"),
			want: Info{Version: "v0.9.0", BuildDate: unknown, GoVersion: "go1.26.0"},
		},
		{
			name: "devel build",
			read: withModule("(devel)"),
			want: Info{Version: unknown, BuildDate: unknown, GoVersion: "go1.26.0"},
		},
		{
			name: "no build info",
			read: noInfo,
			want: Info{Version: unknown, BuildDate: unknown, GoVersion: unknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolve(tt.version, tt.date, tt.read))
		})
	}
}

func TestInfo_String(t *testing.T) {
	info := Info{Version: "v1.0.0", BuildDate: "2026-03-01", GoVersion: "go1.26.0"}
	assert.Equal(t, "v1.0.0 (built 2026-03-01, go1.26.0)", info.String())
}
