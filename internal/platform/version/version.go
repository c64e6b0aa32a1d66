package version

import (
	"fmt"
	"runtime"
)

// Build information, injected via ldflags at build time
var (
	// Version is the git tag or semantic version
	Version = "dev"
	// Commit is the git commit SHA
	Commit = "unknown"
	// BuildTime is the ISO 8601 build timestamp
	BuildTime = "unknown"
)

// ProtocolVersion identifies the wire protocol spoken on /cable. Clients send it as
// a query parameter; bump it on any incompatible frame change.
const ProtocolVersion = "streamcast.v1"

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Protocol  string `json:"protocol"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Protocol:  ProtocolVersion,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("streamcast %s (%s, built %s, %s)", i.Version, i.Commit, i.BuildTime, i.GoVersion)
}
