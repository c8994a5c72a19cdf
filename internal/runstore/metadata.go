package runstore

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
)

// CollectMetadata snapshots the execution environment for the run record.
// Host probing is best-effort; a failure degrades to GOOS/GOARCH.
func CollectMetadata(wardenVersion string, toolVersions map[string]string) Metadata {
	md := Metadata{
		WardenVersion: wardenVersion,
		GoVersion:     runtime.Version(),
		ToolVersions:  toolVersions,
	}
	if info, err := host.Info(); err == nil {
		md.Hostname = info.Hostname
		md.Platform = fmt.Sprintf("%s %s (%s)", info.Platform, info.PlatformVersion, runtime.GOARCH)
		md.KernelVersion = info.KernelVersion
	} else {
		md.Platform = runtime.GOOS + "/" + runtime.GOARCH
	}
	return md
}
