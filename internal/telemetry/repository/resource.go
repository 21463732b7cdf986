package repository

import (
	"os"
	"runtime"

	"cortex-telemetry/backend/internal/telemetry/domain"
)

// ResourceFunc describes the environment a crash report was produced in.
type ResourceFunc func(source domain.Source) domain.Resource

// HostResource returns a ResourceFunc reading the current host and runtime. appVersion is reported as-is.
func HostResource(appVersion string) ResourceFunc {
	hostname, _ := os.Hostname()
	return func(source domain.Source) domain.Resource {
		return domain.Resource{
			ServiceName:  string(source),
			AppVersion:   appVersion,
			OSName:       runtime.GOOS,
			Architecture: runtime.GOARCH,
			GoVersion:    runtime.Version(),
			Hostname:     hostname,
			NumCPU:       runtime.NumCPU(),
		}
	}
}
