// Package version holds build metadata injected with -ldflags "-X cortex-telemetry/backend/internal/version.Version=...".
package version

// Version is the application version reported with crash reports.
var Version = "dev"
