package domain

import (
	"errors"
	"fmt"
	"time"
)

// Source identifies the process that produced a crash report (CLI, server, engine).
type Source string

const (
	SourceCLI    Source = "cortex-cli"
	SourceServer Source = "cortex-server"
	SourceEngine Source = "cortex-cpp"
)

// ErrUnknownSource is returned by ParseSource for values outside the known set.
var ErrUnknownSource = errors.New("unknown telemetry source")

// ParseSource validates s against the known sources.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceCLI, SourceServer, SourceEngine:
		return Source(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSource, s)
}

// Type is the kind of telemetry record. Only crash reports exist today.
type Type string

const TypeCrashReport Type = "CRASH_REPORT"

// Payload is the request/command context captured with a crash. Missing values are "".
type Payload struct {
	ModelID  string `json:"modelId"`
	Endpoint string `json:"endpoint"`
	Command  string `json:"command"`
}

// CrashReport is the error part of a telemetry record. Stack is empty when the error carried none.
type CrashReport struct {
	Message string  `json:"message"`
	Stack   string  `json:"stack,omitempty"`
	Payload Payload `json:"payload"`
}

// Metadata tracks record lifecycle. SentAt is nil until the record was transmitted to every sink.
type Metadata struct {
	CreatedAt time.Time  `json:"createdAt"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
	Type      Type       `json:"type"`
}

// Sent reports whether the record was already transmitted.
func (m Metadata) Sent() bool {
	return m.SentAt != nil
}

// Resource describes the environment that produced the record.
type Resource struct {
	ServiceName  string `json:"serviceName"`
	AppVersion   string `json:"appVersion"`
	OSName       string `json:"osName"`
	Architecture string `json:"architecture"`
	GoVersion    string `json:"goVersion"`
	Hostname     string `json:"hostname"`
	NumCPU       int    `json:"numCpu"`
}

// Telemetry is a persisted crash report. ID is assigned at creation and stays stable across
// deliveries so receivers can drop duplicates.
type Telemetry struct {
	ID       string      `json:"id"`
	Source   Source      `json:"source"`
	Metadata Metadata    `json:"metadata"`
	Resource Resource    `json:"resource"`
	Event    CrashReport `json:"event"`
}
