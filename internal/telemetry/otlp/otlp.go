// Package otlp maps crash reports to and from OTLP log export requests.
//
// Each report becomes one ResourceLogs holding a single ERROR log record under the
// cortex.crash scope. The report ID travels as the crash.id attribute so receivers
// can drop redelivered reports.
package otlp

import (
	"time"

	"github.com/google/uuid"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"cortex-telemetry/backend/internal/telemetry/domain"
)

// ScopeName is the instrumentation scope of crash report log records.
const ScopeName = "cortex.crash"

// Attribute keys.
const (
	AttrServiceName    = "service.name"
	AttrServiceVersion = "service.version"
	AttrOSType         = "os.type"
	AttrHostArch       = "host.arch"
	AttrHostName       = "host.name"
	AttrRuntimeVersion = "process.runtime.version"
	AttrCPUCount       = "host.cpu.count"
	AttrSource         = "cortex.source"

	AttrCrashID  = "crash.id"
	AttrType     = "telemetry.type"
	AttrMessage  = "message"
	AttrStack    = "stack"
	AttrModelID  = "modelId"
	AttrEndpoint = "endpoint"
	AttrCommand  = "command"
)

// ToRequest wraps t in an export request.
func ToRequest(t *domain.Telemetry) *collogspb.ExportLogsServiceRequest {
	if t == nil {
		return &collogspb.ExportLogsServiceRequest{}
	}
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{ToResourceLogs(t)},
	}
}

// ToResourceLogs converts t to a single ResourceLogs.
func ToResourceLogs(t *domain.Telemetry) *logspb.ResourceLogs {
	typ := t.Metadata.Type
	if typ == "" {
		typ = domain.TypeCrashReport
	}
	ts := uint64(t.Metadata.CreatedAt.UnixNano())
	attrs := []*commonpb.KeyValue{
		str(AttrCrashID, t.ID),
		str(AttrType, string(typ)),
		str(AttrMessage, t.Event.Message),
		str(AttrModelID, t.Event.Payload.ModelID),
		str(AttrEndpoint, t.Event.Payload.Endpoint),
		str(AttrCommand, t.Event.Payload.Command),
	}
	if t.Event.Stack != "" {
		attrs = append(attrs, str(AttrStack, t.Event.Stack))
	}
	return &logspb.ResourceLogs{
		Resource: &resourcepb.Resource{Attributes: resourceAttributes(t)},
		ScopeLogs: []*logspb.ScopeLogs{{
			Scope: &commonpb.InstrumentationScope{Name: ScopeName, Version: t.Resource.AppVersion},
			LogRecords: []*logspb.LogRecord{{
				TimeUnixNano:         ts,
				ObservedTimeUnixNano: ts,
				SeverityNumber:       logspb.SeverityNumber_SEVERITY_NUMBER_ERROR,
				SeverityText:         "ERROR",
				Body:                 &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: t.Event.Message}},
				Attributes:           attrs,
			}},
		}},
	}
}

func resourceAttributes(t *domain.Telemetry) []*commonpb.KeyValue {
	r := t.Resource
	service := r.ServiceName
	if service == "" {
		service = string(t.Source)
	}
	attrs := []*commonpb.KeyValue{
		str(AttrServiceName, service),
		str(AttrSource, string(t.Source)),
	}
	for _, kv := range []struct{ k, v string }{
		{AttrServiceVersion, r.AppVersion},
		{AttrOSType, r.OSName},
		{AttrHostArch, r.Architecture},
		{AttrHostName, r.Hostname},
		{AttrRuntimeVersion, r.GoVersion},
	} {
		if kv.v != "" {
			attrs = append(attrs, str(kv.k, kv.v))
		}
	}
	if r.NumCPU > 0 {
		attrs = append(attrs, &commonpb.KeyValue{
			Key:   AttrCPUCount,
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(r.NumCPU)}},
		})
	}
	return attrs
}

// FromRequest extracts crash reports from req. Log records that are not crash reports are skipped.
// Records without a crash.id get a fresh one.
func FromRequest(req *collogspb.ExportLogsServiceRequest) []*domain.Telemetry {
	var out []*domain.Telemetry
	for _, rl := range req.GetResourceLogs() {
		resAttrs := attrMap(rl.GetResource().GetAttributes())
		resource := domain.Resource{
			ServiceName:  resAttrs[AttrServiceName].GetStringValue(),
			AppVersion:   resAttrs[AttrServiceVersion].GetStringValue(),
			OSName:       resAttrs[AttrOSType].GetStringValue(),
			Architecture: resAttrs[AttrHostArch].GetStringValue(),
			GoVersion:    resAttrs[AttrRuntimeVersion].GetStringValue(),
			Hostname:     resAttrs[AttrHostName].GetStringValue(),
			NumCPU:       int(resAttrs[AttrCPUCount].GetIntValue()),
		}
		source := resAttrs[AttrSource].GetStringValue()
		if source == "" {
			source = resource.ServiceName
		}
		for _, sl := range rl.GetScopeLogs() {
			for _, lr := range sl.GetLogRecords() {
				attrs := attrMap(lr.GetAttributes())
				if !isCrashReport(sl.GetScope().GetName(), attrs) {
					continue
				}
				out = append(out, fromLogRecord(lr, attrs, domain.Source(source), resource))
			}
		}
	}
	return out
}

func isCrashReport(scope string, attrs map[string]*commonpb.AnyValue) bool {
	if v, ok := attrs[AttrType]; ok {
		return v.GetStringValue() == string(domain.TypeCrashReport)
	}
	return scope == ScopeName
}

func fromLogRecord(lr *logspb.LogRecord, attrs map[string]*commonpb.AnyValue, source domain.Source, resource domain.Resource) *domain.Telemetry {
	id := attrs[AttrCrashID].GetStringValue()
	if id == "" {
		id = uuid.NewString()
	}
	message := attrs[AttrMessage].GetStringValue()
	if message == "" {
		message = lr.GetBody().GetStringValue()
	}
	ts := lr.GetTimeUnixNano()
	if ts == 0 {
		ts = lr.GetObservedTimeUnixNano()
	}
	created := time.Now().UTC()
	if ts != 0 {
		created = time.Unix(0, int64(ts)).UTC()
	}
	return &domain.Telemetry{
		ID:     id,
		Source: source,
		Metadata: domain.Metadata{
			CreatedAt: created,
			Type:      domain.TypeCrashReport,
		},
		Resource: resource,
		Event: domain.CrashReport{
			Message: message,
			Stack:   attrs[AttrStack].GetStringValue(),
			Payload: domain.Payload{
				ModelID:  attrs[AttrModelID].GetStringValue(),
				Endpoint: attrs[AttrEndpoint].GetStringValue(),
				Command:  attrs[AttrCommand].GetStringValue(),
			},
		},
	}
}

func attrMap(kvs []*commonpb.KeyValue) map[string]*commonpb.AnyValue {
	m := make(map[string]*commonpb.AnyValue, len(kvs))
	for _, kv := range kvs {
		m[kv.GetKey()] = kv.GetValue()
	}
	return m
}

func str(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}
