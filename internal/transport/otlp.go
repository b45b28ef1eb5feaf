package transport

import "github.com/seuros/miniapm/internal/apmtrace"

// ResourceAttributes describes the process-level attributes attached to
// every span batch. ServiceName and Environment are always present; the
// rest are included only when configured.
type ResourceAttributes struct {
	ServiceName    string
	Environment    string
	ServiceVersion string
	Host           string
	GitSHA         string
}

func (r ResourceAttributes) otlp() []map[string]any {
	attrs := []map[string]any{
		stringAttr("service.name", r.ServiceName),
		stringAttr("deployment.environment", r.Environment),
		stringAttr("telemetry.sdk.name", libraryName),
		stringAttr("telemetry.sdk.version", libraryVersion),
		stringAttr("telemetry.sdk.language", "go"),
	}
	if r.ServiceVersion != "" {
		attrs = append(attrs, stringAttr("service.version", r.ServiceVersion))
	}
	if r.Host != "" {
		attrs = append(attrs, stringAttr("host.name", r.Host))
	}
	if r.GitSHA != "" {
		attrs = append(attrs, stringAttr("git.sha", r.GitSHA))
	}
	return attrs
}

func stringAttr(key, value string) map[string]any {
	return map[string]any{
		"key":   key,
		"value": map[string]any{"stringValue": value},
	}
}

// OTLPExporter POSTs finished spans to the traces ingest endpoint as an
// OTLP-JSON resourceSpans payload.
type OTLPExporter struct {
	Client   *Client
	Resource ResourceAttributes
}

// NewOTLPExporter builds an exporter bound to client and resource.
func NewOTLPExporter(client *Client, resource ResourceAttributes) *OTLPExporter {
	return &OTLPExporter{Client: client, Resource: resource}
}

// Export serializes spans into a single resourceSpans payload and POSTs it
// to {endpoint}/ingest/v1/traces. If the client has no API key configured,
// Export does nothing and returns a no-op Result: there is nowhere
// authenticated to send the batch.
func (e *OTLPExporter) Export(spans []*apmtrace.Span) Result {
	if e.Client.APIKey == "" {
		return Result{NoOp: true}
	}
	otlpSpans := make([]map[string]any, len(spans))
	for i, s := range spans {
		otlpSpans[i] = s.ToOTLP()
	}
	payload := map[string]any{
		"resourceSpans": []map[string]any{
			{
				"resource": map[string]any{"attributes": e.Resource.otlp()},
				"scopeSpans": []map[string]any{
					{
						"scope": map[string]any{"name": libraryName, "version": libraryVersion},
						"spans": otlpSpans,
					},
				},
			},
		},
	}
	return e.Client.Post(e.Client.Endpoint+"/ingest/v1/traces", payload, nil)
}
