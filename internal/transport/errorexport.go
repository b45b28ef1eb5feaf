package transport

import "github.com/seuros/miniapm/internal/apmerror"

// ErrorExporter POSTs ErrorEvents to the errors ingest endpoint. The
// collector only documents a single-event endpoint, so ExportBatch iterates
// rather than batching.
type ErrorExporter struct {
	Client *Client
}

// NewErrorExporter builds an exporter bound to client.
func NewErrorExporter(client *Client) *ErrorExporter {
	return &ErrorExporter{Client: client}
}

// Export POSTs a single error event to {endpoint}/ingest/errors.
func (e *ErrorExporter) Export(event *apmerror.ErrorEvent) Result {
	if e.Client.APIKey == "" {
		return Result{NoOp: true}
	}
	return e.Client.Post(e.Client.Endpoint+"/ingest/errors", event.ToH(), nil)
}

// BatchResult aggregates the outcome of sending a batch of error events
// one-by-one.
type BatchResult struct {
	Success bool
	NoOp    bool
	Sent    int
	Failed  int
	Status  int
}

// ExportBatch sends each event individually and aggregates the outcome:
// Success is true if any event succeeded; Status is the status of the last
// event sent. NoOp is true only when every event was a no-op (no API key
// configured), so a mixed batch is never mistaken for one that did nothing.
func (e *ErrorExporter) ExportBatch(events []*apmerror.ErrorEvent) BatchResult {
	agg := BatchResult{NoOp: true}
	for _, ev := range events {
		r := e.Export(ev)
		if r.NoOp {
			continue
		}
		agg.NoOp = false
		agg.Status = r.Status
		if r.Success {
			agg.Success = true
			agg.Sent++
		} else {
			agg.Failed++
		}
	}
	return agg
}
