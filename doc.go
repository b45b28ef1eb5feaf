// Package miniapm is the public façade of an application-performance-
// monitoring client: distributed tracing with W3C traceparent propagation,
// OTLP-JSON span export, error-event reporting with fingerprinting and
// parameter filtering, and an asynchronous batching transport, all behind
// a small functional-options configuration surface.
//
// A typical host wires it up once at boot:
//
//	if err := miniapm.Start(
//		miniapm.WithEndpoint("https://collector.example.com"),
//		miniapm.WithAPIKey(os.Getenv("MINIAPM_API_KEY")),
//		miniapm.WithServiceName("checkout"),
//	); err != nil {
//		log.Fatal(err)
//	}
//	defer miniapm.Stop()
//
// and instruments request handlers with Span:
//
//	err := miniapm.Span(ctx, "GET /orders", ext.CategoryHTTPServer, attrs,
//		func(ctx context.Context) error {
//			return handle(ctx, w, r)
//		})
//
// The core never blocks a caller's critical path and never propagates its
// own telemetry failures to the host application; every background error
// is logged and swallowed. See the internal/batch, internal/transport and
// internal/apmerror packages for the subsystems this façade coordinates.
package miniapm
