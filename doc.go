// Package reporting implements the core of a Reporting-API service: it
// ingests web-origin error and telemetry reports, ingests per-origin
// endpoint-configuration headers, persists endpoint configuration through
// a pluggable store, and asynchronously delivers batched reports to
// endpoints.
//
// Reporting is a library — not a daemon. Import it into your network
// stack and feed it reports and headers.
//
// Key features:
//   - Report queueing scoped by origin and network partition key
//   - Report-To (legacy) and Reporting-Endpoints (V1) header processing
//   - Pluggable client store with multiple backends (SQLite, Postgres,
//     Mongo, Redis, Memory)
//   - Batched delivery with weighted endpoint selection, per-endpoint
//     exponential backoff, and 410-Gone endpoint removal
//   - Browsing-data removal by origin predicate and type mask
//
// Quick start:
//
//	svc, err := reporting.New(
//	    reporting.WithUploader(delivery.NewHTTPUploader(30 * time.Second)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.OnShutdown()
//
//	svc.ProcessReportToHeader("https://example.com/", partition.EmptyKey,
//	    `{"group":"default","max_age":86400,"endpoints":[{"url":"https://r.example/ingest"}]}`)
//
//	svc.QueueReport("https://example.com/page", uuid.Nil, partition.EmptyKey,
//	    "Mozilla/5.0", "default", "deprecation", map[string]any{"id": "websql"}, 0)
package reporting
