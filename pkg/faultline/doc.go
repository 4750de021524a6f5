// Package faultline is a client-side telemetry SDK: it turns application
// errors and events into structured records and reliably delivers them
// to a remote collector despite network failure, process restarts, and
// storage limits.
//
// # Core Components
//
// The pipeline is built from six pieces:
//
//   - Sanitizer: redacts sensitive fields from nested data before it
//     leaves the process
//   - Fingerprint/Deduper: derives a stable identity for an error and
//     suppresses repeats within a time window
//   - BreadcrumbBuffer: a bounded, age-limited trail of recent events
//   - Queue: a bounded, durable holding area for events awaiting
//     delivery, persisted through a pluggable Store
//   - Transport: batch delivery over HTTP with retry and backoff
//   - Tracker: the coordinator wiring capture → enqueue → flush
//
// # Quick Start
//
//	cfg := faultline.Config{
//	    Endpoint: "https://collector.example.com/ingest",
//	    APIKey:   os.Getenv("FAULTLINE_KEY"),
//	}
//	tracker, err := faultline.New(cfg,
//	    faultline.WithStore(filestore.New(cacheDir)),
//	    faultline.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer tracker.Shutdown(ctx)
//
//	eventID := tracker.CaptureError(err, nil)
//
// # Design Principles
//
//   - Telemetry never crashes the host: every public method returns a
//     sentinel or result value, never panics
//   - At-least-once delivery: failed batches stay queued; overlapping
//     flushes coalesce rather than race
//   - Bounded everything: queue, breadcrumbs, and dedup state all have
//     hard size or age limits
//   - Sensitive data is redacted before an event is ever assembled
package faultline
