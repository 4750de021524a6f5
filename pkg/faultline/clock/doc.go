// Package clock abstracts time for the telemetry pipeline so that every
// timing behavior (flush debounce, periodic flush, breadcrumb aging,
// dedup windows, retry backoff) can be driven deterministically in tests.
//
// Production code receives Real(); tests construct a Fake clock and call
// Advance to fire pending timers and tickers in deadline order.
package clock
