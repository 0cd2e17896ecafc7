// Package logging assembles structured slog loggers and formatting helpers used
// across Montage services.
//
// It owns the console and JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so pipeline code automatically tags log
// lines with job IDs, stages, templates, and correlation IDs. A bounded
// StreamHub keeps recent events for the daemon's log endpoint.
//
// Prefer these constructors over hand-rolled slog setup so new components emit
// data with the same shape as the rest of the system.
package logging
