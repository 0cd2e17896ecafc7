// Package daemon coordinates the long-running montaged process.
//
// It wires the job store, worker pool, cleanup scheduler, and HTTP API into a
// single lifecycle guarded by a flock on <state_dir>/montaged.lock so only one
// daemon owns a state directory. The API server exposes job submission and
// inspection, cache and cleanup maintenance, presigned object downloads, and
// Prometheus metrics.
//
// Keep orchestration logic here: job processing belongs to the pipeline and
// worker packages while the daemon focuses on startup, shutdown, and the
// transport surface.
package daemon
