// Package services defines shared utilities consumed by the pipeline stages
// and the external collaborators they call.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, template keys, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper so every failure carries
//     a classification (validation, asset, lock, encode, upstream) that the
//     orchestrator and retry policy can act on.
//   - EncodeError, which carries the classified ffmpeg failure signature.
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
