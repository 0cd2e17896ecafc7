// Package ffprobe wraps ffprobe JSON output for asset and output validation.
//
// Parse decodes captured output so callers and tests never need a real
// ffprobe; Inspect runs the binary. Result.Check applies the media checks the
// render engine relies on: the expected stream type is present and the
// duration is positive.
package ffprobe
