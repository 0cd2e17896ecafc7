// Package render executes a template composition with ffmpeg.
//
// The engine resolves every input through the asset resolver, builds the
// filter graph, waits for a slot in the shared encode queue, and runs ffmpeg
// with a per-render timeout. Output is written next to its final path and
// renamed into place only after ffprobe confirms a video stream with a
// positive duration. A hardware encoder failure that is not a timeout gets one
// retry on libx264.
package render
