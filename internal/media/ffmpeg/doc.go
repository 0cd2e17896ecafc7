// Package ffmpeg runs encodes and interprets what ffmpeg reports back.
//
// Key pieces:
//   - Run: executes one ffmpeg command under a timeout, streaming
//     -progress output to a callback and keeping a bounded stderr tail
//   - Classify: maps stderr signatures to services.EncodeClass
//   - Selector: probes hardware H.264 encoders once per process and falls
//     back to libx264
package ffmpeg
