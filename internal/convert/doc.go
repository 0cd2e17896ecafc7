// Package convert turns listing photos into short video segments.
//
// HTTPConverter delegates to the configured image-to-video service;
// StillConverter is the offline fallback that pans and zooms over the still
// with ffmpeg. Photos are normalized with imaging before either runs.
package convert
