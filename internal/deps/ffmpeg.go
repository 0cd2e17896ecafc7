package deps

// MediaRequirements lists the ffmpeg tools the render and conversion paths
// execute. Empty commands fall back to PATH lookups of the default names.
func MediaRequirements(ffmpeg, ffprobe string) []Requirement {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return []Requirement{
		{
			Name:        "FFmpeg",
			Command:     ffmpeg,
			Description: "Required for encoding reels and still conversion",
		},
		{
			Name:        "FFprobe",
			Command:     ffprobe,
			Description: "Required for asset validation",
		},
	}
}
