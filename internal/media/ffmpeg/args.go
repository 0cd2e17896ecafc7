package ffmpeg

// BaseArgs are the global flags every montage invocation starts with.
func BaseArgs() []string {
	return []string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error"}
}

// OutputArgs are the container flags for delivered MP4 files.
func OutputArgs() []string {
	return []string{"-movflags", "+faststart"}
}

// AudioArgs encode the music bed.
func AudioArgs() []string {
	return []string{"-c:a", "aac", "-b:a", "192k", "-ar", "48000"}
}
