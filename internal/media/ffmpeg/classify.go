package ffmpeg

import (
	"regexp"

	"montage/internal/services"
)

// Pre-compiled stderr signatures, checked in order; the first match wins.
var (
	reFDExhaustion = regexp.MustCompile(
		`(?i)Too many open files|EMFILE`)

	reOOM = regexp.MustCompile(
		`(?i)Cannot allocate memory|out of memory|std::bad_alloc|` +
			`Failed to allocate|malloc of size \d+ failed|Killed`)

	reFilterConflict = regexp.MustCompile(
		`(?i)Duplicate output pad|is already connected|` +
			`Filter .* has an unconnected output|` +
			`Output with label '.*' does not exist|` +
			`Too many inputs specified for the .* filter|` +
			`Cannot find a matching stream for unlabeled input pad|` +
			`Error initializing complex filters|Error reinitializing filters|` +
			`label .* was already used`)

	reDecode = regexp.MustCompile(
		`(?i)Invalid data found when processing input|moov atom not found|` +
			`Error while decoding stream|error while decoding MB|` +
			`could not find codec parameters|decode_slice_header error|` +
			`Invalid NAL unit|corrupt (input|decoded frame)`)
)

// Classify maps ffmpeg stderr to a failure class. timedOut takes precedence.
func Classify(stderr string, timedOut bool) services.EncodeClass {
	switch {
	case timedOut:
		return services.EncodeClassTimeout
	case reFDExhaustion.MatchString(stderr):
		return services.EncodeClassFDExhaustion
	case reOOM.MatchString(stderr):
		return services.EncodeClassOOM
	case reFilterConflict.MatchString(stderr):
		return services.EncodeClassFilterConflict
	case reDecode.MatchString(stderr):
		return services.EncodeClassDecode
	default:
		return services.EncodeClassUnknown
	}
}
