package services

import (
	"fmt"
	"strings"
)

// EncodeClass names a recognised ffmpeg failure signature.
type EncodeClass string

const (
	EncodeClassOOM            EncodeClass = "oom"
	EncodeClassDecode         EncodeClass = "decode"
	EncodeClassFilterConflict EncodeClass = "filter_conflict"
	EncodeClassFDExhaustion   EncodeClass = "fd_exhaustion"
	EncodeClassTimeout        EncodeClass = "timeout"
	EncodeClassUnknown        EncodeClass = "unknown"
)

// Hint returns an operator-facing next step for the failure class.
func (c EncodeClass) Hint() string {
	switch c {
	case EncodeClassOOM:
		return "lower encoding.max_concurrent or give the host more memory"
	case EncodeClassDecode:
		return "an input clip is corrupt; regenerate the affected photo segment"
	case EncodeClassFilterConflict:
		return "the filter graph reused a label; report the template key"
	case EncodeClassFDExhaustion:
		return "raise the open file limit (ulimit -n) for montaged"
	case EncodeClassTimeout:
		return "raise encoding.timeout_seconds or simplify the template"
	default:
		return "inspect the ffmpeg stderr tail in the job metadata"
	}
}

// Retryable reports whether a fresh attempt could plausibly succeed.
func (c EncodeClass) Retryable() bool {
	switch c {
	case EncodeClassOOM, EncodeClassFDExhaustion, EncodeClassTimeout:
		return true
	default:
		return false
	}
}

// EncodeError describes a failed ffmpeg invocation.
type EncodeError struct {
	Class  EncodeClass
	Stderr string
	Err    error
}

func (e *EncodeError) Error() string {
	msg := fmt.Sprintf("encode failed (%s)", e.Class)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// Unwrap exposes both the encode marker and the underlying process error.
func (e *EncodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrEncode}
	}
	return []error{ErrEncode, e.Err}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[idx+1:])
	}
	return s
}
