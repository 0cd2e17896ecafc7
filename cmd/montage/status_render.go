package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"montage/internal/store"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

// kindStyle is the bracketed tag and colour for each statusKind.
var kindStyle = map[statusKind]struct {
	tag    string
	colors text.Colors
}{
	statusInfo:  {"INFO", text.Colors{text.FgBlue}},
	statusOK:    {"OK", text.Colors{text.FgGreen}},
	statusWarn:  {"WARN", text.Colors{text.FgYellow}},
	statusError: {"ERROR", text.Colors{text.FgRed}},
}

// renderStatusLine prints "  Label:   [TAG] message" with the label padded
// so tags line up.
func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	style := kindStyle[kind]
	line := fmt.Sprintf("  %-22s [%s]", label+":", style.tag)
	if message != "" {
		line += " " + message
	}
	return colored(line, style.colors, colorize)
}

func jobStatusKind(status string) statusKind {
	switch status {
	case string(store.JobCompleted), store.ResultSuccess:
		return statusOK
	case string(store.JobProcessing):
		return statusWarn
	case string(store.JobFailed), store.ResultFailed:
		return statusError
	}
	return statusInfo
}

func colorJobStatus(status string, colorize bool) string {
	return colored(status, kindStyle[jobStatusKind(status)].colors, colorize)
}

func renderSectionHeader(title string, colorize bool) []string {
	heading := "== " + strings.TrimSpace(title) + " =="
	header := text.Colors{text.FgBlue, text.Bold}
	return []string{
		colored(heading, header, colorize),
		colored(strings.Repeat("-", len(heading)), header, colorize),
	}
}

func colored(s string, colors text.Colors, colorize bool) string {
	if !colorize {
		return s
	}
	return colors.Sprint(s)
}

// shouldColorize reports whether w is a terminal.
func shouldColorize(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
