package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"montage/internal/cleanup"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Where a cleanup pass ran.
const (
	passDaemon = "daemon"
	passLocal  = "local"
)

// cleanupRunOutput is the --json form of `montage cleanup run`.
type cleanupRunOutput struct {
	RanIn   string `json:"ranIn"`
	Forced  bool   `json:"forced"`
	Deleted int    `json:"deleted"`
	Skipped int    `json:"skipped"`
	Retried int    `json:"retried"`
	Dropped int    `json:"dropped"`
}

func newCleanupRunOutput(result cleanup.Result, ranIn string, forced bool) cleanupRunOutput {
	return cleanupRunOutput{
		RanIn:   ranIn,
		Forced:  forced,
		Deleted: result.Deleted,
		Skipped: result.Skipped,
		Retried: result.Retried,
		Dropped: result.Dropped,
	}
}
