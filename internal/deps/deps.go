package deps

import (
	"fmt"
	"os/exec"
	"strings"
)

// Requirement names an external binary montage runs.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status is a Requirement after a PATH lookup.
type Status struct {
	Requirement
	Available bool
	Path      string // resolved executable
	Detail    string // why the binary is unavailable
}

// Check resolves a single requirement.
func Check(req Requirement) Status {
	req.Command = strings.TrimSpace(req.Command)
	req.Description = strings.TrimSpace(req.Description)
	st := Status{Requirement: req}
	if req.Command == "" {
		st.Detail = "command not configured"
		return st
	}
	path, err := exec.LookPath(req.Command)
	if err != nil {
		st.Detail = fmt.Sprintf("binary %q not found", req.Command)
		return st
	}
	st.Available, st.Path = true, path
	return st
}

// CheckBinaries runs Check over reqs, preserving order.
func CheckBinaries(reqs []Requirement) []Status {
	out := make([]Status, len(reqs))
	for i, req := range reqs {
		out[i] = Check(req)
	}
	return out
}

// Missing filters statuses down to unavailable, non-optional entries.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, st := range statuses {
		if !st.Optional && !st.Available {
			out = append(out, st)
		}
	}
	return out
}
