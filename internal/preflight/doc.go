// Package preflight provides readiness checks for the binaries, directories,
// and remote services montage depends on.
//
// The worker runs RunAll before claiming work so a misconfigured host stops
// pulling jobs instead of failing each one. The CLI status command prints the
// same results.
package preflight
