// Package api defines wire-format types and the job service shared by the
// HTTP daemon and the CLI.
//
// JobService validates submissions against the template catalog and writes
// the job and its photos in one transaction. Views translate store models
// into camelCase DTOs; template results and regeneration context pass
// through unchanged so clients see exactly what the pipeline recorded.
package api
