// Package pipeline orchestrates one listing job from photos to delivered
// reels.
//
// Execute converts every photo into a video segment (stage "runway"),
// renders the map flythrough when a requested template needs it (stage
// "map"), then composes, renders, and uploads each requested template in
// concurrent batches (stage "template"). The primary output is chosen last
// (stage "upload"). A template failure is recorded in job metadata and never
// stops its siblings; the job itself fails only when no template succeeds,
// when no photo segment could be produced, or when its own state cannot be
// persisted.
//
// Regenerate reprocesses a subset of photos, reusing the segments of the
// rest, and re-renders every requested template.
//
// Every derived artifact (photo segment, map clip, template render) goes
// through the asset cache, so a repeat request with identical inputs costs
// one cache lookup.
package pipeline
