// Package worker runs claimed jobs through the production pipeline.
//
// A Pool keeps up to workflow.max_concurrent_jobs jobs in flight. Each slot
// polls the store for the oldest PENDING job, keeps its heartbeat fresh while
// the pipeline runs, and releases the slot when the job reaches a terminal
// state. Before every claim the pool reclaims PROCESSING jobs whose heartbeat
// went stale, so a crashed daemon's work is picked up again.
//
// Running jobs carry their own cancel function; Cancel stops the pipeline
// context, which in turn kills any ffmpeg process the job owns.
package worker
