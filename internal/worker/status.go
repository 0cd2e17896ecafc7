package worker

import (
	"context"
	"sort"

	"montage/internal/logging"
	"montage/internal/store"
)

// StatusSummary represents lightweight worker diagnostics.
type StatusSummary struct {
	Running    bool                    `json:"running"`
	Slots      int                     `json:"slots"`
	ActiveJobs []string                `json:"active_jobs"`
	Finished   int                     `json:"finished"`
	LastError  string                  `json:"last_error,omitempty"`
	LastJobID  string                  `json:"last_job_id,omitempty"`
	JobStats   map[store.JobStatus]int `json:"job_stats"`
}

// Status returns the latest worker information.
func (p *Pool) Status(ctx context.Context) StatusSummary {
	p.mu.RLock()
	summary := StatusSummary{
		Running:  p.running,
		Slots:    p.Concurrency(),
		Finished: p.finished,
	}
	for id := range p.active {
		summary.ActiveJobs = append(summary.ActiveJobs, id)
	}
	if p.lastErr != nil {
		summary.LastError = p.lastErr.Error()
	}
	if p.lastJob != nil {
		summary.LastJobID = p.lastJob.ID
	}
	p.mu.RUnlock()
	sort.Strings(summary.ActiveJobs)

	stats, err := p.jobs.Stats(ctx)
	if err != nil {
		p.logger.Warn("failed to read job stats", logging.Error(err))
	}
	summary.JobStats = stats
	return summary
}

// IsActive reports whether jobID is running in this pool.
func (p *Pool) IsActive(jobID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.active[jobID]
	return ok
}
