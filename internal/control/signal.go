// Package control implements the process-local pause/cancel signal cache.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// statusReader is the slice of the job store the cache needs for its
// authoritative double check.
type statusReader interface {
	Get(ctx context.Context, id string) (crawl.Job, error)
}

// Signal caches paused/cancelled job ids for cheap per-item checks. The cache
// is never the source of truth: a miss re-reads the job row, and long-running
// loops re-validate once revalidateAfter has elapsed since the last store read.
type Signal struct {
	mu        sync.RWMutex
	paused    map[string]struct{}
	cancelled map[string]struct{}
	checkedAt map[string]time.Time

	jobs            statusReader
	clock           crawl.Clock
	revalidateAfter time.Duration
}

// DefaultRevalidateAfter bounds how stale a cached "keep running" answer may be.
const DefaultRevalidateAfter = 30 * time.Second

// New constructs a Signal backed by the authoritative job store.
func New(jobs statusReader, clock crawl.Clock, revalidateAfter time.Duration) *Signal {
	if revalidateAfter <= 0 {
		revalidateAfter = DefaultRevalidateAfter
	}
	return &Signal{
		paused:          make(map[string]struct{}),
		cancelled:       make(map[string]struct{}),
		checkedAt:       make(map[string]time.Time),
		jobs:            jobs,
		clock:           clock,
		revalidateAfter: revalidateAfter,
	}
}

// Check returns the pending control kind for the job, if any. Cancelled wins
// over paused. On a cache miss (or a stale hit) the job status is re-read
// from the store and the cache populated so later checks in the same loop
// stay cheap.
func (s *Signal) Check(ctx context.Context, jobID string) (crawl.ControlKind, bool) {
	s.mu.RLock()
	_, cancelled := s.cancelled[jobID]
	_, paused := s.paused[jobID]
	checked, seen := s.checkedAt[jobID]
	s.mu.RUnlock()

	if cancelled {
		return crawl.ControlCancel, true
	}
	if paused {
		return crawl.ControlPause, true
	}
	if seen && s.clock.Now().Sub(checked) < s.revalidateAfter {
		return "", false
	}

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		// Store unavailable: keep running, the next check retries.
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkedAt[jobID] = s.clock.Now()
	switch job.Status {
	case crawl.JobCancelled:
		s.cancelled[jobID] = struct{}{}
		return crawl.ControlCancel, true
	case crawl.JobPaused:
		s.paused[jobID] = struct{}{}
		return crawl.ControlPause, true
	default:
		delete(s.paused, jobID)
		delete(s.cancelled, jobID)
		return "", false
	}
}

// RequestPause marks the job paused in the cache so the running handler
// observes it on its next per-item check.
func (s *Signal) RequestPause(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[jobID] = struct{}{}
}

// RequestCancel marks the job cancelled in the cache.
func (s *Signal) RequestCancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[jobID] = struct{}{}
}

// Invalidate drops all cached state for the job. Every external
// status-changing call must invalidate so the next check hits the store.
func (s *Signal) Invalidate(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paused, jobID)
	delete(s.cancelled, jobID)
	delete(s.checkedAt, jobID)
}
