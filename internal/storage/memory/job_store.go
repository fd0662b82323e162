// Package memory provides in-memory store implementations for development
// and testing. They honor the same semantics as the Postgres stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
	"github.com/phuongnt-git/truyengg-sub001/internal/dupe"
)

// JobStore implements crawl.JobStore and crawl.SettingsStore in memory.
type JobStore struct {
	mu       sync.RWMutex
	jobs     map[string]crawl.Job
	settings map[string]crawl.Settings
	clock    crawl.Clock
}

// NewJobStore constructs a JobStore.
func NewJobStore(clock crawl.Clock) *JobStore {
	return &JobStore{
		jobs:     make(map[string]crawl.Job),
		settings: make(map[string]crawl.Settings),
		clock:    clock,
	}
}

// Create stores a new job.
func (s *JobStore) Create(_ context.Context, job crawl.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := s.clock.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	return nil
}

// Get fetches a job by id, soft-deleted rows included.
func (s *JobStore) Get(_ context.Context, id string) (crawl.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawl.Job{}, crawl.ErrNotFound
	}
	return job, nil
}

// UpdateStatus enforces the same state machine as the Postgres store.
func (s *JobStore) UpdateStatus(_ context.Context, id string, status crawl.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawl.ErrNotFound
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, job.Status, crawl.ErrTerminalState)
	}
	if !job.Status.CanTransition(status) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", id, job.Status, status)
	}
	now := s.clock.Now()
	job.Status = status
	job.ErrorText = errText
	job.UpdatedAt = now
	if status == crawl.JobRunning && job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	if status == crawl.JobCompleted || status == crawl.JobFailed || status == crawl.JobCancelled {
		finished := now
		job.FinishedAt = &finished
	}
	s.jobs[id] = job
	return nil
}

// SetTotal records the discovered item count.
func (s *JobStore) SetTotal(_ context.Context, id string, total int) error {
	return s.mutate(id, func(job *crawl.Job) { job.TotalItems = total })
}

// IncrementCounters applies deltas under the store lock so concurrent
// children never lose updates.
func (s *JobStore) IncrementCounters(_ context.Context, id string, completed, failed, skipped int) error {
	return s.mutate(id, func(job *crawl.Job) {
		job.Completed += completed
		job.Failed += failed
		job.Skipped += skipped
	})
}

// SetContentID links the job to its catalog record.
func (s *JobStore) SetContentID(_ context.Context, id string, contentID int64) error {
	return s.mutate(id, func(job *crawl.Job) { job.ContentID = contentID })
}

// SetContentHash records the digest of the fetched target page.
func (s *JobStore) SetContentHash(_ context.Context, id string, hash string) error {
	return s.mutate(id, func(job *crawl.Job) { job.ContentHash = hash })
}

// IncrementRetry bumps the retry counter.
func (s *JobStore) IncrementRetry(_ context.Context, id string) error {
	return s.mutate(id, func(job *crawl.Job) { job.RetryCount++ })
}

// SoftDelete marks the job deleted without removing it.
func (s *JobStore) SoftDelete(_ context.Context, id string) error {
	now := s.clock.Now()
	return s.mutate(id, func(job *crawl.Job) {
		if job.DeletedAt == nil {
			job.DeletedAt = &now
		}
	})
}

// Restore clears the soft-delete marker.
func (s *JobStore) Restore(_ context.Context, id string) error {
	return s.mutate(id, func(job *crawl.Job) { job.DeletedAt = nil })
}

// ListChildren returns direct children in sibling order.
func (s *JobStore) ListChildren(_ context.Context, parentID string) ([]crawl.Job, error) {
	jobs := s.collect(func(j crawl.Job) bool { return j.ParentID == parentID })
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Position < jobs[k].Position })
	return jobs, nil
}

// ListByRoot returns every descendant of a root, the root included.
func (s *JobStore) ListByRoot(_ context.Context, rootID string) ([]crawl.Job, error) {
	jobs := s.collect(func(j crawl.Job) bool { return j.RootID == rootID })
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].Depth != jobs[k].Depth {
			return jobs[i].Depth < jobs[k].Depth
		}
		return jobs[i].Position < jobs[k].Position
	})
	return jobs, nil
}

// CountActive counts RUNNING jobs; operator == "" counts system-wide.
func (s *JobStore) CountActive(_ context.Context, operator string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, job := range s.jobs {
		if job.Status != crawl.JobRunning || job.DeletedAt != nil {
			continue
		}
		if operator == "" || job.Operator == operator {
			count++
		}
	}
	return count, nil
}

// FindByTargetURL matches jobs by exact target URL, newest first.
func (s *JobStore) FindByTargetURL(_ context.Context, url string) ([]crawl.Job, error) {
	return s.findNewestFirst(func(j crawl.Job) bool { return j.TargetURL == url }), nil
}

// FindByNormalizedURL matches jobs whose normalized target URL equals the
// given form.
func (s *JobStore) FindByNormalizedURL(_ context.Context, normalized string) ([]crawl.Job, error) {
	return s.findNewestFirst(func(j crawl.Job) bool {
		return dupe.NormalizeURL(j.TargetURL) == normalized
	}), nil
}

// FindByContentHash matches jobs by the digest of their target page.
func (s *JobStore) FindByContentHash(_ context.Context, hash string) ([]crawl.Job, error) {
	return s.findNewestFirst(func(j crawl.Job) bool {
		return j.ContentHash != "" && j.ContentHash == hash
	}), nil
}

// ListPendingRoots returns operator-created root jobs awaiting dispatch.
func (s *JobStore) ListPendingRoots(_ context.Context, limit int) ([]crawl.Job, error) {
	jobs := s.collect(func(j crawl.Job) bool {
		return j.ParentID == "" && j.Status == crawl.JobPending && j.DeletedAt == nil
	})
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// SaveSettings upserts the one settings row of a job.
func (s *JobStore) SaveSettings(_ context.Context, settings crawl.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.JobID] = settings
	return nil
}

// GetSettings retrieves the settings row of a job.
func (s *JobStore) GetSettings(_ context.Context, jobID string) (crawl.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.settings[jobID]
	if !ok {
		return crawl.Settings{}, crawl.ErrNotFound
	}
	return settings, nil
}

func (s *JobStore) mutate(id string, fn func(*crawl.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawl.ErrNotFound
	}
	fn(&job)
	job.UpdatedAt = s.clock.Now()
	s.jobs[id] = job
	return nil
}

func (s *JobStore) collect(match func(crawl.Job) bool) []crawl.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []crawl.Job
	for _, job := range s.jobs {
		if match(job) {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func (s *JobStore) findNewestFirst(match func(crawl.Job) bool) []crawl.Job {
	jobs := s.collect(match)
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	return jobs
}
