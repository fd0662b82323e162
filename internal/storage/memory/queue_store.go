package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// QueueStore implements crawl.QueueStore in memory. Claim holds the store
// lock for the whole pick-and-mark step, so concurrent claimants never
// receive the same entry.
type QueueStore struct {
	mu      sync.Mutex
	entries map[string]crawl.QueueEntry
	seq     int
	clock   crawl.Clock
}

// NewQueueStore constructs a QueueStore.
func NewQueueStore(clock crawl.Clock) *QueueStore {
	return &QueueStore{
		entries: make(map[string]crawl.QueueEntry),
		clock:   clock,
	}
}

// Enqueue inserts the discovered child entries as PENDING.
func (s *QueueStore) Enqueue(_ context.Context, entries []crawl.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, e := range entries {
		e.Status = crawl.EntryPending
		e.CreatedAt = now
		e.UpdatedAt = now
		// Tiebreak equal creation times with an insertion sequence, the
		// map iteration order would otherwise make claims unstable.
		s.seq++
		e.CreatedAt = e.CreatedAt.Add(time.Duration(s.seq) * time.Nanosecond)
		s.entries[e.ID] = e
	}
	return nil
}

// Claim atomically picks up to limit ready entries and marks them
// PROCESSING. Ready means PENDING, or DELAYED with next_retry_at passed.
func (s *QueueStore) Claim(_ context.Context, limit int) ([]crawl.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	var ready []crawl.QueueEntry
	for _, e := range s.entries {
		switch e.Status {
		case crawl.EntryPending:
			ready = append(ready, e)
		case crawl.EntryDelayed:
			if e.NextRetryAt != nil && !e.NextRetryAt.After(now) {
				ready = append(ready, e)
			}
		}
	}
	sort.Slice(ready, func(i, k int) bool {
		if ready[i].Priority != ready[k].Priority {
			return ready[i].Priority > ready[k].Priority
		}
		return ready[i].CreatedAt.Before(ready[k].CreatedAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	for i, e := range ready {
		e.Status = crawl.EntryProcessing
		e.UpdatedAt = now
		s.entries[e.ID] = e
		ready[i] = e
	}
	return ready, nil
}

// Get retrieves one entry by id.
func (s *QueueStore) Get(_ context.Context, id string) (crawl.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return crawl.QueueEntry{}, crawl.ErrNotFound
	}
	return e, nil
}

// Complete marks a claimed entry done.
func (s *QueueStore) Complete(_ context.Context, id string) error {
	return s.mutate(id, func(e *crawl.QueueEntry) {
		e.Status = crawl.EntryCompleted
		e.ErrorText = ""
	})
}

// Fail marks a claimed entry permanently failed.
func (s *QueueStore) Fail(_ context.Context, id string, errText string) error {
	return s.mutate(id, func(e *crawl.QueueEntry) {
		e.Status = crawl.EntryFailed
		e.ErrorText = errText
	})
}

// Release returns a claimed entry to PENDING without recording a failure.
func (s *QueueStore) Release(_ context.Context, id string) error {
	return s.mutate(id, func(e *crawl.QueueEntry) {
		e.Status = crawl.EntryPending
		e.ErrorText = ""
	})
}

// Delay reschedules a failed entry, incrementing the retry count.
func (s *QueueStore) Delay(_ context.Context, id string, errText string, nextRetryAt time.Time) error {
	return s.mutate(id, func(e *crawl.QueueEntry) {
		e.Status = crawl.EntryDelayed
		e.RetryCount++
		e.ErrorText = errText
		at := nextRetryAt
		e.NextRetryAt = &at
	})
}

// SetSpawnedJob links the entry to the job materialized from it.
func (s *QueueStore) SetSpawnedJob(_ context.Context, id string, jobID string) error {
	return s.mutate(id, func(e *crawl.QueueEntry) { e.SpawnedJob = jobID })
}

// SkipPendingForJob marks all still-dispatchable entries of a job SKIPPED.
func (s *QueueStore) SkipPendingForJob(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	skipped := 0
	for id, e := range s.entries {
		if e.JobID != jobID {
			continue
		}
		if e.Status == crawl.EntryPending || e.Status == crawl.EntryDelayed {
			e.Status = crawl.EntrySkipped
			e.UpdatedAt = now
			s.entries[id] = e
			skipped++
		}
	}
	return skipped, nil
}

// CountActiveForJob counts the entries of a job that are not yet terminal.
func (s *QueueStore) CountActiveForJob(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		if e.JobID != jobID {
			continue
		}
		switch e.Status {
		case crawl.EntryPending, crawl.EntryProcessing, crawl.EntryDelayed:
			count++
		}
	}
	return count, nil
}

func (s *QueueStore) mutate(id string, fn func(*crawl.QueueEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return crawl.ErrNotFound
	}
	fn(&e)
	e.UpdatedAt = s.clock.Now()
	s.entries[id] = e
	return nil
}
