package memory

import (
	"context"
	"sync"
	"time"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// maxMessages caps the rolling message log per job.
const maxMessages = 50

// ProgressStore implements crawl.ProgressStore in memory.
type ProgressStore struct {
	mu       sync.Mutex
	progress map[string]crawl.Progress
	started  map[string]time.Time
	clock    crawl.Clock
}

// NewProgressStore constructs a ProgressStore.
func NewProgressStore(clock crawl.Clock) *ProgressStore {
	return &ProgressStore{
		progress: make(map[string]crawl.Progress),
		started:  make(map[string]time.Time),
		clock:    clock,
	}
}

// Init creates the progress row if it does not exist.
func (s *ProgressStore) Init(_ context.Context, jobID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.progress[jobID]; exists {
		return nil
	}
	now := s.clock.Now()
	s.progress[jobID] = crawl.Progress{JobID: jobID, TotalItems: total, UpdatedAt: now}
	s.started[jobID] = now
	return nil
}

// Get retrieves the progress row of a job.
func (s *ProgressStore) Get(_ context.Context, jobID string) (crawl.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[jobID]
	if !ok {
		return crawl.Progress{}, crawl.ErrNotFound
	}
	p.Messages = append([]string(nil), p.Messages...)
	return p, nil
}

// SetTotal records the item count once discovery has resolved it.
func (s *ProgressStore) SetTotal(_ context.Context, jobID string, total int) error {
	return s.mutate(jobID, func(p *crawl.Progress) { p.TotalItems = total })
}

// Advance applies one item's deltas, recomputes the percentage and the
// remaining-time estimate, and appends to the bounded message log.
func (s *ProgressStore) Advance(_ context.Context, jobID string, upd crawl.ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[jobID]
	if !ok {
		return crawl.ErrNotFound
	}
	now := s.clock.Now()
	p.Completed += upd.CompletedDelta
	p.Failed += upd.FailedDelta
	p.Skipped += upd.SkippedDelta
	p.BytesDownloaded += upd.BytesDelta
	if upd.CurrentItem != "" {
		p.CurrentItem = upd.CurrentItem
	}
	if upd.CurrentURL != "" {
		p.CurrentURL = upd.CurrentURL
	}
	if upd.Message != "" {
		p.Messages = append(p.Messages, upd.Message)
		if len(p.Messages) > maxMessages {
			p.Messages = append([]string(nil), p.Messages[len(p.Messages)-maxMessages:]...)
		}
	}

	processed := p.Completed + p.Failed + p.Skipped
	if p.TotalItems > 0 {
		p.Percent = float64(processed) * 100.0 / float64(p.TotalItems)
		if p.Percent > 100.0 {
			p.Percent = 100.0
		}
	}
	p.RemainingSeconds = 0
	if p.Completed > 0 && p.TotalItems > processed {
		elapsed := now.Sub(s.started[jobID]).Seconds()
		p.RemainingSeconds = int64(elapsed * float64(p.TotalItems-processed) / float64(p.Completed))
	}
	p.UpdatedAt = now
	s.progress[jobID] = p
	return nil
}

func (s *ProgressStore) mutate(jobID string, fn func(*crawl.Progress)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[jobID]
	if !ok {
		return crawl.ErrNotFound
	}
	fn(&p)
	p.UpdatedAt = s.clock.Now()
	s.progress[jobID] = p
	return nil
}
