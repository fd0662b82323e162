package memory

import (
	"context"
	"sync"
	"time"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// CheckpointStore implements crawl.CheckpointStore in memory.
type CheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]crawl.Checkpoint
	clock       crawl.Clock
}

// NewCheckpointStore constructs a CheckpointStore.
func NewCheckpointStore(clock crawl.Clock) *CheckpointStore {
	return &CheckpointStore{
		checkpoints: make(map[string]crawl.Checkpoint),
		clock:       clock,
	}
}

// Init creates the checkpoint row if it does not exist.
func (s *CheckpointStore) Init(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checkpoints[jobID]; exists {
		return nil
	}
	s.checkpoints[jobID] = crawl.Checkpoint{
		JobID:     jobID,
		LastIndex: -1,
		PrevTotal: -1,
		UpdatedAt: s.clock.Now(),
	}
	return nil
}

// Get retrieves a deep copy of the checkpoint so callers cannot alias the
// stored slices.
func (s *CheckpointStore) Get(_ context.Context, jobID string) (crawl.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[jobID]
	if !ok {
		return crawl.Checkpoint{}, crawl.ErrNotFound
	}
	return copyCheckpoint(cp), nil
}

// SetLastIndex advances the resumable cursor.
func (s *CheckpointStore) SetLastIndex(_ context.Context, jobID string, idx int) error {
	return s.mutate(jobID, func(cp *crawl.Checkpoint) { cp.LastIndex = idx })
}

// SetPrevTotal records the discovery baseline, once.
func (s *CheckpointStore) SetPrevTotal(_ context.Context, jobID string, total int) error {
	return s.mutate(jobID, func(cp *crawl.Checkpoint) {
		if cp.PrevTotal < 0 {
			cp.PrevTotal = total
		}
	})
}

// AddFailedIndex records a flat failed index, once.
func (s *CheckpointStore) AddFailedIndex(_ context.Context, jobID string, idx int) error {
	return s.mutate(jobID, func(cp *crawl.Checkpoint) {
		if !cp.HasFailedIndex(idx) {
			cp.FailedIndices = append(cp.FailedIndices, idx)
		}
	})
}

// ClearFailedIndices empties both failure sets.
func (s *CheckpointStore) ClearFailedIndices(_ context.Context, jobID string) error {
	return s.mutate(jobID, func(cp *crawl.Checkpoint) {
		cp.FailedIndices = nil
		cp.FailedNested = nil
	})
}

// AddNestedFailure records childIdx under parentIdx, once.
func (s *CheckpointStore) AddNestedFailure(_ context.Context, jobID string, parentIdx, childIdx int) error {
	return s.mutate(jobID, func(cp *crawl.Checkpoint) {
		if cp.FailedNested == nil {
			cp.FailedNested = make(map[int][]int)
		}
		for _, existing := range cp.FailedNested[parentIdx] {
			if existing == childIdx {
				return
			}
		}
		cp.FailedNested[parentIdx] = append(cp.FailedNested[parentIdx], childIdx)
	})
}

// SetState replaces the state snapshot.
func (s *CheckpointStore) SetState(_ context.Context, jobID string, state crawl.StateSnapshot) error {
	return s.mutate(jobID, func(cp *crawl.Checkpoint) { cp.State = state })
}

// MarkPaused stamps the pause time.
func (s *CheckpointStore) MarkPaused(_ context.Context, jobID string, at time.Time) error {
	return s.mutate(jobID, func(cp *crawl.Checkpoint) {
		ts := at
		cp.PausedAt = &ts
	})
}

// MarkResumed stamps the resume time and increments the resume count.
func (s *CheckpointStore) MarkResumed(_ context.Context, jobID string, at time.Time) error {
	return s.mutate(jobID, func(cp *crawl.Checkpoint) {
		ts := at
		cp.ResumedAt = &ts
		cp.ResumeCount++
	})
}

func (s *CheckpointStore) mutate(jobID string, fn func(*crawl.Checkpoint)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[jobID]
	if !ok {
		return crawl.ErrNotFound
	}
	fn(&cp)
	cp.UpdatedAt = s.clock.Now()
	s.checkpoints[jobID] = cp
	return nil
}

func copyCheckpoint(cp crawl.Checkpoint) crawl.Checkpoint {
	out := cp
	if cp.FailedIndices != nil {
		out.FailedIndices = append([]int(nil), cp.FailedIndices...)
	}
	if cp.FailedNested != nil {
		out.FailedNested = make(map[int][]int, len(cp.FailedNested))
		for k, v := range cp.FailedNested {
			out.FailedNested[k] = append([]int(nil), v...)
		}
	}
	if cp.State.ImageURLs != nil {
		out.State.ImageURLs = append([]string(nil), cp.State.ImageURLs...)
	}
	if cp.State.ImageResult != nil {
		res := *cp.State.ImageResult
		out.State.ImageResult = &res
	}
	return out
}
