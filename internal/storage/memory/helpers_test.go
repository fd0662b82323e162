package memory

import (
	"sync"
	"time"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// Compile-time interface checks for the in-memory implementations.
var (
	_ crawl.JobStore        = (*JobStore)(nil)
	_ crawl.SettingsStore   = (*JobStore)(nil)
	_ crawl.QueueStore      = (*QueueStore)(nil)
	_ crawl.CheckpointStore = (*CheckpointStore)(nil)
	_ crawl.ProgressStore   = (*ProgressStore)(nil)
	_ crawl.CatalogStore    = (*CatalogStore)(nil)
	_ crawl.ObjectStore     = (*BlobStore)(nil)
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
