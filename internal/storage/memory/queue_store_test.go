package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

func TestQueueStoreClaimOrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewQueueStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, []crawl.QueueEntry{
		{ID: "old-low", JobID: "job-1", Level: crawl.LevelComic, Priority: 0},
	}))
	clock.advance(time.Second)
	require.NoError(t, store.Enqueue(ctx, []crawl.QueueEntry{
		{ID: "new-high", JobID: "job-1", Level: crawl.LevelComic, Priority: 5},
		{ID: "new-low", JobID: "job-1", Level: crawl.LevelComic, Priority: 0},
	}))

	claimed, err := store.Claim(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, "new-high", claimed[0].ID)
	require.Equal(t, "old-low", claimed[1].ID)
	require.Equal(t, crawl.EntryProcessing, claimed[0].Status)
}

func TestQueueStoreClaimSkipsFutureDelayed(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewQueueStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, []crawl.QueueEntry{
		{ID: "q-1", JobID: "job-1", Level: crawl.LevelImage, MaxRetries: 3},
	}))
	claimed, err := store.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	next := clock.Now().Add(30 * time.Second)
	require.NoError(t, store.Delay(ctx, "q-1", "status 503", next))

	claimed, err = store.Claim(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	clock.advance(31 * time.Second)
	claimed, err = store.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].RetryCount)
}

func TestQueueStoreConcurrentClaimsNeverShareEntries(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewQueueStore(clock)
	ctx := context.Background()

	const total = 40
	entries := make([]crawl.QueueEntry, 0, total)
	for i := 0; i < total; i++ {
		entries = append(entries, crawl.QueueEntry{
			ID:    fmt.Sprintf("q-%d", i),
			JobID: "job-1",
			Level: crawl.LevelImage,
		})
	}
	require.NoError(t, store.Enqueue(ctx, entries))

	const claimants = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]int)
	)
	for c := 0; c < claimants; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := store.Claim(ctx, 5)
				require.NoError(t, err)
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					claimed[e.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, total)
	for id, count := range claimed {
		require.Equalf(t, 1, count, "entry %s claimed %d times", id, count)
	}
}

func TestQueueStoreSkipPendingForJobLeavesProcessing(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewQueueStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, []crawl.QueueEntry{
		{ID: "q-1", JobID: "job-1", Level: crawl.LevelChapter},
		{ID: "q-2", JobID: "job-1", Level: crawl.LevelChapter, Position: 1},
		{ID: "q-3", JobID: "job-2", Level: crawl.LevelChapter},
	}))
	claimed, err := store.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	skipped, err := store.SkipPendingForJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 1, skipped)

	inFlight, err := store.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	require.Equal(t, crawl.EntryProcessing, inFlight.Status)

	other, err := store.Get(ctx, "q-3")
	require.NoError(t, err)
	require.Equal(t, crawl.EntryPending, other.Status)
}

func TestQueueStoreReleaseReturnsEntryToPending(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewQueueStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, []crawl.QueueEntry{
		{ID: "q-1", JobID: "job-1", Level: crawl.LevelComic},
	}))
	claimed, err := store.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.Release(ctx, "q-1"))

	claimed, err = store.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "q-1", claimed[0].ID)
	require.Zero(t, claimed[0].RetryCount)
}

func TestQueueStoreCountActiveForJob(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewQueueStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, []crawl.QueueEntry{
		{ID: "q-1", JobID: "job-1", Level: crawl.LevelImage},
		{ID: "q-2", JobID: "job-1", Level: crawl.LevelImage, Position: 1},
	}))
	require.NoError(t, store.mutate("q-2", func(e *crawl.QueueEntry) {
		e.Status = crawl.EntryCompleted
	}))

	count, err := store.CountActiveForJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
