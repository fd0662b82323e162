package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

func TestJobStoreLifecycleStampsTimes(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewJobStore(clock)
	ctx := context.Background()

	job := crawl.Job{
		ID: "job-1", Level: crawl.LevelComic, RootID: "job-1", ContentID: -1,
		TargetURL: "https://truyengg.com/truyen-tranh/one-piece",
		Status:    crawl.JobPending, Mode: crawl.ModeFull,
	}
	require.NoError(t, store.Create(ctx, job))

	require.NoError(t, store.UpdateStatus(ctx, "job-1", crawl.JobRunning, ""))
	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	require.Nil(t, got.FinishedAt)

	require.NoError(t, store.UpdateStatus(ctx, "job-1", crawl.JobCompleted, ""))
	got, err = store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)

	err = store.UpdateStatus(ctx, "job-1", crawl.JobRunning, "")
	require.ErrorIs(t, err, crawl.ErrTerminalState)
}

func TestJobStoreRejectsIllegalTransition(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewJobStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, crawl.Job{
		ID: "job-1", Level: crawl.LevelComic, RootID: "job-1", ContentID: -1,
		Status: crawl.JobPending, Mode: crawl.ModeFull,
	}))

	err := store.UpdateStatus(ctx, "job-1", crawl.JobPaused, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "illegal transition")
}

func TestJobStoreFailedJobCanRerun(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewJobStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, crawl.Job{
		ID: "job-1", Level: crawl.LevelChapter, RootID: "job-1", ContentID: -1,
		Status: crawl.JobPending, Mode: crawl.ModeFull,
	}))
	require.NoError(t, store.UpdateStatus(ctx, "job-1", crawl.JobRunning, ""))
	require.NoError(t, store.UpdateStatus(ctx, "job-1", crawl.JobFailed, "status 500"))
	require.NoError(t, store.UpdateStatus(ctx, "job-1", crawl.JobRunning, ""))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.JobRunning, got.Status)
}

func TestJobStoreCountActiveExcludesSoftDeleted(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewJobStore(clock)
	ctx := context.Background()

	for _, id := range []string{"job-1", "job-2"} {
		require.NoError(t, store.Create(ctx, crawl.Job{
			ID: id, Level: crawl.LevelComic, RootID: id, ContentID: -1,
			Status: crawl.JobPending, Mode: crawl.ModeFull, Operator: "op-1",
		}))
		require.NoError(t, store.UpdateStatus(ctx, id, crawl.JobRunning, ""))
	}
	require.NoError(t, store.SoftDelete(ctx, "job-2"))

	count, err := store.CountActive(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	system, err := store.CountActive(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, system)

	require.NoError(t, store.Restore(ctx, "job-2"))
	count, err = store.CountActive(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestJobStoreFindByNormalizedURL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewJobStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, crawl.Job{
		ID: "job-1", Level: crawl.LevelComic, RootID: "job-1", ContentID: -1,
		TargetURL: "https://www.truyengg.com/truyen-tranh/one-piece/",
		Status:    crawl.JobPending, Mode: crawl.ModeFull,
	}))

	found, err := store.FindByNormalizedURL(ctx, "truyengg.com/truyen-tranh/one-piece")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "job-1", found[0].ID)
}

func TestJobStoreListChildrenSiblingOrder(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewJobStore(clock)
	ctx := context.Background()

	for i, id := range []string{"c-2", "c-0", "c-1"} {
		pos := []int{2, 0, 1}[i]
		require.NoError(t, store.Create(ctx, crawl.Job{
			ID: id, Level: crawl.LevelChapter, ParentID: "job-1", RootID: "job-1",
			Depth: 1, Position: pos, ContentID: -1,
			Status: crawl.JobPending, Mode: crawl.ModeFull,
		}))
	}

	children, err := store.ListChildren(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, children, 3)
	require.Equal(t, "c-0", children[0].ID)
	require.Equal(t, "c-1", children[1].ID)
	require.Equal(t, "c-2", children[2].ID)
}

func TestJobStoreSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewJobStore(clock)
	ctx := context.Background()

	_, err := store.GetSettings(ctx, "job-1")
	require.ErrorIs(t, err, crawl.ErrNotFound)

	settings := crawl.DefaultSettings("job-1")
	settings.SkipItems = []int{3}
	settings.ChildOverrides = map[int]crawl.ChildOverride{2: {Mode: crawl.ModeNone}}
	require.NoError(t, store.SaveSettings(ctx, settings))

	got, err := store.GetSettings(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, settings, got)
}
