package handler

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// buildChapterTree creates a running comic -> chapter -> n images tree with
// initialized checkpoints and progress rows.
func buildChapterTree(t *testing.T, env *testEnv, images int) (comic, chapter crawl.Job, imgs []crawl.Job) {
	t.Helper()
	ctx := context.Background()

	comic = env.createJob(t, crawl.Job{
		ID: "comic-1", Level: crawl.LevelComic, RootID: "comic-1", ContentID: 7,
		TargetURL: "https://truyengg.com/truyen-tranh/one-piece",
	})
	chapter = env.createJob(t, crawl.Job{
		ID: "ch-1", Level: crawl.LevelChapter, ParentID: "comic-1", RootID: "comic-1",
		Depth: 1, Position: 3, ContentID: 7,
		TargetURL: "https://truyengg.com/truyen-tranh/one-piece/chuong-4",
	})
	require.NoError(t, env.jobs.SetTotal(ctx, chapter.ID, images))
	require.NoError(t, env.cps.Init(ctx, comic.ID))
	require.NoError(t, env.cps.Init(ctx, chapter.ID))
	require.NoError(t, env.prog.Init(ctx, chapter.ID, images))

	for i := 0; i < images; i++ {
		img := env.createJob(t, crawl.Job{
			ID: fmt.Sprintf("img-%d", i), Level: crawl.LevelImage,
			ParentID: chapter.ID, RootID: comic.ID, Depth: 2, Position: i, ContentID: 7,
			TargetURL: fmt.Sprintf("https://img.truyengg.com/ch/%03d.jpg", i),
		})
		imgs = append(imgs, img)
	}
	chapter, err := env.jobs.Get(ctx, chapter.ID)
	require.NoError(t, err)
	return comic, chapter, imgs
}

func TestPropagateFinalizesChapterWithPartialFailures(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	_, chapter, imgs := buildChapterTree(t, env, 5)

	p := NewPropagator(env.deps)
	for i, img := range imgs {
		outcome := crawl.JobCompleted
		if i == 1 || i == 4 {
			outcome = crawl.JobFailed
			img.ErrorText = "fetch image: status 503"
		}
		require.NoError(t, p.OnChildTerminal(ctx, img, outcome))
	}

	got, err := env.jobs.Get(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobCompleted, got.Status)
	require.Equal(t, 3, got.Completed)
	require.Equal(t, 2, got.Failed)

	cp, err := env.cps.Get(ctx, chapter.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int{1, 4}, cp.FailedIndices)

	// The comic's checkpoint records the failed images under the chapter's
	// position for a later comic-level retry.
	comicCp, err := env.cps.Get(ctx, "comic-1")
	require.NoError(t, err)
	require.Equal(t, map[int][]int{3: {1, 4}}, comicCp.FailedNested)

	progress, err := env.prog.Get(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, 3, progress.Completed)
	require.Equal(t, 2, progress.Failed)
	require.InDelta(t, 100.0, progress.Percent, 0.001)
}

func TestPropagateFailsParentWhenAllChildrenFail(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	_, chapter, imgs := buildChapterTree(t, env, 2)

	p := NewPropagator(env.deps)
	for _, img := range imgs {
		img.ErrorText = "fetch image: status 404"
		require.NoError(t, p.OnChildTerminal(ctx, img, crawl.JobFailed))
	}

	got, err := env.jobs.Get(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobFailed, got.Status)
	require.Contains(t, got.ErrorText, "all 2 items failed")
}

func TestPropagateRecursesToComic(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	comic, chapter, imgs := buildChapterTree(t, env, 1)

	// The comic selected exactly this one chapter.
	require.NoError(t, env.jobs.SetTotal(ctx, comic.ID, 1))
	require.NoError(t, env.prog.Init(ctx, comic.ID, 1))

	p := NewPropagator(env.deps)
	require.NoError(t, p.OnChildTerminal(ctx, imgs[0], crawl.JobCompleted))

	gotChapter, err := env.jobs.Get(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobCompleted, gotChapter.Status)

	gotComic, err := env.jobs.Get(ctx, comic.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobCompleted, gotComic.Status)

	statusEvents := env.events.ByKind(crawl.EventJobStatus)
	require.Len(t, statusEvents, 2)
}

func TestPropagateLeavesParentRunningWhileChildrenOutstanding(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	_, chapter, imgs := buildChapterTree(t, env, 3)

	p := NewPropagator(env.deps)
	require.NoError(t, p.OnChildTerminal(ctx, imgs[0], crawl.JobCompleted))

	got, err := env.jobs.Get(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobRunning, got.Status)
	require.Equal(t, 1, got.Completed)
}

func TestPropagateSkipsRootJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	root := env.createJob(t, crawl.Job{
		ID: "cat-1", Level: crawl.LevelCategory,
		TargetURL: "https://truyengg.com/the-loai/action",
	})
	require.NoError(t, NewPropagator(env.deps).OnChildTerminal(context.Background(), root, crawl.JobCompleted))
}
