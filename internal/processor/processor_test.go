package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
	"github.com/phuongnt-git/truyengg-sub001/internal/dupe"
	"github.com/phuongnt-git/truyengg-sub001/internal/extractor"
	eventmem "github.com/phuongnt-git/truyengg-sub001/internal/event/memory"
	"github.com/phuongnt-git/truyengg-sub001/internal/handler"
	"github.com/phuongnt-git/truyengg-sub001/internal/hash/sha256"
	storemem "github.com/phuongnt-git/truyengg-sub001/internal/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

// fakeExtractor serves the whole hierarchy: category pages (path contains
// /the-loai/) list comics, comic pages list chapters.
type fakeExtractor struct {
	info     crawl.SourceInfo
	comics   []crawl.ChildRef
	chapters []crawl.ChildRef
	images   []string
}

func (f *fakeExtractor) DetectInfo(context.Context, string) (crawl.SourceInfo, error) {
	return f.info, nil
}

func (f *fakeExtractor) ListChildren(_ context.Context, url, _ string) ([]crawl.ChildRef, error) {
	if strings.Contains(url, "/the-loai/") {
		return f.comics, nil
	}
	return f.chapters, nil
}

func (f *fakeExtractor) ListImageURLs(context.Context, crawl.LeafParams) ([]string, error) {
	return f.images, nil
}

func (f *fakeExtractor) DetectChapterInfo(_ context.Context, _ string, _ []string) (crawl.SourceInfo, error) {
	return crawl.SourceInfo{Name: f.info.Name}, nil
}

func (f *fakeExtractor) Structured() bool { return false }

type fakeFetch struct {
	mu       sync.Mutex
	binary   []byte
	binFails int // remaining FetchBinary calls that fail transiently
}

func (f *fakeFetch) BuildHeaders(refererDomain string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", "test-agent")
	if refererDomain != "" {
		h.Set("Referer", fmt.Sprintf("https://%s/", refererDomain))
	}
	return h
}

func (f *fakeFetch) FetchText(context.Context, string, http.Header) (string, error) {
	return "<html>page</html>", nil
}

func (f *fakeFetch) FetchBinary(context.Context, string, http.Header) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.binFails > 0 {
		f.binFails--
		return nil, crawl.Transient(errors.New("status 503"))
	}
	return f.binary, nil
}

func (f *fakeFetch) setBinFails(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binFails = n
}

type scriptedSignal struct {
	mu      sync.Mutex
	kind    crawl.ControlKind
	fireAt  int // 1-based Check call count; 0 = never
	checked int
}

func (s *scriptedSignal) Check(context.Context, string) (crawl.ControlKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked++
	if s.fireAt > 0 && s.checked >= s.fireAt {
		return s.kind, true
	}
	return "", false
}

func (s *scriptedSignal) Invalidate(string) {}

func (s *scriptedSignal) disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fireAt = 0
}

type procEnv struct {
	jobs    *storemem.JobStore
	queue   *storemem.QueueStore
	cps     *storemem.CheckpointStore
	prog    *storemem.ProgressStore
	catalog *storemem.CatalogStore
	blobs   *storemem.BlobStore
	events  *eventmem.Publisher
	ex      *fakeExtractor
	fetch   *fakeFetch
	signal  *scriptedSignal
	clock   *testClock
	deps    handler.Deps
}

func newProcEnv(t *testing.T) *procEnv {
	t.Helper()
	clock := newTestClock()
	env := &procEnv{
		jobs:    storemem.NewJobStore(clock),
		queue:   storemem.NewQueueStore(clock),
		cps:     storemem.NewCheckpointStore(clock),
		prog:    storemem.NewProgressStore(clock),
		catalog: storemem.NewCatalogStore(clock),
		blobs:   storemem.NewBlobStore(),
		events:  eventmem.New(),
		ex:      &fakeExtractor{},
		fetch:   &fakeFetch{binary: []byte("jpeg bytes")},
		signal:  &scriptedSignal{},
		clock:   clock,
	}
	registry := extractor.NewRegistry()
	registry.Register("truyengg.com", env.ex)

	logger := zap.NewNop()
	env.deps = handler.Deps{
		Jobs:        env.jobs,
		Settings:    env.jobs,
		Queue:       env.queue,
		Checkpoints: env.cps,
		Progress:    env.prog,
		Catalog:     env.catalog,
		Extractors:  registry,
		Fetch:       env.fetch,
		Blobs:       env.blobs,
		Events:      env.events,
		Signal:      env.signal,
		Hasher:      sha256.New(),
		IDs:         &seqIDs{},
		Clock:       clock,
		Detector:    dupe.New(env.jobs, env.catalog, logger),
		Logger:      logger,
	}
	return env
}

func (e *procEnv) createJob(t *testing.T, job crawl.Job) crawl.Job {
	t.Helper()
	if job.Status == "" {
		job.Status = crawl.JobPending
	}
	if job.Mode == "" {
		job.Mode = crawl.ModeFull
	}
	if job.RootID == "" {
		job.RootID = job.ID
	}
	if job.ContentID == 0 {
		job.ContentID = -1
	}
	require.NoError(t, e.jobs.Create(context.Background(), job))
	stored, err := e.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	return stored
}

func childRefs(prefix string, n int) []crawl.ChildRef {
	refs := make([]crawl.ChildRef, 0, n)
	for i := 0; i < n; i++ {
		refs = append(refs, crawl.ChildRef{
			URL:      fmt.Sprintf("https://truyengg.com/truyen-tranh/%s-%d", prefix, i+1),
			Name:     fmt.Sprintf("%s %d", prefix, i+1),
			Position: i,
		})
	}
	return refs
}

func imageURLs(n int) []string {
	urls := make([]string, 0, n)
	for i := 0; i < n; i++ {
		urls = append(urls, fmt.Sprintf("https://img.truyengg.com/ch/%03d.jpg", i))
	}
	return urls
}

func TestDrainRunsCategoryTreeToCompletion(t *testing.T) {
	t.Parallel()

	env := newProcEnv(t)
	env.ex.info = crawl.SourceInfo{Name: "One Piece", Author: "Eiichiro Oda"}
	env.ex.comics = childRefs("one-piece", 1)
	env.ex.chapters = childRefs("one-piece/chuong", 2)
	env.ex.images = imageURLs(2)

	root := env.createJob(t, crawl.Job{
		ID: "cat-1", Level: crawl.LevelCategory,
		TargetURL: "https://truyengg.com/the-loai/action",
	})

	p := New(Config{}, env.deps, NewRetryPolicy(0, 0))
	require.NoError(t, p.Drain(context.Background()))

	got, err := env.jobs.Get(context.Background(), root.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobCompleted, got.Status)
	require.Equal(t, 1, got.Completed)

	// One comic with two chapters of two images each.
	require.Equal(t, 4, env.blobs.Len())

	comics, err := env.catalog.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, comics, 1)
	require.Equal(t, "One Piece", comics[0].Name)
	require.Equal(t, 2, comics[0].ChapterCount)

	remaining, err := env.queue.Claim(context.Background(), 100)
	require.NoError(t, err)
	require.Empty(t, remaining)

	// The category's completion was published.
	var sawRoot bool
	for _, ev := range env.events.ByKind(crawl.EventJobStatus) {
		if ev.JobID == root.ID && ev.Payload["status"] == string(crawl.JobCompleted) {
			sawRoot = true
		}
	}
	require.True(t, sawRoot)
}

func TestDrainDelaysTransientFailureAndRetries(t *testing.T) {
	t.Parallel()

	env := newProcEnv(t)
	env.ex.images = imageURLs(1)
	env.fetch.setBinFails(5)

	chapter := env.createJob(t, crawl.Job{
		ID: "ch-1", Level: crawl.LevelChapter,
		TargetURL: "https://truyengg.com/truyen-tranh/one-piece/chuong-1",
	})

	p := New(Config{}, env.deps, NewRetryPolicy(30*time.Second, 15*time.Minute))
	require.NoError(t, p.Drain(context.Background()))

	children, err := env.jobs.ListChildren(context.Background(), chapter.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, crawl.JobFailed, children[0].Status)
	require.Equal(t, 1, children[0].RetryCount)

	gotChapter, err := env.jobs.Get(context.Background(), chapter.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobRunning, gotChapter.Status)

	// The delayed entry is not ready yet.
	ready, err := env.queue.Claim(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, ready)

	// Past the backoff the retry succeeds and must reuse the spawned job.
	env.fetch.setBinFails(0)
	env.clock.advance(2 * time.Minute)
	require.NoError(t, p.Drain(context.Background()))

	children, err = env.jobs.ListChildren(context.Background(), chapter.ID)
	require.NoError(t, err)
	require.Len(t, children, 1, "retry must not spawn a sibling job")
	require.Equal(t, crawl.JobCompleted, children[0].Status)

	gotChapter, err = env.jobs.Get(context.Background(), chapter.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobCompleted, gotChapter.Status)
	require.Equal(t, 1, env.blobs.Len())
}

func TestDrainFailsEntryAfterRetriesExhausted(t *testing.T) {
	t.Parallel()

	env := newProcEnv(t)
	env.ex.images = imageURLs(1)
	env.fetch.setBinFails(100)
	env.deps.MaxRetries = 1

	chapter := env.createJob(t, crawl.Job{
		ID: "ch-1", Level: crawl.LevelChapter,
		TargetURL: "https://truyengg.com/truyen-tranh/one-piece/chuong-1",
	})

	p := New(Config{}, env.deps, NewRetryPolicy(30*time.Second, 15*time.Minute))
	require.NoError(t, p.Drain(context.Background()))

	env.clock.advance(2 * time.Minute)
	require.NoError(t, p.Drain(context.Background()))

	gotChapter, err := env.jobs.Get(context.Background(), chapter.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobFailed, gotChapter.Status)
	require.Contains(t, gotChapter.ErrorText, "all 1 items failed")

	cp, err := env.cps.Get(context.Background(), chapter.ID)
	require.NoError(t, err)
	require.Equal(t, []int{0}, cp.FailedIndices)
}

func TestDrainSkipsEntriesOfCancelledOwner(t *testing.T) {
	t.Parallel()

	env := newProcEnv(t)
	owner := env.createJob(t, crawl.Job{
		ID: "ch-1", Level: crawl.LevelChapter, Status: crawl.JobRunning,
		TargetURL: "https://truyengg.com/truyen-tranh/one-piece/chuong-1",
	})
	entry := crawl.QueueEntry{
		ID: "e-1", JobID: owner.ID, Level: crawl.LevelImage,
		TargetURL: "https://img.truyengg.com/ch/000.jpg", Priority: 30, MaxRetries: 3,
	}
	require.NoError(t, env.queue.Enqueue(context.Background(), []crawl.QueueEntry{entry}))
	require.NoError(t, env.jobs.UpdateStatus(context.Background(), owner.ID, crawl.JobCancelled, ""))

	p := New(Config{}, env.deps, nil)
	require.NoError(t, p.Drain(context.Background()))

	got, err := env.queue.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.EntrySkipped, got.Status)

	children, err := env.jobs.ListChildren(context.Background(), owner.ID)
	require.NoError(t, err)
	require.Empty(t, children, "no job may spawn for a cancelled owner")
}

func TestDrainReleasesEntryAtOperatorCeiling(t *testing.T) {
	t.Parallel()

	env := newProcEnv(t)
	owner := env.createJob(t, crawl.Job{
		ID: "ch-1", Level: crawl.LevelChapter, Status: crawl.JobRunning, Operator: "alice",
		TargetURL: "https://truyengg.com/truyen-tranh/one-piece/chuong-1",
	})
	entry := crawl.QueueEntry{
		ID: "e-1", JobID: owner.ID, Level: crawl.LevelImage,
		TargetURL: "https://img.truyengg.com/ch/000.jpg", Priority: 30, MaxRetries: 3,
	}
	require.NoError(t, env.queue.Enqueue(context.Background(), []crawl.QueueEntry{entry}))

	p := New(Config{OperatorCeiling: 1}, env.deps, nil)
	require.NoError(t, p.Drain(context.Background()))

	got, err := env.queue.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.EntryPending, got.Status, "entry must return to the queue")

	children, err := env.jobs.ListChildren(context.Background(), owner.ID)
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestDispatchPausesAndResumesRoot(t *testing.T) {
	t.Parallel()

	env := newProcEnv(t)
	env.ex.comics = childRefs("comic", 5)
	env.signal.kind = crawl.ControlPause
	env.signal.fireAt = 3

	root := env.createJob(t, crawl.Job{
		ID: "cat-1", Level: crawl.LevelCategory,
		TargetURL: "https://truyengg.com/the-loai/action",
	})

	p := New(Config{}, env.deps, nil)
	require.NoError(t, p.DispatchJob(context.Background(), root.ID))

	got, err := env.jobs.Get(context.Background(), root.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobPaused, got.Status)

	cp, err := env.cps.Get(context.Background(), root.ID)
	require.NoError(t, err)
	require.Equal(t, 1, cp.LastIndex)
	require.NotNil(t, cp.PausedAt)

	// Operator resumes: status back to RUNNING, resume stamped, re-dispatch.
	env.signal.disarm()
	require.NoError(t, env.jobs.UpdateStatus(context.Background(), root.ID, crawl.JobRunning, ""))
	require.NoError(t, env.cps.MarkResumed(context.Background(), root.ID, env.clock.Now()))
	require.NoError(t, p.DispatchJob(context.Background(), root.ID))

	cp, err = env.cps.Get(context.Background(), root.ID)
	require.NoError(t, err)
	require.Equal(t, 4, cp.LastIndex)
	require.Equal(t, 1, cp.ResumeCount)

	entries, err := env.queue.Claim(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, entries, 5)
}

func TestDispatchCancelSkipsPendingEntries(t *testing.T) {
	t.Parallel()

	env := newProcEnv(t)
	env.ex.comics = childRefs("comic", 4)
	env.signal.kind = crawl.ControlCancel
	env.signal.fireAt = 3

	root := env.createJob(t, crawl.Job{
		ID: "cat-1", Level: crawl.LevelCategory,
		TargetURL: "https://truyengg.com/the-loai/action",
	})

	p := New(Config{}, env.deps, nil)
	require.NoError(t, p.DispatchJob(context.Background(), root.ID))

	got, err := env.jobs.Get(context.Background(), root.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobCancelled, got.Status)

	// The two entries enqueued before the cancel fired were skipped.
	entries, err := env.queue.Claim(context.Background(), 100)
	require.NoError(t, err)
	require.Empty(t, entries)

	active, err := env.queue.CountActiveForJob(context.Background(), root.ID)
	require.NoError(t, err)
	require.Zero(t, active)
}

func TestDispatchUpdateResumeKeepsDiscoveryBaseline(t *testing.T) {
	t.Parallel()

	env := newProcEnv(t)
	env.ex.info = crawl.SourceInfo{Name: "One Piece", Author: "Eiichiro Oda"}
	env.ex.chapters = childRefs("chuong", 12)
	env.signal.kind = crawl.ControlPause
	env.signal.fireAt = 2

	// An UPDATE comic seeded with the previously crawled chapter count.
	root := env.createJob(t, crawl.Job{
		ID: "comic-1", Level: crawl.LevelComic, Mode: crawl.ModeUpdate, TotalItems: 10,
		TargetURL: "https://truyengg.com/truyen-tranh/one-piece",
	})

	p := New(Config{}, env.deps, nil)
	require.NoError(t, p.DispatchJob(context.Background(), root.ID))

	got, err := env.jobs.Get(context.Background(), root.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobPaused, got.Status)
	require.Equal(t, 2, got.TotalItems, "total holds the selection size")

	cp, err := env.cps.Get(context.Background(), root.ID)
	require.NoError(t, err)
	require.Equal(t, 10, cp.PrevTotal, "baseline recorded before total is overwritten")
	require.Equal(t, 10, cp.LastIndex)

	// Resume must re-select against the recorded baseline, not the new total:
	// still chapters 10 and 11, nothing older re-enqueued.
	env.signal.disarm()
	require.NoError(t, env.jobs.UpdateStatus(context.Background(), root.ID, crawl.JobRunning, ""))
	require.NoError(t, env.cps.MarkResumed(context.Background(), root.ID, env.clock.Now()))
	require.NoError(t, p.DispatchJob(context.Background(), root.ID))

	got, err = env.jobs.Get(context.Background(), root.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.TotalItems)

	cp, err = env.cps.Get(context.Background(), root.ID)
	require.NoError(t, err)
	require.Equal(t, 10, cp.PrevTotal)
	require.Equal(t, 11, cp.LastIndex)

	entries, err := env.queue.Claim(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	positions := []int{entries[0].Position, entries[1].Position}
	require.ElementsMatch(t, []int{10, 11}, positions)
}

func TestDispatchFinalizesParentWhoseChildrenDrainedWhilePaused(t *testing.T) {
	t.Parallel()

	env := newProcEnv(t)
	env.ex.images = imageURLs(1)

	root := env.createJob(t, crawl.Job{
		ID: "ch-1", Level: crawl.LevelChapter,
		TargetURL: "https://truyengg.com/truyen-tranh/one-piece/chuong-1",
	})

	p := New(Config{}, env.deps, nil)
	require.NoError(t, p.DispatchJob(context.Background(), root.ID))

	// The image entry goes in flight before the operator pauses the chapter.
	claimed, err := env.queue.Claim(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	owner, err := env.jobs.Get(context.Background(), root.ID)
	require.NoError(t, err)
	child, err := p.materializeJob(context.Background(), owner, claimed[0])
	require.NoError(t, err)

	require.NoError(t, env.jobs.UpdateStatus(context.Background(), root.ID, crawl.JobPaused, ""))
	require.NoError(t, env.cps.MarkPaused(context.Background(), root.ID, env.clock.Now()))

	// The in-flight download drains to completion during the pause; the
	// propagation path must not finalize a paused parent.
	require.NoError(t, p.runJob(context.Background(), child, &claimed[0]))
	got, err := env.jobs.Get(context.Background(), root.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobPaused, got.Status)
	require.Equal(t, 1, got.Completed)

	// No child event is left, so the resume dispatch itself must finalize.
	require.NoError(t, env.jobs.UpdateStatus(context.Background(), root.ID, crawl.JobRunning, ""))
	require.NoError(t, env.cps.MarkResumed(context.Background(), root.ID, env.clock.Now()))
	require.NoError(t, p.DispatchJob(context.Background(), root.ID))

	got, err = env.jobs.Get(context.Background(), root.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobCompleted, got.Status)
	require.Equal(t, 1, got.Completed)
	require.Equal(t, 1, got.TotalItems)
}

func TestChildSettingsInheritAndOverride(t *testing.T) {
	t.Parallel()

	env := newProcEnv(t)
	owner := env.createJob(t, crawl.Job{
		ID: "cat-1", Level: crawl.LevelCategory, Status: crawl.JobRunning,
		Mode: crawl.ModeFull, Operator: "alice",
		TargetURL: "https://truyengg.com/the-loai/action",
	})
	ownerSettings := crawl.DefaultSettings(owner.ID)
	ownerSettings.Parallelism = 4
	ownerSettings.TimeoutSeconds = 60
	ownerSettings.ImageQuality = "high"
	ownerSettings.Headers = map[string]string{"X-Token": "abc"}
	ownerSettings.SkipItems = []int{2}
	ownerSettings.ChildOverrides = map[int]crawl.ChildOverride{
		1: {Mode: crawl.ModeUpdate, ImageQuality: "low", RangeStart: 3, RangeEnd: 9},
	}
	require.NoError(t, env.jobs.SaveSettings(context.Background(), ownerSettings))

	entry := crawl.QueueEntry{
		ID: "e-1", JobID: owner.ID, Level: crawl.LevelComic, Position: 1,
		TargetURL: "https://truyengg.com/truyen-tranh/comic-2", Priority: 10, MaxRetries: 3,
	}
	require.NoError(t, env.queue.Enqueue(context.Background(), []crawl.QueueEntry{entry}))
	claimed, err := env.queue.Claim(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	p := New(Config{}, env.deps, nil)
	job, err := p.materializeJob(context.Background(), owner, claimed[0])
	require.NoError(t, err)

	require.Equal(t, crawl.ModeUpdate, job.Mode)
	require.Equal(t, owner.ID, job.ParentID)
	require.Equal(t, owner.ID, job.RootID)
	require.Equal(t, 1, job.Depth)
	require.Equal(t, int64(-1), job.ContentID)
	require.Equal(t, "alice", job.Operator)

	settings, err := env.jobs.GetSettings(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 4, settings.Parallelism)
	require.Equal(t, 60, settings.TimeoutSeconds)
	require.Equal(t, "low", settings.ImageQuality)
	require.Equal(t, map[string]string{"X-Token": "abc"}, settings.Headers)
	require.Equal(t, 3, settings.RangeStart)
	require.Equal(t, 9, settings.RangeEnd)
	// Selection knobs of the owner do not leak down.
	require.Empty(t, settings.SkipItems)

	linked, err := env.queue.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, linked.SpawnedJob)

	// A second materialization reuses the spawned job.
	again, err := p.materializeJob(context.Background(), owner, linked)
	require.NoError(t, err)
	require.Equal(t, job.ID, again.ID)
}
