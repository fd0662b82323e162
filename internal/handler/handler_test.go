package handler

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
	"github.com/phuongnt-git/truyengg-sub001/internal/dupe"
	"github.com/phuongnt-git/truyengg-sub001/internal/extractor"
	eventmem "github.com/phuongnt-git/truyengg-sub001/internal/event/memory"
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

type fakeExtractor struct {
	mu             sync.Mutex
	info           crawl.SourceInfo
	children       []crawl.ChildRef
	images         []string
	structured     bool
	listImageCalls int
}

func (f *fakeExtractor) DetectInfo(context.Context, string) (crawl.SourceInfo, error) {
	return f.info, nil
}

func (f *fakeExtractor) ListChildren(context.Context, string, string) ([]crawl.ChildRef, error) {
	return f.children, nil
}

func (f *fakeExtractor) ListImageURLs(context.Context, crawl.LeafParams) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listImageCalls++
	return f.images, nil
}

func (f *fakeExtractor) DetectChapterInfo(context.Context, string, []string) (crawl.SourceInfo, error) {
	return crawl.SourceInfo{Name: f.info.Name}, nil
}

func (f *fakeExtractor) Structured() bool { return f.structured }

func (f *fakeExtractor) imageCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listImageCalls
}

type fakeFetch struct {
	text   string
	binary []byte
	err    error
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
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (f *fakeFetch) FetchBinary(context.Context, string, http.Header) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.binary, nil
}

// scriptedSignal fires a control kind starting from the Nth Check call.
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

type testEnv struct {
	deps    Deps
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
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newTestClock()
	env := &testEnv{
		jobs:    storemem.NewJobStore(clock),
		queue:   storemem.NewQueueStore(clock),
		cps:     storemem.NewCheckpointStore(clock),
		prog:    storemem.NewProgressStore(clock),
		catalog: storemem.NewCatalogStore(clock),
		blobs:   storemem.NewBlobStore(),
		events:  eventmem.New(),
		ex:      &fakeExtractor{},
		fetch:   &fakeFetch{text: "<html>comic page</html>", binary: []byte("jpeg bytes")},
		signal:  &scriptedSignal{},
		clock:   clock,
	}
	registry := extractor.NewRegistry()
	registry.Register("truyengg.com", env.ex)

	logger := zap.NewNop()
	env.deps = Deps{
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

func (e *testEnv) createJob(t *testing.T, job crawl.Job) crawl.Job {
	t.Helper()
	if job.Status == "" {
		job.Status = crawl.JobRunning
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
	if err := e.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	stored, err := e.jobs.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return stored
}

// pendingEntries drains the queue and returns what was claimable.
func (e *testEnv) pendingEntries(t *testing.T) []crawl.QueueEntry {
	t.Helper()
	entries, err := e.queue.Claim(context.Background(), 1000)
	if err != nil {
		t.Fatalf("claim entries: %v", err)
	}
	return entries
}

func comicRefs(n int) []crawl.ChildRef {
	refs := make([]crawl.ChildRef, 0, n)
	for i := 0; i < n; i++ {
		refs = append(refs, crawl.ChildRef{
			URL:      fmt.Sprintf("https://truyengg.com/truyen-tranh/comic-%d", i),
			Name:     fmt.Sprintf("Comic %d", i),
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
