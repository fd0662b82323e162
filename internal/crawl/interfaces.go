package crawl

import (
	"context"
	"net/http"
	"time"
)

// JobStore persists jobs and their settings rows.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	// UpdateStatus enforces the state machine and stamps started/finished
	// times; it returns ErrTerminalState when the current status is terminal.
	UpdateStatus(ctx context.Context, id string, status JobStatus, errText string) error
	SetTotal(ctx context.Context, id string, total int) error
	// IncrementCounters applies counter deltas under the job row's own
	// transaction so concurrent children never lose updates.
	IncrementCounters(ctx context.Context, id string, completed, failed, skipped int) error
	SetContentID(ctx context.Context, id string, contentID int64) error
	SetContentHash(ctx context.Context, id string, hash string) error
	IncrementRetry(ctx context.Context, id string) error
	SoftDelete(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) error
	ListChildren(ctx context.Context, parentID string) ([]Job, error)
	ListByRoot(ctx context.Context, rootID string) ([]Job, error)
	// CountActive counts RUNNING jobs; operator == "" counts system-wide.
	CountActive(ctx context.Context, operator string) (int, error)
	FindByTargetURL(ctx context.Context, url string) ([]Job, error)
	// FindByNormalizedURL matches against the stored normalized form of the
	// target URL (scheme/www/trailing-slash folded).
	FindByNormalizedURL(ctx context.Context, normalized string) ([]Job, error)
	FindByContentHash(ctx context.Context, hash string) ([]Job, error)
	ListPendingRoots(ctx context.Context, limit int) ([]Job, error)
}

// SettingsStore persists the one settings row per job.
type SettingsStore interface {
	SaveSettings(ctx context.Context, s Settings) error
	GetSettings(ctx context.Context, jobID string) (Settings, error)
}

// QueueStore persists queue entries and implements the claim protocol.
type QueueStore interface {
	Enqueue(ctx context.Context, entries []QueueEntry) error
	// Claim atomically selects up to limit ready entries (PENDING, or DELAYED
	// past next_retry_at) ordered by priority desc then creation asc, skipping
	// rows locked by concurrent claimants, and transitions them PROCESSING.
	Claim(ctx context.Context, limit int) ([]QueueEntry, error)
	Get(ctx context.Context, id string) (QueueEntry, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, errText string) error
	// Delay reschedules a failed entry, incrementing its retry count.
	Delay(ctx context.Context, id string, errText string, nextRetryAt time.Time) error
	// Release returns a claimed entry to PENDING without recording a failure.
	Release(ctx context.Context, id string) error
	SetSpawnedJob(ctx context.Context, id string, jobID string) error
	// SkipPendingForJob marks all still-pending entries of a cancelled job
	// SKIPPED so no new work starts for it.
	SkipPendingForJob(ctx context.Context, jobID string) (int, error)
	CountActiveForJob(ctx context.Context, jobID string) (int, error)
}

// CheckpointStore persists the one resumable cursor per job.
type CheckpointStore interface {
	Init(ctx context.Context, jobID string) error
	Get(ctx context.Context, jobID string) (Checkpoint, error)
	SetLastIndex(ctx context.Context, jobID string, idx int) error
	// SetPrevTotal records the discovery baseline once; later calls with a
	// baseline already recorded are no-ops.
	SetPrevTotal(ctx context.Context, jobID string, total int) error
	AddFailedIndex(ctx context.Context, jobID string, idx int) error
	ClearFailedIndices(ctx context.Context, jobID string) error
	// AddNestedFailure records childIdx under parentIdx in the nested map
	// (idempotent: recording the same pair twice keeps one entry).
	AddNestedFailure(ctx context.Context, jobID string, parentIdx, childIdx int) error
	SetState(ctx context.Context, jobID string, state StateSnapshot) error
	MarkPaused(ctx context.Context, jobID string, at time.Time) error
	// MarkResumed stamps the resume time and increments the resume count.
	MarkResumed(ctx context.Context, jobID string, at time.Time) error
}

// ProgressStore persists the one live-progress row per job.
type ProgressStore interface {
	Init(ctx context.Context, jobID string, total int) error
	Get(ctx context.Context, jobID string) (Progress, error)
	SetTotal(ctx context.Context, jobID string, total int) error
	Advance(ctx context.Context, jobID string, upd ProgressUpdate) error
}

// CatalogStore is the create-or-update catalog collaborator.
type CatalogStore interface {
	// UpsertComic creates or updates the record keyed by source URL and
	// returns the stored row.
	UpsertComic(ctx context.Context, c Comic) (Comic, error)
	GetComic(ctx context.Context, id int64) (Comic, error)
	// ListActive returns every record not yet merged, for similarity scans.
	ListActive(ctx context.Context) ([]Comic, error)
	UpsertChapters(ctx context.Context, comicID int64, chapters []Chapter) error
	SetComicStatus(ctx context.Context, id int64, status ComicStatus) error
	// Merge unions the loser into the winner and marks the loser MERGED with
	// a back-reference, atomically across both records.
	Merge(ctx context.Context, winnerID, loserID int64) error
}

// SourceInfo is what a content extractor learns about one target.
type SourceInfo struct {
	Name       string
	OriginName string
	Author     string
	CoverURL   string
	AltNames   []string
}

// ChildRef is one discovered child target.
type ChildRef struct {
	URL      string
	Name     string
	Position int
}

// LeafParams parameterizes image-url discovery for one chapter.
type LeafParams struct {
	ChapterURL string
	Referer    string
	Headers    map[string]string
}

// ContentExtractor reads one source protocol. One implementation exists per
// protocol (HTML scraping, structured JSON API); selection is by the target
// URL's domain.
type ContentExtractor interface {
	DetectInfo(ctx context.Context, url string) (SourceInfo, error)
	ListChildren(ctx context.Context, url, domain string) ([]ChildRef, error)
	ListImageURLs(ctx context.Context, params LeafParams) ([]string, error)
	DetectChapterInfo(ctx context.Context, url string, imageURLs []string) (SourceInfo, error)
	Structured() bool
}

// FetchClient performs the raw HTTP work. Transient failures (timeouts,
// non-200) surface as TransientError so handlers can classify and retry.
type FetchClient interface {
	BuildHeaders(refererDomain string) http.Header
	FetchText(ctx context.Context, url string, headers http.Header) (string, error)
	FetchBinary(ctx context.Context, url string, headers http.Header) ([]byte, error)
}

// ObjectStore accepts raw image bytes and returns where they were stored.
type ObjectStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// EventSink receives best-effort notifications. Publish failures must never
// fail the crawl; callers log and drop them.
type EventSink interface {
	Publish(ctx context.Context, jobID string, kind EventKind, payload map[string]any) error
}

// Signal is the process-local pause/cancel cache consulted between items.
type Signal interface {
	// Check returns the pending control kind for the job, if any, double
	// checking the authoritative store on a cache miss.
	Check(ctx context.Context, jobID string) (ControlKind, bool)
	Invalidate(jobID string)
}

// Hasher computes digests for duplicate detection and preview tokens.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and queue entry ids.
type IDGenerator interface {
	NewID() (string, error)
}
