// Package crawl defines the core job/queue data model shared across subsystems.
package crawl

import (
	"time"
)

// Level identifies a position in the crawl hierarchy.
type Level string

// Crawl levels, outermost first.
const (
	LevelCategory Level = "CATEGORY"
	LevelComic    Level = "COMIC"
	LevelChapter  Level = "CHAPTER"
	LevelImage    Level = "IMAGE"
)

// Child returns the next level down, or empty for the leaf level.
func (l Level) Child() Level {
	switch l {
	case LevelCategory:
		return LevelComic
	case LevelComic:
		return LevelChapter
	case LevelChapter:
		return LevelImage
	default:
		return ""
	}
}

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobPaused    JobStatus = "PAUSED"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status rejects further transitions.
// FAILED is recoverable through retry and is not terminal.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled
}

// CanTransition reports whether the state machine permits moving to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case JobPending:
		return next == JobRunning || next == JobCancelled
	case JobRunning:
		return next == JobCompleted || next == JobFailed || next == JobPaused || next == JobCancelled
	case JobPaused:
		return next == JobRunning || next == JobCancelled
	case JobFailed:
		return next == JobRunning || next == JobCancelled
	default:
		return false
	}
}

// DownloadMode controls which discovered children are actually processed.
type DownloadMode string

// Download modes.
const (
	ModeFull    DownloadMode = "FULL"
	ModeUpdate  DownloadMode = "UPDATE"
	ModePartial DownloadMode = "PARTIAL"
	ModeNone    DownloadMode = "NONE"
)

// Job is one persisted crawl unit. Parent/root references are plain ids so the
// tree stays queryable with bulk reads instead of object graphs.
type Job struct {
	ID          string       `json:"id"`
	Level       Level        `json:"level"`
	ParentID    string       `json:"parent_id,omitempty"`
	RootID      string       `json:"root_id"`
	Depth       int          `json:"depth"`
	TargetURL   string       `json:"target_url"`
	Slug        string       `json:"slug,omitempty"`
	Name        string       `json:"name,omitempty"`
	Position    int          `json:"position"`
	ContentID   int64        `json:"content_id"` // -1 until the catalog record exists
	Status      JobStatus    `json:"status"`
	Mode        DownloadMode `json:"mode"`
	Operator    string       `json:"operator,omitempty"`
	TotalItems  int          `json:"total_items"`
	Completed   int          `json:"completed_items"`
	Failed      int          `json:"failed_items"`
	Skipped     int          `json:"skipped_items"`
	RetryCount  int          `json:"retry_count"`
	ErrorText   string       `json:"error_text,omitempty"`
	ContentHash string       `json:"content_hash,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
}

// QueueStatus represents the lifecycle state of a queue entry.
type QueueStatus string

// Queue entry status values.
const (
	EntryPending    QueueStatus = "PENDING"
	EntryProcessing QueueStatus = "PROCESSING"
	EntryCompleted  QueueStatus = "COMPLETED"
	EntryFailed     QueueStatus = "FAILED"
	EntryDelayed    QueueStatus = "DELAYED"
	EntrySkipped    QueueStatus = "SKIPPED"
)

// QueueEntry is a not-yet-executed child unit discovered by a Job.
type QueueEntry struct {
	ID          string      `json:"id"`
	JobID       string      `json:"job_id"` // owning (discovering) job
	Level       Level       `json:"level"`
	TargetURL   string      `json:"target_url"`
	Name        string      `json:"name,omitempty"`
	Position    int         `json:"position"`
	Priority    int         `json:"priority"`
	Status      QueueStatus `json:"status"`
	RetryCount  int         `json:"retry_count"`
	MaxRetries  int         `json:"max_retries"`
	NextRetryAt *time.Time  `json:"next_retry_at,omitempty"`
	SpawnedJob  string      `json:"spawned_job_id,omitempty"` // job materialized from this entry
	ErrorText   string      `json:"error_text,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SnapshotKind tags the checkpoint state payload.
type SnapshotKind string

// Snapshot payload kinds.
const (
	SnapshotNone        SnapshotKind = ""
	SnapshotImageURLs   SnapshotKind = "image_urls"
	SnapshotImageResult SnapshotKind = "image_result"
)

// ImageResult records where one downloaded image ended up.
type ImageResult struct {
	Path         string `json:"path"`
	PreviewToken string `json:"preview_token,omitempty"`
	Bytes        int64  `json:"bytes"`
}

// StateSnapshot is the small tagged union handed between hierarchy levels
// through the checkpoint (chapter -> image url list, image -> result).
type StateSnapshot struct {
	Kind        SnapshotKind `json:"kind"`
	ImageURLs   []string     `json:"image_urls,omitempty"`
	ImageResult *ImageResult `json:"image_result,omitempty"`
}

// Checkpoint is the resumable cursor for a Job. Exactly one row per job,
// mutated only by the owning handler and by child failure propagation.
type Checkpoint struct {
	JobID     string `json:"job_id"`
	LastIndex int    `json:"last_item_index"` // -1 = not started
	// PrevTotal is the candidate total the download mode resolved against,
	// recorded at first discovery; -1 = not yet recorded. Job.TotalItems holds
	// the selection size, so re-runs read the baseline from here.
	PrevTotal     int           `json:"prev_total"`
	FailedIndices []int         `json:"failed_indices,omitempty"`
	FailedNested  map[int][]int `json:"failed_nested,omitempty"` // child position -> grandchild positions
	ResumeCount   int           `json:"resume_count"`
	PausedAt      *time.Time    `json:"paused_at,omitempty"`
	ResumedAt     *time.Time    `json:"resumed_at,omitempty"`
	State         StateSnapshot `json:"state"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// HasFailedIndex reports whether idx is in the flat failed set.
func (c Checkpoint) HasFailedIndex(idx int) bool {
	for _, f := range c.FailedIndices {
		if f == idx {
			return true
		}
	}
	return false
}

// Progress mirrors the job counters for live display. It is written far more
// often than the job row and must never block the job's transactional writes.
type Progress struct {
	JobID            string    `json:"job_id"`
	TotalItems       int       `json:"total_items"`
	Completed        int       `json:"completed_items"`
	Failed           int       `json:"failed_items"`
	Skipped          int       `json:"skipped_items"`
	BytesDownloaded  int64     `json:"bytes_downloaded"`
	Percent          float64   `json:"percent"`
	CurrentItem      string    `json:"current_item,omitempty"`
	CurrentURL       string    `json:"current_url,omitempty"`
	Messages         []string  `json:"messages,omitempty"`
	RemainingSeconds int64     `json:"estimated_remaining_seconds"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ProgressUpdate is one advance applied to a Progress row.
type ProgressUpdate struct {
	CompletedDelta int
	FailedDelta    int
	SkippedDelta   int
	BytesDelta     int64
	CurrentItem    string
	CurrentURL     string
	Message        string
}

// ChildOverride carries bespoke settings a CATEGORY job passes to one of its
// COMIC children, keyed by the child's position.
type ChildOverride struct {
	Mode         DownloadMode `json:"mode,omitempty"`
	ImageQuality string       `json:"image_quality,omitempty"`
	RangeStart   int          `json:"range_start,omitempty"`
	RangeEnd     int          `json:"range_end,omitempty"`
}

// Settings is the per-job crawl configuration. Exactly one row per job.
// Skip, redownload and range values are 1-based as configured by operators.
type Settings struct {
	JobID           string                `json:"job_id"`
	Parallelism     int                   `json:"parallelism"`
	ImageQuality    string                `json:"image_quality,omitempty"`
	TimeoutSeconds  int                   `json:"timeout_seconds"`
	SkipItems       []int                 `json:"skip_items,omitempty"`
	RedownloadItems []int                 `json:"redownload_items,omitempty"`
	RangeStart      int                   `json:"range_start"` // 1-based inclusive, -1 = unbounded
	RangeEnd        int                   `json:"range_end"`   // 1-based inclusive, -1 = unbounded
	ChildOverrides  map[int]ChildOverride `json:"child_overrides,omitempty"`
	Headers         map[string]string     `json:"headers,omitempty"`
}

// DefaultSettings returns settings with open range and sane limits.
func DefaultSettings(jobID string) Settings {
	return Settings{
		JobID:          jobID,
		Parallelism:    2,
		TimeoutSeconds: 30,
		RangeStart:     -1,
		RangeEnd:       -1,
	}
}

// DuplicateMatch classifies how a candidate URL matched existing work.
type DuplicateMatch string

// Duplicate match types.
const (
	MatchNone        DuplicateMatch = "NO_DUPLICATE"
	MatchExactURL    DuplicateMatch = "EXACT_URL"
	MatchSimilarURL  DuplicateMatch = "SIMILAR_URL"
	MatchContentHash DuplicateMatch = "CONTENT_HASH"
)

// DuplicateCheckResult is the transient verdict for one candidate URL.
// It is produced on demand and never persisted.
type DuplicateCheckResult struct {
	Match             DuplicateMatch `json:"match"`
	ExistingJobID     string         `json:"existing_job_id,omitempty"`
	ExistingContentID int64          `json:"existing_content_id,omitempty"`
	Confidence        int            `json:"confidence"`
	MatchedURL        string         `json:"matched_url,omitempty"`
	ExistingChildren  int            `json:"existing_children"`
}

// HasDuplicate reports whether the check found any match.
func (r DuplicateCheckResult) HasDuplicate() bool {
	return r.Match != MatchNone
}

// ComicStatus is the catalog lifecycle of a comic record.
type ComicStatus string

// Catalog record statuses.
const (
	ComicActive            ComicStatus = "ACTIVE"
	ComicDuplicateDetected ComicStatus = "DUPLICATE_DETECTED"
	ComicMerged            ComicStatus = "MERGED"
)

// Comic is a top-level catalog record produced by COMIC-level discovery.
type Comic struct {
	ID           int64       `json:"id"`
	Name         string      `json:"name"`
	OriginName   string      `json:"origin_name,omitempty"`
	Author       string      `json:"author,omitempty"`
	AltNames     []string    `json:"alt_names,omitempty"`
	SourceURL    string      `json:"source_url"`
	CoverURL     string      `json:"cover_url,omitempty"`
	Status       ComicStatus `json:"status"`
	MergedInto   int64       `json:"merged_into,omitempty"`
	Views        int64       `json:"views"`
	Likes        int64       `json:"likes"`
	Follows      int64       `json:"follows"`
	ChapterCount int         `json:"chapter_count"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Chapter is a child catalog record under a Comic.
type Chapter struct {
	ID        int64     `json:"id"`
	ComicID   int64     `json:"comic_id"`
	Name      string    `json:"name"`
	SourceURL string    `json:"source_url"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// EventKind labels best-effort notifications pushed to the event sink.
type EventKind string

// Event kinds.
const (
	EventJobStatus    EventKind = "job_status"
	EventProgress     EventKind = "progress"
	EventChildCreated EventKind = "child_created"
	EventDuplicate    EventKind = "duplicate"
)
