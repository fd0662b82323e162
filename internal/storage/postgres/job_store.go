package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
	"github.com/phuongnt-git/truyengg-sub001/internal/dupe"
)

// JobStore implements crawl.JobStore and crawl.SettingsStore using Postgres.
type JobStore struct {
	pool  Pool
	clock crawl.Clock
}

// NewJobStore creates a JobStore on an existing pool.
func NewJobStore(pool Pool, clock crawl.Clock) *JobStore {
	return &JobStore{pool: pool, clock: clock}
}

const jobColumns = `id, level, parent_id, root_id, depth, target_url, slug, name, position,
	content_id, status, mode, operator, total_items, completed_items, failed_items,
	skipped_items, retry_count, error_text, content_hash, created_at, updated_at,
	started_at, finished_at, deleted_at`

// Create inserts a job row. The normalized target URL is stored alongside for
// similar-URL duplicate lookups.
func (s *JobStore) Create(ctx context.Context, job crawl.Job) error {
	now := s.clock.Now()
	query := `
		INSERT INTO crawl_jobs (
			id, level, parent_id, root_id, depth, target_url, normalized_url, slug, name,
			position, content_id, status, mode, operator, total_items, completed_items,
			failed_items, skipped_items, retry_count, error_text, content_hash,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23);
	`
	_, err := s.pool.Exec(ctx, query,
		job.ID, job.Level, nullString(job.ParentID), job.RootID, job.Depth,
		job.TargetURL, dupe.NormalizeURL(job.TargetURL), job.Slug, job.Name,
		job.Position, job.ContentID, job.Status, job.Mode, job.Operator,
		job.TotalItems, job.Completed, job.Failed, job.Skipped,
		job.RetryCount, job.ErrorText, job.ContentHash, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by id, soft-deleted rows included (the tree stays
// queryable).
func (s *JobStore) Get(ctx context.Context, id string) (crawl.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM crawl_jobs WHERE id = $1;`, jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Job{}, crawl.ErrNotFound
		}
		return crawl.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateStatus enforces the state machine: it reads the current status,
// validates the transition, then applies a guarded update so a concurrent
// transition loses cleanly instead of clobbering.
func (s *JobStore) UpdateStatus(ctx context.Context, id string, status crawl.JobStatus, errText string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, current.Status, crawl.ErrTerminalState)
	}
	if !current.Status.CanTransition(status) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", id, current.Status, status)
	}

	now := s.clock.Now()
	query := `
		UPDATE crawl_jobs SET
			status = $2,
			error_text = $3,
			updated_at = $4,
			started_at = CASE WHEN $2 = 'RUNNING' AND started_at IS NULL THEN $4 ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('COMPLETED','FAILED','CANCELLED') THEN $4 ELSE finished_at END
		WHERE id = $1 AND status = $5;
	`
	tag, err := s.pool.Exec(ctx, query, id, status, errText, now, current.Status)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: concurrent status change lost update %s -> %s", id, current.Status, status)
	}
	return nil
}

// SetTotal records the discovered item count.
func (s *JobStore) SetTotal(ctx context.Context, id string, total int) error {
	return s.exec(ctx, "set job total",
		`UPDATE crawl_jobs SET total_items = $2, updated_at = $3 WHERE id = $1;`,
		id, total, s.clock.Now())
}

// IncrementCounters applies deltas atomically on the job's own row so
// concurrent children never lose updates.
func (s *JobStore) IncrementCounters(ctx context.Context, id string, completed, failed, skipped int) error {
	return s.exec(ctx, "increment job counters",
		`UPDATE crawl_jobs SET
			completed_items = completed_items + $2,
			failed_items = failed_items + $3,
			skipped_items = skipped_items + $4,
			updated_at = $5
		WHERE id = $1;`,
		id, completed, failed, skipped, s.clock.Now())
}

// SetContentID links the job to its catalog record.
func (s *JobStore) SetContentID(ctx context.Context, id string, contentID int64) error {
	return s.exec(ctx, "set job content id",
		`UPDATE crawl_jobs SET content_id = $2, updated_at = $3 WHERE id = $1;`,
		id, contentID, s.clock.Now())
}

// SetContentHash records the digest of the fetched target page.
func (s *JobStore) SetContentHash(ctx context.Context, id string, hash string) error {
	return s.exec(ctx, "set job content hash",
		`UPDATE crawl_jobs SET content_hash = $2, updated_at = $3 WHERE id = $1;`,
		id, hash, s.clock.Now())
}

// IncrementRetry bumps the retry counter.
func (s *JobStore) IncrementRetry(ctx context.Context, id string) error {
	return s.exec(ctx, "increment job retry",
		`UPDATE crawl_jobs SET retry_count = retry_count + 1, updated_at = $2 WHERE id = $1;`,
		id, s.clock.Now())
}

// SoftDelete marks the job deleted without removing the row.
func (s *JobStore) SoftDelete(ctx context.Context, id string) error {
	return s.exec(ctx, "soft delete job",
		`UPDATE crawl_jobs SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL;`,
		id, s.clock.Now())
}

// Restore clears the soft-delete marker.
func (s *JobStore) Restore(ctx context.Context, id string) error {
	return s.exec(ctx, "restore job",
		`UPDATE crawl_jobs SET deleted_at = NULL, updated_at = $2 WHERE id = $1;`,
		id, s.clock.Now())
}

// ListChildren returns the direct children of a job in sibling order.
func (s *JobStore) ListChildren(ctx context.Context, parentID string) ([]crawl.Job, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM crawl_jobs WHERE parent_id = $1 ORDER BY position ASC;`, jobColumns)
	return s.list(ctx, "list children", query, parentID)
}

// ListByRoot returns every descendant of a root job, the root included.
func (s *JobStore) ListByRoot(ctx context.Context, rootID string) ([]crawl.Job, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM crawl_jobs WHERE root_id = $1 ORDER BY depth ASC, position ASC;`, jobColumns)
	return s.list(ctx, "list by root", query, rootID)
}

// CountActive counts RUNNING jobs; operator == "" counts system-wide.
func (s *JobStore) CountActive(ctx context.Context, operator string) (int, error) {
	query := `
		SELECT COUNT(*) FROM crawl_jobs
		WHERE status = 'RUNNING' AND deleted_at IS NULL
		AND ($1 = '' OR operator = $1);
	`
	var count int
	if err := s.pool.QueryRow(ctx, query, operator).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return count, nil
}

// FindByTargetURL matches jobs by exact target URL, newest first.
func (s *JobStore) FindByTargetURL(ctx context.Context, url string) ([]crawl.Job, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM crawl_jobs WHERE target_url = $1 ORDER BY created_at DESC;`, jobColumns)
	return s.list(ctx, "find by target url", query, url)
}

// FindByNormalizedURL matches jobs whose normalized target URL equals the
// given form.
func (s *JobStore) FindByNormalizedURL(ctx context.Context, normalized string) ([]crawl.Job, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM crawl_jobs WHERE normalized_url = $1 ORDER BY created_at DESC;`, jobColumns)
	return s.list(ctx, "find by normalized url", query, normalized)
}

// FindByContentHash matches jobs by the digest of their target page.
func (s *JobStore) FindByContentHash(ctx context.Context, hash string) ([]crawl.Job, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM crawl_jobs WHERE content_hash = $1 ORDER BY created_at DESC;`, jobColumns)
	return s.list(ctx, "find by content hash", query, hash)
}

// ListPendingRoots returns operator-created root jobs awaiting dispatch.
func (s *JobStore) ListPendingRoots(ctx context.Context, limit int) ([]crawl.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM crawl_jobs
		WHERE parent_id IS NULL AND status = 'PENDING' AND deleted_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1;`, jobColumns)
	return s.list(ctx, "list pending roots", query, limit)
}

// SaveSettings upserts the one settings row of a job.
func (s *JobStore) SaveSettings(ctx context.Context, settings crawl.Settings) error {
	skip, err := json.Marshal(settings.SkipItems)
	if err != nil {
		return fmt.Errorf("marshal skip items: %w", err)
	}
	redownload, err := json.Marshal(settings.RedownloadItems)
	if err != nil {
		return fmt.Errorf("marshal redownload items: %w", err)
	}
	overrides, err := json.Marshal(settings.ChildOverrides)
	if err != nil {
		return fmt.Errorf("marshal child overrides: %w", err)
	}
	headers, err := json.Marshal(settings.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	query := `
		INSERT INTO crawl_settings (
			job_id, parallelism, image_quality, timeout_seconds, skip_items,
			redownload_items, range_start, range_end, child_overrides, headers
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (job_id) DO UPDATE SET
			parallelism = EXCLUDED.parallelism,
			image_quality = EXCLUDED.image_quality,
			timeout_seconds = EXCLUDED.timeout_seconds,
			skip_items = EXCLUDED.skip_items,
			redownload_items = EXCLUDED.redownload_items,
			range_start = EXCLUDED.range_start,
			range_end = EXCLUDED.range_end,
			child_overrides = EXCLUDED.child_overrides,
			headers = EXCLUDED.headers;
	`
	_, err = s.pool.Exec(ctx, query,
		settings.JobID, settings.Parallelism, settings.ImageQuality, settings.TimeoutSeconds,
		skip, redownload, settings.RangeStart, settings.RangeEnd, overrides, headers,
	)
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

// GetSettings retrieves the settings row of a job.
func (s *JobStore) GetSettings(ctx context.Context, jobID string) (crawl.Settings, error) {
	query := `
		SELECT job_id, parallelism, image_quality, timeout_seconds, skip_items,
			redownload_items, range_start, range_end, child_overrides, headers
		FROM crawl_settings WHERE job_id = $1;
	`
	var (
		settings                          crawl.Settings
		skip, redownload, overrides, hdrs []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&settings.JobID, &settings.Parallelism, &settings.ImageQuality, &settings.TimeoutSeconds,
		&skip, &redownload, &settings.RangeStart, &settings.RangeEnd, &overrides, &hdrs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Settings{}, crawl.ErrNotFound
		}
		return crawl.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	if err := json.Unmarshal(skip, &settings.SkipItems); err != nil {
		return crawl.Settings{}, fmt.Errorf("unmarshal skip items: %w", err)
	}
	if err := json.Unmarshal(redownload, &settings.RedownloadItems); err != nil {
		return crawl.Settings{}, fmt.Errorf("unmarshal redownload items: %w", err)
	}
	if err := json.Unmarshal(overrides, &settings.ChildOverrides); err != nil {
		return crawl.Settings{}, fmt.Errorf("unmarshal child overrides: %w", err)
	}
	if err := json.Unmarshal(hdrs, &settings.Headers); err != nil {
		return crawl.Settings{}, fmt.Errorf("unmarshal headers: %w", err)
	}
	return settings, nil
}

func (s *JobStore) exec(ctx context.Context, what, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, crawl.ErrNotFound)
	}
	return nil
}

func (s *JobStore) list(ctx context.Context, what, query string, args ...any) ([]crawl.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	var jobs []crawl.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan row: %w", what, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate rows: %w", what, err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (crawl.Job, error) {
	var (
		job      crawl.Job
		parentID *string
	)
	err := row.Scan(
		&job.ID, &job.Level, &parentID, &job.RootID, &job.Depth, &job.TargetURL,
		&job.Slug, &job.Name, &job.Position, &job.ContentID, &job.Status, &job.Mode,
		&job.Operator, &job.TotalItems, &job.Completed, &job.Failed, &job.Skipped,
		&job.RetryCount, &job.ErrorText, &job.ContentHash, &job.CreatedAt, &job.UpdatedAt,
		&job.StartedAt, &job.FinishedAt, &job.DeletedAt,
	)
	if err != nil {
		return crawl.Job{}, err
	}
	if parentID != nil {
		job.ParentID = *parentID
	}
	return job, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
