package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// QueueStore implements crawl.QueueStore using Postgres. The claim protocol
// relies on FOR UPDATE SKIP LOCKED so any number of workers can share the
// table without double-processing.
type QueueStore struct {
	pool  Pool
	clock crawl.Clock
}

// NewQueueStore creates a QueueStore on an existing pool.
func NewQueueStore(pool Pool, clock crawl.Clock) *QueueStore {
	return &QueueStore{pool: pool, clock: clock}
}

const entryColumns = `id, job_id, level, target_url, name, position, priority, status,
	retry_count, max_retries, next_retry_at, spawned_job_id, error_text, created_at, updated_at`

// Enqueue inserts the discovered child entries in one transaction so a
// handler crash mid-discovery never leaves a partial batch.
func (s *QueueStore) Enqueue(ctx context.Context, entries []crawl.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.clock.Now()
	query := `
		INSERT INTO crawl_queue (
			id, job_id, level, target_url, name, position, priority, status,
			retry_count, max_retries, error_text, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13);
	`
	for _, e := range entries {
		if _, err := tx.Exec(ctx, query,
			e.ID, e.JobID, e.Level, e.TargetURL, e.Name, e.Position, e.Priority,
			crawl.EntryPending, e.RetryCount, e.MaxRetries, e.ErrorText, now, now,
		); err != nil {
			return fmt.Errorf("insert queue entry: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

// Claim atomically picks up to limit ready entries and transitions them
// PROCESSING. Ready means PENDING, or DELAYED with next_retry_at in the past.
// Rows locked by a concurrent claimant are skipped, never double-claimed.
func (s *QueueStore) Claim(ctx context.Context, limit int) ([]crawl.QueueEntry, error) {
	now := s.clock.Now()
	query := fmt.Sprintf(`
		WITH ready AS (
			SELECT id FROM crawl_queue
			WHERE status = 'PENDING'
			   OR (status = 'DELAYED' AND next_retry_at <= $2)
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE crawl_queue q SET status = 'PROCESSING', updated_at = $2
		FROM ready WHERE q.id = ready.id
		RETURNING %s;`, qualify("q", entryColumns))

	rows, err := s.pool.Query(ctx, query, limit, now)
	if err != nil {
		return nil, fmt.Errorf("claim queue entries: %w", err)
	}
	defer rows.Close()

	var entries []crawl.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("claim queue entries: scan row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim queue entries: iterate rows: %w", err)
	}
	return entries, nil
}

// Get retrieves one entry by id.
func (s *QueueStore) Get(ctx context.Context, id string) (crawl.QueueEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM crawl_queue WHERE id = $1;`, entryColumns)
	e, err := scanEntry(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.QueueEntry{}, crawl.ErrNotFound
		}
		return crawl.QueueEntry{}, fmt.Errorf("get queue entry: %w", err)
	}
	return e, nil
}

// Complete marks a claimed entry done.
func (s *QueueStore) Complete(ctx context.Context, id string) error {
	return s.transition(ctx, "complete queue entry", id, crawl.EntryCompleted, "")
}

// Fail marks a claimed entry permanently failed.
func (s *QueueStore) Fail(ctx context.Context, id string, errText string) error {
	return s.transition(ctx, "fail queue entry", id, crawl.EntryFailed, errText)
}

// Release returns a claimed entry to PENDING without recording a failure,
// e.g. when a concurrency ceiling rejected the dispatch.
func (s *QueueStore) Release(ctx context.Context, id string) error {
	return s.transition(ctx, "release queue entry", id, crawl.EntryPending, "")
}

// Delay reschedules a failed entry with its next retry time, incrementing
// the retry count.
func (s *QueueStore) Delay(ctx context.Context, id string, errText string, nextRetryAt time.Time) error {
	query := `
		UPDATE crawl_queue SET
			status = 'DELAYED',
			retry_count = retry_count + 1,
			next_retry_at = $2,
			error_text = $3,
			updated_at = $4
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query, id, nextRetryAt, errText, s.clock.Now())
	if err != nil {
		return fmt.Errorf("delay queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delay queue entry: %w", crawl.ErrNotFound)
	}
	return nil
}

// SetSpawnedJob links the entry to the job materialized from it, so a retry
// reuses the same job row instead of creating a sibling.
func (s *QueueStore) SetSpawnedJob(ctx context.Context, id string, jobID string) error {
	query := `UPDATE crawl_queue SET spawned_job_id = $2, updated_at = $3 WHERE id = $1;`
	tag, err := s.pool.Exec(ctx, query, id, jobID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("set spawned job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set spawned job: %w", crawl.ErrNotFound)
	}
	return nil
}

// SkipPendingForJob marks all still-dispatchable entries of a cancelled job
// SKIPPED. In-flight PROCESSING entries drain naturally.
func (s *QueueStore) SkipPendingForJob(ctx context.Context, jobID string) (int, error) {
	query := `
		UPDATE crawl_queue SET status = 'SKIPPED', updated_at = $2
		WHERE job_id = $1 AND status IN ('PENDING','DELAYED');
	`
	tag, err := s.pool.Exec(ctx, query, jobID, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("skip pending entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountActiveForJob counts the entries of a job that are not yet terminal.
func (s *QueueStore) CountActiveForJob(ctx context.Context, jobID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM crawl_queue
		WHERE job_id = $1 AND status IN ('PENDING','PROCESSING','DELAYED');
	`
	var count int
	if err := s.pool.QueryRow(ctx, query, jobID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active entries: %w", err)
	}
	return count, nil
}

func (s *QueueStore) transition(ctx context.Context, what, id string, status crawl.QueueStatus, errText string) error {
	query := `UPDATE crawl_queue SET status = $2, error_text = $3, updated_at = $4 WHERE id = $1;`
	tag, err := s.pool.Exec(ctx, query, id, status, errText, s.clock.Now())
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, crawl.ErrNotFound)
	}
	return nil
}

func scanEntry(row pgx.Row) (crawl.QueueEntry, error) {
	var (
		e          crawl.QueueEntry
		spawnedJob *string
	)
	err := row.Scan(
		&e.ID, &e.JobID, &e.Level, &e.TargetURL, &e.Name, &e.Position, &e.Priority,
		&e.Status, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &spawnedJob,
		&e.ErrorText, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return crawl.QueueEntry{}, err
	}
	if spawnedJob != nil {
		e.SpawnedJob = *spawnedJob
	}
	return e, nil
}

// qualify prefixes each column in list with the table alias.
func qualify(alias, list string) string {
	out := ""
	for i, col := range splitColumns(list) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + col
	}
	return out
}

func splitColumns(list string) []string {
	var cols []string
	col := ""
	for _, r := range list {
		switch r {
		case ',':
			cols = append(cols, col)
			col = ""
		case ' ', '\n', '\t':
		default:
			col += string(r)
		}
	}
	if col != "" {
		cols = append(cols, col)
	}
	return cols
}
