package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// ProgressStore implements crawl.ProgressStore using Postgres. Progress rows
// are written once per item and must never block the job row's writes, so
// every mutation is a single-statement update on the progress row alone.
type ProgressStore struct {
	pool  Pool
	clock crawl.Clock
}

// NewProgressStore creates a ProgressStore on an existing pool.
func NewProgressStore(pool Pool, clock crawl.Clock) *ProgressStore {
	return &ProgressStore{pool: pool, clock: clock}
}

// Init creates the progress row if it does not exist.
func (s *ProgressStore) Init(ctx context.Context, jobID string, total int) error {
	now := s.clock.Now()
	query := `
		INSERT INTO crawl_progress (
			job_id, total_items, completed_items, failed_items, skipped_items,
			bytes_downloaded, percent, messages, estimated_remaining_seconds,
			created_at, updated_at
		) VALUES ($1, $2, 0, 0, 0, 0, 0, '{}', 0, $3, $3)
		ON CONFLICT (job_id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, jobID, total, now); err != nil {
		return fmt.Errorf("init progress: %w", err)
	}
	return nil
}

// Get retrieves the progress row of a job.
func (s *ProgressStore) Get(ctx context.Context, jobID string) (crawl.Progress, error) {
	query := `
		SELECT job_id, total_items, completed_items, failed_items, skipped_items,
			bytes_downloaded, percent, current_item, current_url, messages,
			estimated_remaining_seconds, updated_at
		FROM crawl_progress WHERE job_id = $1;
	`
	var p crawl.Progress
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&p.JobID, &p.TotalItems, &p.Completed, &p.Failed, &p.Skipped,
		&p.BytesDownloaded, &p.Percent, &p.CurrentItem, &p.CurrentURL, &p.Messages,
		&p.RemainingSeconds, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Progress{}, crawl.ErrNotFound
		}
		return crawl.Progress{}, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

// SetTotal records the item count once discovery has resolved it.
func (s *ProgressStore) SetTotal(ctx context.Context, jobID string, total int) error {
	query := `UPDATE crawl_progress SET total_items = $2, updated_at = $3 WHERE job_id = $1;`
	tag, err := s.pool.Exec(ctx, query, jobID, total, s.clock.Now())
	if err != nil {
		return fmt.Errorf("set progress total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set progress total: %w", crawl.ErrNotFound)
	}
	return nil
}

// Advance applies one item's deltas, recomputes the percentage and the
// remaining-time estimate from the rolling completion rate, and appends to
// the bounded message log (most recent 50 kept).
func (s *ProgressStore) Advance(ctx context.Context, jobID string, upd crawl.ProgressUpdate) error {
	now := s.clock.Now()
	query := `
		UPDATE crawl_progress SET
			completed_items = completed_items + $2,
			failed_items = failed_items + $3,
			skipped_items = skipped_items + $4,
			bytes_downloaded = bytes_downloaded + $5,
			current_item = COALESCE(NULLIF($6, ''), current_item),
			current_url = COALESCE(NULLIF($7, ''), current_url),
			messages = CASE
				WHEN $8 = '' THEN messages
				ELSE (messages || $8::text)[GREATEST(1, array_length(messages || $8::text, 1) - 49):]
			END,
			percent = CASE
				WHEN total_items > 0 THEN LEAST(100.0,
					(completed_items + $2 + failed_items + $3 + skipped_items + $4) * 100.0 / total_items)
				ELSE 0
			END,
			estimated_remaining_seconds = CASE
				WHEN completed_items + $2 > 0
					AND total_items > completed_items + $2 + failed_items + $3 + skipped_items + $4
				THEN (EXTRACT(EPOCH FROM ($9::timestamptz - created_at))
					* (total_items - completed_items - $2 - failed_items - $3 - skipped_items - $4)
					/ (completed_items + $2))::bigint
				ELSE 0
			END,
			updated_at = $9
		WHERE job_id = $1;
	`
	tag, err := s.pool.Exec(ctx, query,
		jobID, upd.CompletedDelta, upd.FailedDelta, upd.SkippedDelta, upd.BytesDelta,
		upd.CurrentItem, upd.CurrentURL, upd.Message, now,
	)
	if err != nil {
		return fmt.Errorf("advance progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advance progress: %w", crawl.ErrNotFound)
	}
	return nil
}
