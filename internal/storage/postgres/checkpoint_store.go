package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// CheckpointStore implements crawl.CheckpointStore using Postgres. Exactly
// one row per job, sharing the job's primary key.
type CheckpointStore struct {
	pool  Pool
	clock crawl.Clock
}

// NewCheckpointStore creates a CheckpointStore on an existing pool.
func NewCheckpointStore(pool Pool, clock crawl.Clock) *CheckpointStore {
	return &CheckpointStore{pool: pool, clock: clock}
}

// Init creates the checkpoint row if it does not exist. Idempotent, so a
// handler restart never clobbers an existing cursor.
func (s *CheckpointStore) Init(ctx context.Context, jobID string) error {
	query := `
		INSERT INTO crawl_checkpoints (
			job_id, last_item_index, prev_total, failed_indices, failed_nested, resume_count, state, updated_at
		) VALUES ($1, -1, -1, '[]', '{}', 0, '{"kind":""}', $2)
		ON CONFLICT (job_id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, jobID, s.clock.Now()); err != nil {
		return fmt.Errorf("init checkpoint: %w", err)
	}
	return nil
}

// Get retrieves the checkpoint of a job.
func (s *CheckpointStore) Get(ctx context.Context, jobID string) (crawl.Checkpoint, error) {
	query := `
		SELECT job_id, last_item_index, prev_total, failed_indices, failed_nested, resume_count,
			paused_at, resumed_at, state, updated_at
		FROM crawl_checkpoints WHERE job_id = $1;
	`
	var (
		cp                    crawl.Checkpoint
		failed, nested, state []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&cp.JobID, &cp.LastIndex, &cp.PrevTotal, &failed, &nested, &cp.ResumeCount,
		&cp.PausedAt, &cp.ResumedAt, &state, &cp.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Checkpoint{}, crawl.ErrNotFound
		}
		return crawl.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	if err := json.Unmarshal(failed, &cp.FailedIndices); err != nil {
		return crawl.Checkpoint{}, fmt.Errorf("unmarshal failed indices: %w", err)
	}
	if err := json.Unmarshal(nested, &cp.FailedNested); err != nil {
		return crawl.Checkpoint{}, fmt.Errorf("unmarshal nested failures: %w", err)
	}
	if err := json.Unmarshal(state, &cp.State); err != nil {
		return crawl.Checkpoint{}, fmt.Errorf("unmarshal state snapshot: %w", err)
	}
	return cp, nil
}

// SetLastIndex advances the resumable cursor. Written after every processed
// item so pause/cancel can land between any two items.
func (s *CheckpointStore) SetLastIndex(ctx context.Context, jobID string, idx int) error {
	return s.exec(ctx, "set last index",
		`UPDATE crawl_checkpoints SET last_item_index = $2, updated_at = $3 WHERE job_id = $1;`,
		jobID, idx, s.clock.Now())
}

// SetPrevTotal records the discovery baseline. The guard makes it write-once:
// a re-run that already recorded its baseline matches zero rows, which is not
// an error here.
func (s *CheckpointStore) SetPrevTotal(ctx context.Context, jobID string, total int) error {
	query := `
		UPDATE crawl_checkpoints SET prev_total = $2, updated_at = $3
		WHERE job_id = $1 AND prev_total = -1;
	`
	if _, err := s.pool.Exec(ctx, query, jobID, total, s.clock.Now()); err != nil {
		return fmt.Errorf("set prev total: %w", err)
	}
	return nil
}

// AddFailedIndex records a flat failed index. The JSONB append is guarded so
// applying the same failure twice keeps one entry.
func (s *CheckpointStore) AddFailedIndex(ctx context.Context, jobID string, idx int) error {
	query := `
		UPDATE crawl_checkpoints SET
			failed_indices = CASE
				WHEN failed_indices @> to_jsonb(ARRAY[$2::int])
				THEN failed_indices
				ELSE failed_indices || to_jsonb(ARRAY[$2::int])
			END,
			updated_at = $3
		WHERE job_id = $1;
	`
	return s.exec(ctx, "add failed index", query, jobID, idx, s.clock.Now())
}

// ClearFailedIndices empties both failure sets, used by retry-failed-items.
func (s *CheckpointStore) ClearFailedIndices(ctx context.Context, jobID string) error {
	return s.exec(ctx, "clear failed indices",
		`UPDATE crawl_checkpoints SET failed_indices = '[]', failed_nested = '{}', updated_at = $2 WHERE job_id = $1;`,
		jobID, s.clock.Now())
}

// AddNestedFailure records childIdx under parentIdx in the nested failure
// map. Idempotent for crash-retry safety: the same pair lands once.
func (s *CheckpointStore) AddNestedFailure(ctx context.Context, jobID string, parentIdx, childIdx int) error {
	query := `
		UPDATE crawl_checkpoints SET
			failed_nested = jsonb_set(
				failed_nested,
				ARRAY[$2::text],
				CASE
					WHEN COALESCE(failed_nested -> $2::text, '[]') @> to_jsonb(ARRAY[$3::int])
					THEN COALESCE(failed_nested -> $2::text, '[]')
					ELSE COALESCE(failed_nested -> $2::text, '[]') || to_jsonb(ARRAY[$3::int])
				END
			),
			updated_at = $4
		WHERE job_id = $1;
	`
	return s.exec(ctx, "add nested failure", query, jobID, parentIdx, childIdx, s.clock.Now())
}

// SetState replaces the free-form state snapshot.
func (s *CheckpointStore) SetState(ctx context.Context, jobID string, state crawl.StateSnapshot) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}
	return s.exec(ctx, "set checkpoint state",
		`UPDATE crawl_checkpoints SET state = $2, updated_at = $3 WHERE job_id = $1;`,
		jobID, data, s.clock.Now())
}

// MarkPaused stamps the pause time.
func (s *CheckpointStore) MarkPaused(ctx context.Context, jobID string, at time.Time) error {
	return s.exec(ctx, "mark paused",
		`UPDATE crawl_checkpoints SET paused_at = $2, updated_at = $3 WHERE job_id = $1;`,
		jobID, at, s.clock.Now())
}

// MarkResumed stamps the resume time and increments the resume count.
func (s *CheckpointStore) MarkResumed(ctx context.Context, jobID string, at time.Time) error {
	return s.exec(ctx, "mark resumed",
		`UPDATE crawl_checkpoints SET resumed_at = $2, resume_count = resume_count + 1, updated_at = $3 WHERE job_id = $1;`,
		jobID, at, s.clock.Now())
}

func (s *CheckpointStore) exec(ctx context.Context, what, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, crawl.ErrNotFound)
	}
	return nil
}
