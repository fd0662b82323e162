package postgres

import (
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time { return c.now }

var testNow = time.Unix(1700000000, 0).UTC()

func jobRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "level", "parent_id", "root_id", "depth", "target_url", "slug", "name",
		"position", "content_id", "status", "mode", "operator", "total_items",
		"completed_items", "failed_items", "skipped_items", "retry_count", "error_text",
		"content_hash", "created_at", "updated_at", "started_at", "finished_at", "deleted_at",
	})
}

func addJobRow(rows *pgxmock.Rows, job crawl.Job) *pgxmock.Rows {
	var parentID *string
	if job.ParentID != "" {
		parentID = &job.ParentID
	}
	return rows.AddRow(
		job.ID, job.Level, parentID, job.RootID, job.Depth, job.TargetURL, job.Slug,
		job.Name, job.Position, job.ContentID, job.Status, job.Mode, job.Operator,
		job.TotalItems, job.Completed, job.Failed, job.Skipped, job.RetryCount,
		job.ErrorText, job.ContentHash, job.CreatedAt, job.UpdatedAt,
		job.StartedAt, job.FinishedAt, job.DeletedAt,
	)
}
