package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

var _ crawl.EventSink = (*Publisher)(nil)

func TestPublisherRecordsEvents(t *testing.T) {
	t.Parallel()

	p := New()
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, "job-1", crawl.EventJobStatus, map[string]any{"status": "RUNNING"}))
	require.NoError(t, p.Publish(ctx, "job-1", crawl.EventProgress, nil))
	require.NoError(t, p.Publish(ctx, "job-2", crawl.EventJobStatus, map[string]any{"status": "COMPLETED"}))

	require.Len(t, p.Events(), 3)
	statuses := p.ByKind(crawl.EventJobStatus)
	require.Len(t, statuses, 2)
	require.Equal(t, "job-1", statuses[0].JobID)
	require.Equal(t, "job-2", statuses[1].JobID)
}
