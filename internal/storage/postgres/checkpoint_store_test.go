package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

func TestCheckpointStoreInitIsIdempotent(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewCheckpointStore(mock, fakeClock{now: testNow})

	mock.ExpectExec("INSERT INTO crawl_checkpoints").
		WithArgs("job-1", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_checkpoints").
		WithArgs("job-1", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.Init(context.Background(), "job-1"))
	require.NoError(t, store.Init(context.Background(), "job-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStoreGetDecodesJSON(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewCheckpointStore(mock, fakeClock{now: testNow})

	pausedAt := testNow.Add(-time.Minute)
	rows := pgxmock.NewRows([]string{
		"job_id", "last_item_index", "prev_total", "failed_indices", "failed_nested", "resume_count",
		"paused_at", "resumed_at", "state", "updated_at",
	}).AddRow(
		"job-1", 4, 12, []byte(`[2,5]`), []byte(`{"3":[1,4]}`), 2,
		&pausedAt, (*time.Time)(nil),
		[]byte(`{"kind":"image_urls","image_urls":["https://img.truyengg.com/1.jpg"]}`),
		testNow,
	)
	mock.ExpectQuery("SELECT (.+) FROM crawl_checkpoints").
		WithArgs("job-1").
		WillReturnRows(rows)

	cp, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, 4, cp.LastIndex)
	require.Equal(t, 12, cp.PrevTotal)
	require.Equal(t, []int{2, 5}, cp.FailedIndices)
	require.Equal(t, map[int][]int{3: {1, 4}}, cp.FailedNested)
	require.Equal(t, 2, cp.ResumeCount)
	require.NotNil(t, cp.PausedAt)
	require.Nil(t, cp.ResumedAt)
	require.Equal(t, crawl.SnapshotImageURLs, cp.State.Kind)
	require.Equal(t, []string{"https://img.truyengg.com/1.jpg"}, cp.State.ImageURLs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStoreSetLastIndexMissingJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewCheckpointStore(mock, fakeClock{now: testNow})

	mock.ExpectExec("UPDATE crawl_checkpoints SET last_item_index").
		WithArgs("missing", 7, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.SetLastIndex(context.Background(), "missing", 7)
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStoreSetPrevTotalWritesOnce(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewCheckpointStore(mock, fakeClock{now: testNow})

	mock.ExpectExec("UPDATE crawl_checkpoints SET prev_total").
		WithArgs("job-1", 12, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	// A baseline already recorded matches zero rows and is not an error.
	mock.ExpectExec("UPDATE crawl_checkpoints SET prev_total").
		WithArgs("job-1", 99, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.SetPrevTotal(context.Background(), "job-1", 12))
	require.NoError(t, store.SetPrevTotal(context.Background(), "job-1", 99))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStoreAddFailedIndex(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewCheckpointStore(mock, fakeClock{now: testNow})

	mock.ExpectExec("UPDATE crawl_checkpoints SET").
		WithArgs("job-1", 3, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.AddFailedIndex(context.Background(), "job-1", 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStoreAddNestedFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewCheckpointStore(mock, fakeClock{now: testNow})

	mock.ExpectExec("UPDATE crawl_checkpoints SET").
		WithArgs("job-root", 3, 7, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.AddNestedFailure(context.Background(), "job-root", 3, 7))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStoreSetStateMarshalsSnapshot(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewCheckpointStore(mock, fakeClock{now: testNow})

	state := crawl.StateSnapshot{
		Kind:        crawl.SnapshotImageResult,
		ImageResult: &crawl.ImageResult{Path: "comics/1/ch-2/003.jpg", Bytes: 2048},
	}
	mock.ExpectExec("UPDATE crawl_checkpoints SET state").
		WithArgs("job-1",
			[]byte(`{"kind":"image_result","image_result":{"path":"comics/1/ch-2/003.jpg","bytes":2048}}`),
			testNow,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.SetState(context.Background(), "job-1", state))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStoreMarkResumedBumpsCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewCheckpointStore(mock, fakeClock{now: testNow})

	at := testNow.Add(time.Hour)
	mock.ExpectExec("UPDATE crawl_checkpoints SET resumed_at").
		WithArgs("job-1", at, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkResumed(context.Background(), "job-1", at))
	require.NoError(t, mock.ExpectationsWereMet())
}
