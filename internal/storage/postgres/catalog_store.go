package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// CatalogStore implements crawl.CatalogStore using Postgres. Merge is the
// only multi-row mutation in the system and runs in one transaction.
type CatalogStore struct {
	pool  Pool
	clock crawl.Clock
}

// NewCatalogStore creates a CatalogStore on an existing pool.
func NewCatalogStore(pool Pool, clock crawl.Clock) *CatalogStore {
	return &CatalogStore{pool: pool, clock: clock}
}

const comicColumns = `id, name, origin_name, author, alt_names, source_url, cover_url,
	status, merged_into, views, likes, follows, chapter_count, created_at, updated_at`

// UpsertComic creates or updates the record keyed by source URL and returns
// the stored row.
func (s *CatalogStore) UpsertComic(ctx context.Context, c crawl.Comic) (crawl.Comic, error) {
	now := s.clock.Now()
	query := fmt.Sprintf(`
		INSERT INTO comics (
			name, origin_name, author, alt_names, source_url, cover_url, status,
			merged_into, views, likes, follows, chapter_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9,$10,$11,$12,$12)
		ON CONFLICT (source_url) DO UPDATE SET
			name = EXCLUDED.name,
			origin_name = EXCLUDED.origin_name,
			author = EXCLUDED.author,
			alt_names = EXCLUDED.alt_names,
			cover_url = EXCLUDED.cover_url,
			updated_at = EXCLUDED.updated_at
		RETURNING %s;`, comicColumns)

	status := c.Status
	if status == "" {
		status = crawl.ComicActive
	}
	row := s.pool.QueryRow(ctx, query,
		c.Name, c.OriginName, c.Author, c.AltNames, c.SourceURL, c.CoverURL, status,
		c.Views, c.Likes, c.Follows, c.ChapterCount, now,
	)
	stored, err := scanComic(row)
	if err != nil {
		return crawl.Comic{}, fmt.Errorf("upsert comic: %w", err)
	}
	return stored, nil
}

// GetComic retrieves one record by id.
func (s *CatalogStore) GetComic(ctx context.Context, id int64) (crawl.Comic, error) {
	query := fmt.Sprintf(`SELECT %s FROM comics WHERE id = $1;`, comicColumns)
	c, err := scanComic(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Comic{}, crawl.ErrNotFound
		}
		return crawl.Comic{}, fmt.Errorf("get comic: %w", err)
	}
	return c, nil
}

// ListActive returns every record not yet merged, for similarity scans.
func (s *CatalogStore) ListActive(ctx context.Context) ([]crawl.Comic, error) {
	query := fmt.Sprintf(`SELECT %s FROM comics WHERE status <> 'MERGED' ORDER BY id ASC;`, comicColumns)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active comics: %w", err)
	}
	defer rows.Close()

	var comics []crawl.Comic
	for rows.Next() {
		c, err := scanComic(rows)
		if err != nil {
			return nil, fmt.Errorf("list active comics: scan row: %w", err)
		}
		comics = append(comics, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active comics: iterate rows: %w", err)
	}
	return comics, nil
}

// UpsertChapters stores the discovered chapter list of a comic, keyed by
// source URL, and refreshes the cached chapter count.
func (s *CatalogStore) UpsertChapters(ctx context.Context, comicID int64, chapters []crawl.Chapter) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert chapters: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.clock.Now()
	query := `
		INSERT INTO comic_chapters (comic_id, name, source_url, position, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (comic_id, source_url) DO UPDATE SET
			name = EXCLUDED.name,
			position = EXCLUDED.position;
	`
	for _, ch := range chapters {
		if _, err := tx.Exec(ctx, query, comicID, ch.Name, ch.SourceURL, ch.Position, now); err != nil {
			return fmt.Errorf("upsert chapter: %w", err)
		}
	}
	countQuery := `
		UPDATE comics SET
			chapter_count = (SELECT COUNT(*) FROM comic_chapters WHERE comic_id = $1),
			updated_at = $2
		WHERE id = $1;
	`
	if _, err := tx.Exec(ctx, countQuery, comicID, now); err != nil {
		return fmt.Errorf("refresh chapter count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert chapters: %w", err)
	}
	return nil
}

// SetComicStatus updates the catalog lifecycle status.
func (s *CatalogStore) SetComicStatus(ctx context.Context, id int64, status crawl.ComicStatus) error {
	query := `UPDATE comics SET status = $2, updated_at = $3 WHERE id = $1;`
	tag, err := s.pool.Exec(ctx, query, id, status, s.clock.Now())
	if err != nil {
		return fmt.Errorf("set comic status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set comic status: %w", crawl.ErrNotFound)
	}
	return nil
}

// Merge unions the loser into the winner: alternative names are combined,
// cumulative counters take the max, chapters are re-homed, and the loser is
// marked MERGED with a back-reference. All of it commits or none does, so a
// crash mid-merge never leaves both records ACTIVE.
func (s *CatalogStore) Merge(ctx context.Context, winnerID, loserID int64) error {
	if winnerID == loserID {
		return fmt.Errorf("merge comics: winner and loser are the same record %d", winnerID)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.clock.Now()
	unionQuery := `
		UPDATE comics w SET
			alt_names = (
				SELECT ARRAY(SELECT DISTINCT unnest(w.alt_names || l.alt_names || ARRAY[l.name]))
				FROM comics l WHERE l.id = $2
			),
			views = GREATEST(w.views, (SELECT views FROM comics WHERE id = $2)),
			likes = GREATEST(w.likes, (SELECT likes FROM comics WHERE id = $2)),
			follows = GREATEST(w.follows, (SELECT follows FROM comics WHERE id = $2)),
			updated_at = $3
		WHERE w.id = $1;
	`
	if _, err := tx.Exec(ctx, unionQuery, winnerID, loserID, now); err != nil {
		return fmt.Errorf("union into winner: %w", err)
	}

	rehomeQuery := `
		UPDATE comic_chapters SET comic_id = $1
		WHERE comic_id = $2
		AND source_url NOT IN (SELECT source_url FROM comic_chapters WHERE comic_id = $1);
	`
	if _, err := tx.Exec(ctx, rehomeQuery, winnerID, loserID); err != nil {
		return fmt.Errorf("rehome chapters: %w", err)
	}

	countQuery := `
		UPDATE comics SET
			chapter_count = (SELECT COUNT(*) FROM comic_chapters WHERE comic_id = $1)
		WHERE id = $1;
	`
	if _, err := tx.Exec(ctx, countQuery, winnerID); err != nil {
		return fmt.Errorf("refresh winner chapter count: %w", err)
	}

	loserQuery := `
		UPDATE comics SET status = 'MERGED', merged_into = $1, updated_at = $3
		WHERE id = $2 AND status <> 'MERGED';
	`
	tag, err := tx.Exec(ctx, loserQuery, winnerID, loserID, now)
	if err != nil {
		return fmt.Errorf("mark loser merged: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark loser merged: record %d already merged or missing", loserID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

func scanComic(row pgx.Row) (crawl.Comic, error) {
	var c crawl.Comic
	err := row.Scan(
		&c.ID, &c.Name, &c.OriginName, &c.Author, &c.AltNames, &c.SourceURL, &c.CoverURL,
		&c.Status, &c.MergedInto, &c.Views, &c.Likes, &c.Follows, &c.ChapterCount,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return crawl.Comic{}, err
	}
	return c, nil
}
