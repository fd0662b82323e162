package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// CatalogStore implements crawl.CatalogStore in memory.
type CatalogStore struct {
	mu       sync.Mutex
	comics   map[int64]crawl.Comic
	chapters map[int64][]crawl.Chapter
	nextID   int64
	clock    crawl.Clock
}

// NewCatalogStore constructs a CatalogStore.
func NewCatalogStore(clock crawl.Clock) *CatalogStore {
	return &CatalogStore{
		comics:   make(map[int64]crawl.Comic),
		chapters: make(map[int64][]crawl.Chapter),
		nextID:   1,
		clock:    clock,
	}
}

// UpsertComic creates or updates the record keyed by source URL.
func (s *CatalogStore) UpsertComic(_ context.Context, c crawl.Comic) (crawl.Comic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for id, existing := range s.comics {
		if existing.SourceURL != c.SourceURL {
			continue
		}
		existing.Name = c.Name
		existing.OriginName = c.OriginName
		existing.Author = c.Author
		existing.AltNames = append([]string(nil), c.AltNames...)
		existing.CoverURL = c.CoverURL
		existing.UpdatedAt = now
		s.comics[id] = existing
		return existing, nil
	}
	c.ID = s.nextID
	s.nextID++
	if c.Status == "" {
		c.Status = crawl.ComicActive
	}
	c.AltNames = append([]string(nil), c.AltNames...)
	c.CreatedAt = now
	c.UpdatedAt = now
	s.comics[c.ID] = c
	return c, nil
}

// GetComic retrieves one record by id.
func (s *CatalogStore) GetComic(_ context.Context, id int64) (crawl.Comic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comics[id]
	if !ok {
		return crawl.Comic{}, crawl.ErrNotFound
	}
	return c, nil
}

// ListActive returns every record not yet merged, oldest id first.
func (s *CatalogStore) ListActive(_ context.Context) ([]crawl.Comic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var comics []crawl.Comic
	for _, c := range s.comics {
		if c.Status != crawl.ComicMerged {
			comics = append(comics, c)
		}
	}
	sort.Slice(comics, func(i, k int) bool { return comics[i].ID < comics[k].ID })
	return comics, nil
}

// UpsertChapters stores the chapter list of a comic, keyed by source URL.
func (s *CatalogStore) UpsertChapters(_ context.Context, comicID int64, chapters []crawl.Chapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comics[comicID]
	if !ok {
		return crawl.ErrNotFound
	}
	now := s.clock.Now()
	existing := s.chapters[comicID]
	for _, ch := range chapters {
		found := false
		for i := range existing {
			if existing[i].SourceURL == ch.SourceURL {
				existing[i].Name = ch.Name
				existing[i].Position = ch.Position
				found = true
				break
			}
		}
		if !found {
			ch.ComicID = comicID
			ch.CreatedAt = now
			existing = append(existing, ch)
		}
	}
	s.chapters[comicID] = existing
	c.ChapterCount = len(existing)
	c.UpdatedAt = now
	s.comics[comicID] = c
	return nil
}

// SetComicStatus updates the catalog lifecycle status.
func (s *CatalogStore) SetComicStatus(_ context.Context, id int64, status crawl.ComicStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comics[id]
	if !ok {
		return crawl.ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = s.clock.Now()
	s.comics[id] = c
	return nil
}

// Merge unions the loser into the winner under one lock, mirroring the
// transactional Postgres merge.
func (s *CatalogStore) Merge(_ context.Context, winnerID, loserID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if winnerID == loserID {
		return fmt.Errorf("merge comics: winner and loser are the same record %d", winnerID)
	}
	winner, ok := s.comics[winnerID]
	if !ok {
		return fmt.Errorf("merge comics: winner %d: %w", winnerID, crawl.ErrNotFound)
	}
	loser, ok := s.comics[loserID]
	if !ok {
		return fmt.Errorf("merge comics: loser %d: %w", loserID, crawl.ErrNotFound)
	}
	if loser.Status == crawl.ComicMerged {
		return fmt.Errorf("mark loser merged: record %d already merged or missing", loserID)
	}
	now := s.clock.Now()

	seen := make(map[string]bool)
	var names []string
	for _, n := range append(append(winner.AltNames, loser.AltNames...), loser.Name) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	winner.AltNames = names
	winner.Views = maxInt64(winner.Views, loser.Views)
	winner.Likes = maxInt64(winner.Likes, loser.Likes)
	winner.Follows = maxInt64(winner.Follows, loser.Follows)

	urls := make(map[string]bool)
	for _, ch := range s.chapters[winnerID] {
		urls[ch.SourceURL] = true
	}
	for _, ch := range s.chapters[loserID] {
		if !urls[ch.SourceURL] {
			ch.ComicID = winnerID
			s.chapters[winnerID] = append(s.chapters[winnerID], ch)
		}
	}
	delete(s.chapters, loserID)
	winner.ChapterCount = len(s.chapters[winnerID])
	winner.UpdatedAt = now
	s.comics[winnerID] = winner

	loser.Status = crawl.ComicMerged
	loser.MergedInto = winnerID
	loser.UpdatedAt = now
	s.comics[loserID] = loser
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
