// Package dupe implements duplicate detection over crawl jobs and catalog
// records, and the auto-merge gating for new comics.
package dupe

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/xrash/smetrics"
	"go.uber.org/zap"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// Confidence constants per match type.
const (
	ConfidenceExactURL    = 100
	ConfidenceContentHash = 90
	ConfidenceSimilarURL  = 85
)

// Similarity thresholds gating the post-crawl decision.
const (
	MergeThreshold  = 0.9
	ReviewThreshold = 0.7
)

// Outcome is the post-crawl decision for a new catalog record.
type Outcome string

// Post-crawl outcomes.
const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeFlagged  Outcome = "FLAGGED"
	OutcomeMerged   Outcome = "MERGED"
)

// Decision describes what EvaluateComic did with a new record.
type Decision struct {
	Outcome Outcome
	Score   float64
	OtherID int64 // best-matching existing record; the winner when merged
}

// jobFinder is the slice of the job store the pre-crawl check needs.
type jobFinder interface {
	FindByTargetURL(ctx context.Context, url string) ([]crawl.Job, error)
	FindByNormalizedURL(ctx context.Context, normalized string) ([]crawl.Job, error)
	FindByContentHash(ctx context.Context, hash string) ([]crawl.Job, error)
}

// Detector scores candidate URLs against existing jobs and new catalog
// records against the existing catalog.
type Detector struct {
	jobs    jobFinder
	catalog crawl.CatalogStore
	logger  *zap.Logger
}

// New constructs a Detector.
func New(jobs jobFinder, catalog crawl.CatalogStore, logger *zap.Logger) *Detector {
	return &Detector{jobs: jobs, catalog: catalog, logger: logger}
}

// CheckURL runs the pre-crawl duplicate check for one candidate URL.
// contentHash may be empty when the candidate page has not been fetched.
func (d *Detector) CheckURL(ctx context.Context, candidate, contentHash string) (crawl.DuplicateCheckResult, error) {
	exact, err := d.jobs.FindByTargetURL(ctx, candidate)
	if err != nil {
		return crawl.DuplicateCheckResult{}, fmt.Errorf("find by target url: %w", err)
	}
	if job, ok := pickRelevant(exact); ok {
		return resultFor(job, crawl.MatchExactURL, ConfidenceExactURL), nil
	}

	if contentHash != "" {
		jobs, err := d.jobs.FindByContentHash(ctx, contentHash)
		if err != nil {
			return crawl.DuplicateCheckResult{}, fmt.Errorf("find by content hash: %w", err)
		}
		if job, ok := pickRelevant(jobs); ok {
			return resultFor(job, crawl.MatchContentHash, ConfidenceContentHash), nil
		}
	}

	similar, err := d.jobs.FindByNormalizedURL(ctx, NormalizeURL(candidate))
	if err != nil {
		return crawl.DuplicateCheckResult{}, fmt.Errorf("find by normalized url: %w", err)
	}
	if job, ok := pickRelevant(similar); ok {
		return resultFor(job, crawl.MatchSimilarURL, ConfidenceSimilarURL), nil
	}
	return crawl.DuplicateCheckResult{Match: crawl.MatchNone}, nil
}

// CheckURLs runs CheckURL for each candidate, preserving order.
func (d *Detector) CheckURLs(ctx context.Context, candidates []string) ([]crawl.DuplicateCheckResult, error) {
	results := make([]crawl.DuplicateCheckResult, 0, len(candidates))
	for _, c := range candidates {
		r, err := d.CheckURL(ctx, c, "")
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// pickRelevant prefers completed jobs, then any non-cancelled one.
func pickRelevant(jobs []crawl.Job) (crawl.Job, bool) {
	var fallback *crawl.Job
	for i := range jobs {
		job := jobs[i]
		if job.DeletedAt != nil || job.Status == crawl.JobCancelled {
			continue
		}
		if job.Status == crawl.JobCompleted {
			return job, true
		}
		if fallback == nil {
			fallback = &job
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return crawl.Job{}, false
}

func resultFor(job crawl.Job, match crawl.DuplicateMatch, confidence int) crawl.DuplicateCheckResult {
	return crawl.DuplicateCheckResult{
		Match:             match,
		ExistingJobID:     job.ID,
		ExistingContentID: job.ContentID,
		Confidence:        confidence,
		MatchedURL:        job.TargetURL,
		ExistingChildren:  job.TotalItems,
	}
}

// EvaluateComic scores a freshly created record against the active catalog
// and merges, flags, or accepts it. On merge the pre-existing record wins.
func (d *Detector) EvaluateComic(ctx context.Context, created crawl.Comic) (Decision, error) {
	existing, err := d.catalog.ListActive(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("list active comics: %w", err)
	}

	best := Decision{Outcome: OutcomeAccepted}
	for _, other := range existing {
		if other.ID == created.ID {
			continue
		}
		score := Similarity(created, other)
		if score > best.Score {
			best.Score = score
			best.OtherID = other.ID
		}
	}

	switch {
	case best.Score >= MergeThreshold:
		if err := d.catalog.Merge(ctx, best.OtherID, created.ID); err != nil {
			return Decision{}, fmt.Errorf("merge comics: %w", err)
		}
		best.Outcome = OutcomeMerged
		d.logger.Info("auto-merged duplicate comic",
			zap.Int64("winner_id", best.OtherID),
			zap.Int64("loser_id", created.ID),
			zap.Float64("score", best.Score),
		)
	case best.Score >= ReviewThreshold:
		if err := d.catalog.SetComicStatus(ctx, created.ID, crawl.ComicDuplicateDetected); err != nil {
			return Decision{}, fmt.Errorf("flag duplicate comic: %w", err)
		}
		best.Outcome = OutcomeFlagged
	default:
		best.Outcome = OutcomeAccepted
		best.OtherID = 0
	}
	return best, nil
}

// Similarity averages Jaro-Winkler scores over name, origin name, author and
// the best alternative-name pair. Fields empty on both sides are skipped;
// the score is symmetric.
func Similarity(a, b crawl.Comic) float64 {
	var sum float64
	var n int

	for _, pair := range [][2]string{
		{a.Name, b.Name},
		{a.OriginName, b.OriginName},
		{a.Author, b.Author},
	} {
		left, right := normalizeName(pair[0]), normalizeName(pair[1])
		if left == "" && right == "" {
			continue
		}
		sum += stringSimilarity(left, right)
		n++
	}

	if len(a.AltNames) > 0 && len(b.AltNames) > 0 {
		var bestAlt float64
		for _, an := range a.AltNames {
			for _, bn := range b.AltNames {
				if s := stringSimilarity(normalizeName(an), normalizeName(bn)); s > bestAlt {
					bestAlt = s
				}
			}
		}
		sum += bestAlt
		n++
	}

	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func stringSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return smetrics.JaroWinkler(a, b, 0.7, 4)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeURL folds scheme, www prefix and trailing slashes so close URL
// variants of the same target compare equal.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.ToLower(strings.TrimRight(raw, "/"))
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := strings.TrimRight(u.EscapedPath(), "/")
	return host + path
}
