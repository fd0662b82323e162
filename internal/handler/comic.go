package handler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
	"github.com/phuongnt-git/truyengg-sub001/internal/dupe"
	"github.com/phuongnt-git/truyengg-sub001/internal/extractor"
	"github.com/phuongnt-git/truyengg-sub001/internal/metrics"
)

// Comic detects a comic's metadata, creates its catalog record, runs the
// post-crawl duplicate evaluation, and enqueues the selected chapters.
type Comic struct {
	base
}

// NewComic constructs the COMIC handler.
func NewComic(deps Deps) *Comic {
	metrics.Init()
	return &Comic{base{deps: deps}}
}

// Handle runs discovery for one comic page.
func (h *Comic) Handle(ctx context.Context, job crawl.Job, settings crawl.Settings) (bool, error) {
	if err := h.deps.Checkpoints.Init(ctx, job.ID); err != nil {
		return false, err
	}
	cp, err := h.deps.Checkpoints.Get(ctx, job.ID)
	if err != nil {
		return false, err
	}

	ex, err := h.deps.Extractors.Resolve(job.TargetURL)
	if err != nil {
		return false, err
	}
	domain := extractor.Domain(job.TargetURL)

	if job.ContentHash == "" && !ex.Structured() {
		page, err := h.deps.Fetch.FetchText(ctx, job.TargetURL, h.requestHeaders(domain, settings))
		if err != nil {
			return false, fmt.Errorf("fetch comic page: %w", err)
		}
		digest, err := h.deps.Hasher.Hash([]byte(page))
		if err != nil {
			return false, fmt.Errorf("hash comic page: %w", err)
		}
		if err := h.deps.Jobs.SetContentHash(ctx, job.ID, digest); err != nil {
			return false, err
		}
		job.ContentHash = digest
	}

	if job.ContentID < 0 {
		contentID, err := h.createCatalogRecord(ctx, ex, job)
		if err != nil {
			return false, err
		}
		if err := h.deps.Jobs.SetContentID(ctx, job.ID, contentID); err != nil {
			return false, err
		}
		job.ContentID = contentID
	}

	children, err := ex.ListChildren(ctx, job.TargetURL, domain)
	if err != nil {
		return false, fmt.Errorf("list comic chapters: %w", err)
	}
	if job.ContentID > 0 {
		chapters := make([]crawl.Chapter, 0, len(children))
		for _, ref := range children {
			chapters = append(chapters, crawl.Chapter{
				ComicID:   job.ContentID,
				Name:      ref.Name,
				SourceURL: ref.URL,
				Position:  ref.Position,
			})
		}
		if err := h.deps.Catalog.UpsertChapters(ctx, job.ContentID, chapters); err != nil {
			return false, fmt.Errorf("upsert chapters: %w", err)
		}
	}

	prevTotal, err := h.resolveBaseline(ctx, job, cp)
	if err != nil {
		return false, err
	}
	indices := crawl.ResolveIndices(len(children), prevTotal, job.Mode, settings)
	if err := h.deps.Jobs.SetTotal(ctx, job.ID, len(indices)); err != nil {
		return false, err
	}
	if err := h.deps.Progress.Init(ctx, job.ID, len(indices)); err != nil {
		return false, err
	}
	if err := h.deps.Progress.SetTotal(ctx, job.ID, len(indices)); err != nil {
		return false, err
	}
	h.deps.Logger.Info("comic discovered",
		zap.String("job_id", job.ID),
		zap.Int64("content_id", job.ContentID),
		zap.Int("chapters", len(children)),
		zap.Int("selected", len(indices)),
	)
	if len(indices) == 0 {
		return true, nil
	}

	err = h.enqueueSelected(ctx, job, cp, crawl.LevelChapter, indices, func(idx int) crawl.ChildRef {
		return children[idx]
	})
	if err != nil {
		return false, err
	}
	return false, nil
}

// createCatalogRecord upserts the comic into the catalog and evaluates it
// against the existing records. When the evaluation auto-merges, the job is
// repointed at the surviving record.
func (h *Comic) createCatalogRecord(ctx context.Context, ex crawl.ContentExtractor, job crawl.Job) (int64, error) {
	info, err := ex.DetectInfo(ctx, job.TargetURL)
	if err != nil {
		return 0, fmt.Errorf("detect comic info: %w", err)
	}
	comic, err := h.deps.Catalog.UpsertComic(ctx, crawl.Comic{
		Name:       info.Name,
		OriginName: info.OriginName,
		Author:     info.Author,
		AltNames:   info.AltNames,
		SourceURL:  job.TargetURL,
		CoverURL:   info.CoverURL,
	})
	if err != nil {
		return 0, fmt.Errorf("upsert comic: %w", err)
	}

	if h.deps.Detector == nil {
		return comic.ID, nil
	}
	decision, err := h.deps.Detector.EvaluateComic(ctx, comic)
	if err != nil {
		h.deps.Logger.Warn("duplicate evaluation failed",
			zap.String("job_id", job.ID),
			zap.Int64("content_id", comic.ID),
			zap.Error(err),
		)
		return comic.ID, nil
	}
	metrics.ObserveDuplicate(string(decision.Outcome))
	if decision.Outcome != dupe.OutcomeAccepted {
		h.emit(ctx, job.ID, crawl.EventDuplicate, map[string]any{
			"outcome":  string(decision.Outcome),
			"score":    decision.Score,
			"other_id": decision.OtherID,
		})
	}
	if decision.Outcome == dupe.OutcomeMerged {
		// The pre-existing record won; chapters discovered below land there.
		return decision.OtherID, nil
	}
	return comic.ID, nil
}
