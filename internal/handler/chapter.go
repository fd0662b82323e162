package handler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
	"github.com/phuongnt-git/truyengg-sub001/internal/extractor"
)

// Chapter resolves a chapter's image URL list and enqueues one IMAGE entry
// per selected image. The URL list is snapshotted into the checkpoint so a
// resume does not re-scrape the chapter page.
type Chapter struct {
	base
}

// NewChapter constructs the CHAPTER handler.
func NewChapter(deps Deps) *Chapter {
	return &Chapter{base{deps: deps}}
}

// Handle runs image discovery for one chapter.
func (h *Chapter) Handle(ctx context.Context, job crawl.Job, settings crawl.Settings) (bool, error) {
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

	urls := cp.State.ImageURLs
	if cp.State.Kind != crawl.SnapshotImageURLs || len(urls) == 0 {
		urls, err = ex.ListImageURLs(ctx, crawl.LeafParams{
			ChapterURL: job.TargetURL,
			Referer:    domain,
			Headers:    settings.Headers,
		})
		if err != nil {
			return false, fmt.Errorf("list chapter images: %w", err)
		}
		err = h.deps.Checkpoints.SetState(ctx, job.ID, crawl.StateSnapshot{
			Kind:      crawl.SnapshotImageURLs,
			ImageURLs: urls,
		})
		if err != nil {
			return false, err
		}
	}

	name := job.Name
	if name == "" {
		if info, infoErr := ex.DetectChapterInfo(ctx, job.TargetURL, urls); infoErr == nil {
			name = info.Name
		}
	}

	prevTotal, err := h.resolveBaseline(ctx, job, cp)
	if err != nil {
		return false, err
	}
	indices := crawl.ResolveIndices(len(urls), prevTotal, job.Mode, settings)
	if err := h.deps.Jobs.SetTotal(ctx, job.ID, len(indices)); err != nil {
		return false, err
	}
	if err := h.deps.Progress.Init(ctx, job.ID, len(indices)); err != nil {
		return false, err
	}
	if err := h.deps.Progress.SetTotal(ctx, job.ID, len(indices)); err != nil {
		return false, err
	}
	h.deps.Logger.Info("chapter discovered",
		zap.String("job_id", job.ID),
		zap.String("chapter", name),
		zap.Int("images", len(urls)),
		zap.Int("selected", len(indices)),
	)
	if len(indices) == 0 {
		return true, nil
	}

	err = h.enqueueSelected(ctx, job, cp, crawl.LevelImage, indices, func(idx int) crawl.ChildRef {
		return crawl.ChildRef{
			URL:      urls[idx],
			Name:     fmt.Sprintf("%s #%d", name, idx+1),
			Position: idx,
		}
	})
	if err != nil {
		return false, err
	}
	return false, nil
}
