package handler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
	"github.com/phuongnt-git/truyengg-sub001/internal/extractor"
)

// Category discovers the comics on a listing page and enqueues one COMIC
// entry per selected child.
type Category struct {
	base
}

// NewCategory constructs the CATEGORY handler.
func NewCategory(deps Deps) *Category {
	return &Category{base{deps: deps}}
}

// Handle lists the category's comics, applies the download mode, and
// enqueues the selection. The job stays RUNNING until every enqueued comic
// reaches a terminal state; completion arrives through propagation.
func (h *Category) Handle(ctx context.Context, job crawl.Job, settings crawl.Settings) (bool, error) {
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
	children, err := ex.ListChildren(ctx, job.TargetURL, extractor.Domain(job.TargetURL))
	if err != nil {
		return false, fmt.Errorf("list category children: %w", err)
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
	h.deps.Logger.Info("category discovered",
		zap.String("job_id", job.ID),
		zap.Int("found", len(children)),
		zap.Int("selected", len(indices)),
	)
	if len(indices) == 0 {
		return true, nil
	}

	err = h.enqueueSelected(ctx, job, cp, crawl.LevelComic, indices, func(idx int) crawl.ChildRef {
		return children[idx]
	})
	if err != nil {
		return false, err
	}
	return false, nil
}
