package handler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// Propagator carries terminal child outcomes up the job tree. Containers
// (CATEGORY, COMIC, CHAPTER) stay RUNNING while children are outstanding and
// are finalized here once the last child lands.
type Propagator struct {
	deps Deps
}

// NewPropagator constructs a Propagator.
func NewPropagator(deps Deps) *Propagator {
	return &Propagator{deps: deps}
}

// OnChildTerminal records one terminal child on its parent: counters and
// progress advance, failures land in the parent checkpoint (and, for image
// failures, in the grandparent's nested map), and the parent is finalized
// when all selected children are accounted for. Finalization recurses.
func (p *Propagator) OnChildTerminal(ctx context.Context, child crawl.Job, outcome crawl.JobStatus) error {
	if child.ParentID == "" {
		return nil
	}
	parent, err := p.deps.Jobs.Get(ctx, child.ParentID)
	if err != nil {
		return fmt.Errorf("load parent job: %w", err)
	}

	var completed, failed, skipped int
	var message string
	switch outcome {
	case crawl.JobCompleted:
		completed = 1
		message = fmt.Sprintf("%s completed", childLabel(child))
	case crawl.JobFailed:
		failed = 1
		message = fmt.Sprintf("%s failed: %s", childLabel(child), child.ErrorText)
	case crawl.JobCancelled:
		skipped = 1
		message = fmt.Sprintf("%s cancelled", childLabel(child))
	default:
		return fmt.Errorf("propagate non-terminal outcome %s for job %s", outcome, child.ID)
	}

	if err := p.deps.Jobs.IncrementCounters(ctx, parent.ID, completed, failed, skipped); err != nil {
		return err
	}
	err = p.deps.Progress.Advance(ctx, parent.ID, crawl.ProgressUpdate{
		CompletedDelta: completed,
		FailedDelta:    failed,
		SkippedDelta:   skipped,
		CurrentItem:    child.Name,
		CurrentURL:     child.TargetURL,
		Message:        message,
	})
	if err != nil {
		p.deps.Logger.Warn("advance parent progress failed",
			zap.String("parent_id", parent.ID),
			zap.Error(err),
		)
	}

	if outcome == crawl.JobFailed {
		if err := p.deps.Checkpoints.AddFailedIndex(ctx, parent.ID, child.Position); err != nil {
			return err
		}
		// A failed image is also recorded on the comic so a comic-level
		// retry-failed can target chapter/image pairs.
		if child.Level == crawl.LevelImage && parent.ParentID != "" {
			if err := p.deps.Checkpoints.AddNestedFailure(ctx, parent.ParentID, parent.Position, child.Position); err != nil {
				return err
			}
		}
	}

	return p.FinalizeIfDone(ctx, parent.ID)
}

// FinalizeIfDone re-reads the parent and completes it when every selected
// child is terminal. A parent with at least one completed child completes
// even when siblings failed; the failures stay in its checkpoint for
// retry-failed-items. A parent whose children all failed fails.
// Besides the propagation path, the processor runs this after every container
// dispatch: a job resumed after its last child drained during the pause has
// no child event left to finalize it.
func (p *Propagator) FinalizeIfDone(ctx context.Context, parentID string) error {
	parent, err := p.deps.Jobs.Get(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status != crawl.JobRunning || parent.TotalItems <= 0 {
		return nil
	}
	done := parent.Completed + parent.Failed + parent.Skipped
	if done < parent.TotalItems {
		return nil
	}

	final := crawl.JobCompleted
	errText := ""
	if parent.Completed == 0 && parent.Failed > 0 {
		final = crawl.JobFailed
		errText = fmt.Sprintf("all %d items failed", parent.Failed)
	}
	if err := p.deps.Jobs.UpdateStatus(ctx, parent.ID, final, errText); err != nil {
		// A concurrent pause/cancel won the transition; leave it be.
		p.deps.Logger.Debug("parent finalization lost transition",
			zap.String("job_id", parent.ID),
			zap.Error(err),
		)
		return nil
	}
	if p.deps.Events != nil {
		if err := p.deps.Events.Publish(ctx, parent.ID, crawl.EventJobStatus, map[string]any{
			"status": string(final),
		}); err != nil {
			p.deps.Logger.Warn("publish status event failed",
				zap.String("job_id", parent.ID),
				zap.Error(err),
			)
		}
	}
	p.deps.Logger.Info("container job finalized",
		zap.String("job_id", parent.ID),
		zap.String("level", string(parent.Level)),
		zap.String("status", string(final)),
		zap.Int("completed", parent.Completed),
		zap.Int("failed", parent.Failed),
		zap.Int("skipped", parent.Skipped),
	)

	parent.Status = final
	return p.OnChildTerminal(ctx, parent, final)
}

func childLabel(child crawl.Job) string {
	if child.Name != "" {
		return child.Name
	}
	return fmt.Sprintf("%s %s", child.Level, child.ID)
}
