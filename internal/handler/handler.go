// Package handler implements the per-level crawl logic: CATEGORY and COMIC
// discovery, CHAPTER image listing and IMAGE download. Handlers are invoked
// by the queue processor with a claimed job and its effective settings.
package handler

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
	"github.com/phuongnt-git/truyengg-sub001/internal/dupe"
	"github.com/phuongnt-git/truyengg-sub001/internal/extractor"
)

// defaultMaxRetries is applied to queue entries when the configuration does
// not say otherwise.
const defaultMaxRetries = 3

// Deps bundles the collaborators shared by all handlers.
type Deps struct {
	Jobs        crawl.JobStore
	Settings    crawl.SettingsStore
	Queue       crawl.QueueStore
	Checkpoints crawl.CheckpointStore
	Progress    crawl.ProgressStore
	Catalog     crawl.CatalogStore
	Extractors  *extractor.Registry
	Fetch       crawl.FetchClient
	Blobs       crawl.ObjectStore
	Events      crawl.EventSink
	Signal      crawl.Signal
	Hasher      crawl.Hasher
	IDs         crawl.IDGenerator
	Clock       crawl.Clock
	Detector    *dupe.Detector
	Logger      *zap.Logger
	MaxRetries  int
}

// TypeHandler processes one job of its level. done reports whether the job
// finished all of its own work: leaf jobs return true after the download,
// container jobs return false because their children are still outstanding
// and completion arrives through propagation.
type TypeHandler interface {
	Handle(ctx context.Context, job crawl.Job, settings crawl.Settings) (done bool, err error)
}

// Registry maps hierarchy levels to their handler.
type Registry struct {
	handlers map[crawl.Level]TypeHandler
}

// NewRegistry builds the standard four-level registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{handlers: map[crawl.Level]TypeHandler{
		crawl.LevelCategory: NewCategory(deps),
		crawl.LevelComic:    NewComic(deps),
		crawl.LevelChapter:  NewChapter(deps),
		crawl.LevelImage:    NewImage(deps),
	}}
}

// Resolve returns the handler for a level.
func (r *Registry) Resolve(level crawl.Level) (TypeHandler, error) {
	h, ok := r.handlers[level]
	if !ok {
		return nil, fmt.Errorf("no handler for level %q", level)
	}
	return h, nil
}

// levelPriority orders the queue so deeper work drains before new discovery
// starts: an in-flight chapter's images beat a fresh comic's chapters.
func levelPriority(level crawl.Level) int {
	switch level {
	case crawl.LevelImage:
		return 30
	case crawl.LevelChapter:
		return 20
	case crawl.LevelComic:
		return 10
	default:
		return 0
	}
}

// base carries the shared helpers of the concrete handlers.
type base struct {
	deps Deps
}

func (b base) maxRetries() int {
	if b.deps.MaxRetries > 0 {
		return b.deps.MaxRetries
	}
	return defaultMaxRetries
}

// signalCheck consults the pause/cancel cache between items.
func (b base) signalCheck(ctx context.Context, jobID string) (crawl.ControlKind, bool) {
	if b.deps.Signal == nil {
		return "", false
	}
	return b.deps.Signal.Check(ctx, jobID)
}

// emit publishes a best-effort event; failures are logged and dropped.
func (b base) emit(ctx context.Context, jobID string, kind crawl.EventKind, payload map[string]any) {
	if b.deps.Events == nil {
		return
	}
	if err := b.deps.Events.Publish(ctx, jobID, kind, payload); err != nil {
		b.deps.Logger.Warn("publish event failed",
			zap.String("job_id", jobID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

// enqueueChild creates one PENDING queue entry for a discovered child.
func (b base) enqueueChild(ctx context.Context, owner crawl.Job, level crawl.Level, ref crawl.ChildRef) error {
	id, err := b.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate entry id: %w", err)
	}
	entry := crawl.QueueEntry{
		ID:         id,
		JobID:      owner.ID,
		Level:      level,
		TargetURL:  ref.URL,
		Name:       ref.Name,
		Position:   ref.Position,
		Priority:   levelPriority(level),
		MaxRetries: b.maxRetries(),
	}
	if err := b.deps.Queue.Enqueue(ctx, []crawl.QueueEntry{entry}); err != nil {
		return fmt.Errorf("enqueue child entry: %w", err)
	}
	b.emit(ctx, owner.ID, crawl.EventChildCreated, map[string]any{
		"entry_id": id,
		"level":    string(level),
		"url":      ref.URL,
		"position": ref.Position,
	})
	return nil
}

// enqueueSelected walks the selected child indices, creating one queue entry
// per child with a checkpoint write after each, so a pause or cancel between
// two items resumes exactly where it stopped.
func (b base) enqueueSelected(
	ctx context.Context,
	job crawl.Job,
	cp crawl.Checkpoint,
	level crawl.Level,
	indices []int,
	refAt func(idx int) crawl.ChildRef,
) error {
	last := cp.LastIndex
	for _, idx := range indices {
		if idx <= last {
			continue
		}
		if kind, ok := b.signalCheck(ctx, job.ID); ok {
			return &crawl.ControlUnwind{Kind: kind, LastIndex: last}
		}
		if err := b.enqueueChild(ctx, job, level, refAt(idx)); err != nil {
			return err
		}
		if err := b.deps.Checkpoints.SetLastIndex(ctx, job.ID, idx); err != nil {
			return err
		}
		last = idx
	}
	return nil
}

// resolveBaseline returns the candidate total the download mode resolves
// against. On first discovery the baseline arrives on Job.TotalItems (seeded
// at creation for UPDATE jobs) and is persisted into the checkpoint, because
// SetTotal overwrites Job.TotalItems with the selection size right after:
// a re-run reading it back would resolve against the wrong number.
func (b base) resolveBaseline(ctx context.Context, job crawl.Job, cp crawl.Checkpoint) (int, error) {
	if cp.PrevTotal >= 0 {
		return cp.PrevTotal, nil
	}
	if err := b.deps.Checkpoints.SetPrevTotal(ctx, job.ID, job.TotalItems); err != nil {
		return 0, err
	}
	return job.TotalItems, nil
}

// requestHeaders merges the per-job header overrides into the defaults.
func (b base) requestHeaders(refererDomain string, settings crawl.Settings) http.Header {
	h := b.deps.Fetch.BuildHeaders(refererDomain)
	for k, v := range settings.Headers {
		h.Set(k, v)
	}
	return h
}
