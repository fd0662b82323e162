// Package processor drives the crawl: it claims ready queue entries,
// materializes child jobs from them, dispatches jobs to their level handler
// and classifies the outcome into completion, rescheduling or failure.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
	"github.com/phuongnt-git/truyengg-sub001/internal/handler"
	"github.com/phuongnt-git/truyengg-sub001/internal/metrics"
)

// Config tunes the dispatch loop.
type Config struct {
	// ClaimBatch is how many entries one drain iteration claims at once.
	ClaimBatch int
	// SystemCeiling caps RUNNING jobs across all operators; 0 disables.
	SystemCeiling int
	// OperatorCeiling caps RUNNING jobs per operator; 0 disables.
	OperatorCeiling int
	// DrainInterval is the pause between drain sweeps in Run.
	DrainInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 10
	}
	if c.SystemCeiling <= 0 {
		c.SystemCeiling = 25
	}
	if c.OperatorCeiling <= 0 {
		c.OperatorCeiling = 5
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 5 * time.Minute
	}
	return c
}

// Processor owns the claim/dispatch loop.
type Processor struct {
	cfg      Config
	deps     handler.Deps
	handlers *handler.Registry
	prop     *handler.Propagator
	retry    *RetryPolicy
	sem      *semaphore.Weighted
	log      *zap.Logger
}

// New builds a processor over the shared handler dependencies.
func New(cfg Config, deps handler.Deps, retry *RetryPolicy) *Processor {
	cfg = cfg.withDefaults()
	if retry == nil {
		retry = NewRetryPolicy(0, 0)
	}
	metrics.Init()
	return &Processor{
		cfg:      cfg,
		deps:     deps,
		handlers: handler.NewRegistry(deps),
		prop:     handler.NewPropagator(deps),
		retry:    retry,
		sem:      semaphore.NewWeighted(int64(cfg.SystemCeiling)),
		log:      deps.Logger,
	}
}

// Run drains the queue on a fixed interval until the context ends.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		if err := p.Drain(ctx); err != nil {
			p.log.Error("queue drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain picks up pending root jobs, then claims and dispatches queue entries
// until the queue has nothing ready or every claim bounced off a ceiling.
func (p *Processor) Drain(ctx context.Context) error {
	if err := p.dispatchPendingRoots(ctx); err != nil {
		p.log.Warn("pending root pickup failed", zap.Error(err))
	}

	for {
		limit, err := p.claimLimit(ctx)
		if err != nil {
			return err
		}
		if limit <= 0 {
			return nil
		}
		entries, err := p.deps.Queue.Claim(ctx, limit)
		if err != nil {
			return fmt.Errorf("claim entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		metrics.ObserveClaims(len(entries))

		var processed atomic.Int64
		g := new(errgroup.Group)
		for _, entry := range entries {
			entry := entry
			if err := p.sem.Acquire(ctx, 1); err != nil {
				p.releaseClaimed(entry)
				continue
			}
			g.Go(func() error {
				defer p.sem.Release(1)
				ok, err := p.processEntry(ctx, entry)
				if ok {
					processed.Add(1)
				}
				if err != nil {
					p.log.Error("process entry failed",
						zap.String("entry_id", entry.ID),
						zap.String("job_id", entry.JobID),
						zap.Error(err),
					)
				}
				return nil
			})
		}
		_ = g.Wait()
		// Every entry bounced (paused owners, ceilings); stop instead of
		// reclaiming the same rows forever.
		if processed.Load() == 0 {
			return nil
		}
	}
}

// DispatchJob runs one job directly, outside the queue. The API uses it for
// newly created roots, resumes and retries.
func (p *Processor) DispatchJob(ctx context.Context, jobID string) error {
	job, err := p.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return p.runJob(ctx, job, nil)
}

func (p *Processor) dispatchPendingRoots(ctx context.Context) error {
	roots, err := p.deps.Jobs.ListPendingRoots(ctx, p.cfg.ClaimBatch)
	if err != nil {
		return err
	}
	for _, root := range roots {
		if err := p.runJob(ctx, root, nil); err != nil {
			p.log.Error("dispatch pending root failed",
				zap.String("job_id", root.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// claimLimit shrinks the claim batch to the system-wide headroom.
func (p *Processor) claimLimit(ctx context.Context) (int, error) {
	limit := p.cfg.ClaimBatch
	if p.cfg.SystemCeiling <= 0 {
		return limit, nil
	}
	active, err := p.deps.Jobs.CountActive(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	if headroom := p.cfg.SystemCeiling - active; headroom < limit {
		limit = headroom
	}
	return limit, nil
}

// releaseClaimed puts an entry back without recording an attempt, using a
// fresh context so shutdown does not strand PROCESSING rows.
func (p *Processor) releaseClaimed(entry crawl.QueueEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.deps.Queue.Release(ctx, entry.ID); err != nil {
		p.log.Warn("release claimed entry failed",
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
	}
}

// processEntry dispatches one claimed entry. The bool result reports whether
// real work happened; entries bounced back to PENDING return false so Drain
// can tell progress from spinning.
func (p *Processor) processEntry(ctx context.Context, entry crawl.QueueEntry) (bool, error) {
	owner, err := p.deps.Jobs.Get(ctx, entry.JobID)
	if errors.Is(err, crawl.ErrNotFound) {
		return true, p.deps.Queue.Fail(ctx, entry.ID, "owning job missing")
	}
	if err != nil {
		return false, err
	}

	if owner.Status == crawl.JobCancelled || owner.DeletedAt != nil {
		if err := p.deps.Queue.Release(ctx, entry.ID); err != nil {
			return false, err
		}
		_, err := p.deps.Queue.SkipPendingForJob(ctx, owner.ID)
		return true, err
	}
	if owner.Status == crawl.JobPaused {
		return false, p.deps.Queue.Release(ctx, entry.ID)
	}

	if p.cfg.OperatorCeiling > 0 && owner.Operator != "" {
		active, err := p.deps.Jobs.CountActive(ctx, owner.Operator)
		if err != nil {
			return false, err
		}
		if active >= p.cfg.OperatorCeiling {
			p.log.Debug("operator ceiling reached, entry released",
				zap.String("operator", owner.Operator),
				zap.String("entry_id", entry.ID),
			)
			return false, p.deps.Queue.Release(ctx, entry.ID)
		}
	}

	job, err := p.materializeJob(ctx, owner, entry)
	if err != nil {
		p.log.Error("materialize job failed",
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
		return false, p.deps.Queue.Release(ctx, entry.ID)
	}
	return true, p.runJob(ctx, job, &entry)
}

// materializeJob turns a queue entry into a persisted job, or reloads the job
// a previous attempt already spawned so retries never create siblings.
func (p *Processor) materializeJob(ctx context.Context, owner crawl.Job, entry crawl.QueueEntry) (crawl.Job, error) {
	if entry.SpawnedJob != "" {
		job, err := p.deps.Jobs.Get(ctx, entry.SpawnedJob)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, crawl.ErrNotFound) {
			return crawl.Job{}, err
		}
	}

	id, err := p.deps.IDs.NewID()
	if err != nil {
		return crawl.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	rootID := owner.RootID
	if rootID == "" {
		rootID = owner.ID
	}
	// COMIC jobs resolve their own catalog record; deeper levels inherit the
	// one their comic established.
	contentID := owner.ContentID
	if entry.Level == crawl.LevelComic {
		contentID = -1
	}
	job := crawl.Job{
		ID:        id,
		Level:     entry.Level,
		ParentID:  owner.ID,
		RootID:    rootID,
		Depth:     owner.Depth + 1,
		TargetURL: entry.TargetURL,
		Name:      entry.Name,
		Position:  entry.Position,
		ContentID: contentID,
		Status:    crawl.JobPending,
		Mode:      owner.Mode,
		Operator:  owner.Operator,
	}
	settings, mode := p.childSettings(ctx, owner, entry, id)
	job.Mode = mode

	if err := p.deps.Jobs.Create(ctx, job); err != nil {
		return crawl.Job{}, fmt.Errorf("create child job: %w", err)
	}
	if err := p.deps.Settings.SaveSettings(ctx, settings); err != nil {
		return crawl.Job{}, fmt.Errorf("save child settings: %w", err)
	}
	if err := p.deps.Queue.SetSpawnedJob(ctx, entry.ID, id); err != nil {
		return crawl.Job{}, fmt.Errorf("link spawned job: %w", err)
	}
	return p.deps.Jobs.Get(ctx, id)
}

// childSettings derives a child's settings from its owner: shared knobs are
// inherited, selection knobs (range, skips) are not, and CATEGORY owners may
// override one child by position.
func (p *Processor) childSettings(ctx context.Context, owner crawl.Job, entry crawl.QueueEntry, childID string) (crawl.Settings, crawl.DownloadMode) {
	ownerSettings, err := p.deps.Settings.GetSettings(ctx, owner.ID)
	if err != nil {
		ownerSettings = crawl.DefaultSettings(owner.ID)
	}

	child := crawl.DefaultSettings(childID)
	if ownerSettings.Parallelism > 0 {
		child.Parallelism = ownerSettings.Parallelism
	}
	if ownerSettings.TimeoutSeconds > 0 {
		child.TimeoutSeconds = ownerSettings.TimeoutSeconds
	}
	child.ImageQuality = ownerSettings.ImageQuality
	if len(ownerSettings.Headers) > 0 {
		child.Headers = make(map[string]string, len(ownerSettings.Headers))
		for k, v := range ownerSettings.Headers {
			child.Headers[k] = v
		}
	}

	mode := owner.Mode
	if owner.Level == crawl.LevelCategory {
		if ov, ok := ownerSettings.ChildOverrides[entry.Position]; ok {
			if ov.Mode != "" {
				mode = ov.Mode
			}
			if ov.ImageQuality != "" {
				child.ImageQuality = ov.ImageQuality
			}
			if ov.RangeStart > 0 {
				child.RangeStart = ov.RangeStart
			}
			if ov.RangeEnd > 0 {
				child.RangeEnd = ov.RangeEnd
			}
		}
	}
	return child, mode
}

// runJob moves the job to RUNNING, invokes its handler and classifies the
// outcome. entry is nil for direct dispatches.
func (p *Processor) runJob(ctx context.Context, job crawl.Job, entry *crawl.QueueEntry) error {
	switch job.Status {
	case crawl.JobPending, crawl.JobFailed, crawl.JobPaused:
		if err := p.deps.Jobs.UpdateStatus(ctx, job.ID, crawl.JobRunning, ""); err != nil {
			return fmt.Errorf("start job %s: %w", job.ID, err)
		}
	case crawl.JobRunning:
	default:
		// Terminal; nothing left to run.
		if entry != nil {
			return p.deps.Queue.Complete(ctx, entry.ID)
		}
		return nil
	}
	job, err := p.deps.Jobs.Get(ctx, job.ID)
	if err != nil {
		return err
	}

	settings, err := p.deps.Settings.GetSettings(ctx, job.ID)
	if err != nil {
		settings = crawl.DefaultSettings(job.ID)
	}
	h, err := p.handlers.Resolve(job.Level)
	if err != nil {
		return p.failJob(ctx, job, entry, err)
	}

	metrics.IncActiveDispatches()
	done, err := h.Handle(ctx, job, settings)
	metrics.DecActiveDispatches()

	if cu, ok := crawl.AsControl(err); ok {
		return p.unwindControl(ctx, job, entry, cu)
	}
	if err != nil {
		if entry != nil && crawl.IsTransient(err) && entry.RetryCount < entry.MaxRetries {
			return p.delayEntry(ctx, job, *entry, err)
		}
		return p.failJob(ctx, job, entry, err)
	}
	if done {
		return p.completeJob(ctx, job, entry)
	}
	// Container: the discovery work of this entry is done and the job normally
	// completes later through propagation. The explicit finalize check covers
	// children that all reached terminal states while the job was paused.
	if entry != nil {
		if err := p.deps.Queue.Complete(ctx, entry.ID); err != nil {
			return err
		}
	}
	return p.prop.FinalizeIfDone(ctx, job.ID)
}

func (p *Processor) unwindControl(ctx context.Context, job crawl.Job, entry *crawl.QueueEntry, cu *crawl.ControlUnwind) error {
	if cu.Kind == crawl.ControlPause {
		if err := p.deps.Checkpoints.MarkPaused(ctx, job.ID, p.deps.Clock.Now()); err != nil {
			p.log.Warn("mark paused failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		if err := p.deps.Jobs.UpdateStatus(ctx, job.ID, crawl.JobPaused, ""); err != nil {
			// The API already moved the job; the checkpoint write above is
			// what matters.
			p.log.Debug("pause transition lost", zap.String("job_id", job.ID), zap.Error(err))
		}
		p.emitStatus(ctx, job.ID, crawl.JobPaused)
		p.log.Info("job paused",
			zap.String("job_id", job.ID),
			zap.Int("last_index", cu.LastIndex),
		)
		if entry != nil {
			return p.deps.Queue.Complete(ctx, entry.ID)
		}
		return nil
	}

	if err := p.deps.Jobs.UpdateStatus(ctx, job.ID, crawl.JobCancelled, ""); err != nil {
		p.log.Debug("cancel transition lost", zap.String("job_id", job.ID), zap.Error(err))
	}
	skipped, err := p.deps.Queue.SkipPendingForJob(ctx, job.ID)
	if err != nil {
		p.log.Warn("skip pending entries failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	p.emitStatus(ctx, job.ID, crawl.JobCancelled)
	metrics.ObserveJob(string(job.Level), string(crawl.JobCancelled))
	p.log.Info("job cancelled",
		zap.String("job_id", job.ID),
		zap.Int("entries_skipped", skipped),
	)
	if entry != nil {
		if err := p.deps.Queue.Complete(ctx, entry.ID); err != nil {
			return err
		}
	}
	job.Status = crawl.JobCancelled
	return p.prop.OnChildTerminal(ctx, job, crawl.JobCancelled)
}

// delayEntry reschedules a transient failure with exponential backoff. The
// job parks in FAILED until the entry is reclaimed.
func (p *Processor) delayEntry(ctx context.Context, job crawl.Job, entry crawl.QueueEntry, cause error) error {
	if err := p.deps.Jobs.UpdateStatus(ctx, job.ID, crawl.JobFailed, cause.Error()); err != nil {
		p.log.Warn("record transient failure failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := p.deps.Jobs.IncrementRetry(ctx, job.ID); err != nil {
		p.log.Warn("increment retry failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	wait := p.retry.Backoff(entry.RetryCount)
	metrics.ObserveRetry()
	p.log.Info("entry delayed for retry",
		zap.String("entry_id", entry.ID),
		zap.String("job_id", job.ID),
		zap.Int("retry_count", entry.RetryCount+1),
		zap.Duration("wait", wait),
		zap.Error(cause),
	)
	return p.deps.Queue.Delay(ctx, entry.ID, cause.Error(), p.deps.Clock.Now().Add(wait))
}

func (p *Processor) failJob(ctx context.Context, job crawl.Job, entry *crawl.QueueEntry, cause error) error {
	if err := p.deps.Jobs.UpdateStatus(ctx, job.ID, crawl.JobFailed, cause.Error()); err != nil {
		return err
	}
	p.emitStatus(ctx, job.ID, crawl.JobFailed)
	metrics.ObserveJob(string(job.Level), string(crawl.JobFailed))
	p.log.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("level", string(job.Level)),
		zap.Error(cause),
	)
	if entry != nil {
		if err := p.deps.Queue.Fail(ctx, entry.ID, cause.Error()); err != nil {
			return err
		}
	}
	job.Status = crawl.JobFailed
	job.ErrorText = cause.Error()
	return p.prop.OnChildTerminal(ctx, job, crawl.JobFailed)
}

func (p *Processor) completeJob(ctx context.Context, job crawl.Job, entry *crawl.QueueEntry) error {
	if err := p.deps.Jobs.UpdateStatus(ctx, job.ID, crawl.JobCompleted, ""); err != nil {
		return err
	}
	p.emitStatus(ctx, job.ID, crawl.JobCompleted)
	metrics.ObserveJob(string(job.Level), string(crawl.JobCompleted))
	if job.Level == crawl.LevelImage {
		if cp, err := p.deps.Checkpoints.Get(ctx, job.ID); err == nil && cp.State.ImageResult != nil {
			metrics.ObserveImage(cp.State.ImageResult.Bytes)
		}
	}
	if entry != nil {
		if err := p.deps.Queue.Complete(ctx, entry.ID); err != nil {
			return err
		}
	}
	job.Status = crawl.JobCompleted
	return p.prop.OnChildTerminal(ctx, job, crawl.JobCompleted)
}

func (p *Processor) emitStatus(ctx context.Context, jobID string, status crawl.JobStatus) {
	if p.deps.Events == nil {
		return
	}
	if err := p.deps.Events.Publish(ctx, jobID, crawl.EventJobStatus, map[string]any{
		"status": string(status),
	}); err != nil {
		p.log.Warn("publish status event failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}
