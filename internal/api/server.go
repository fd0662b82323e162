// Package api exposes the HTTP interface for the crawl service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
	"github.com/phuongnt-git/truyengg-sub001/internal/dupe"
	"github.com/phuongnt-git/truyengg-sub001/internal/metrics"
)

// Dispatcher is the slice of the queue processor the API needs.
type Dispatcher interface {
	DispatchJob(ctx context.Context, jobID string) error
	Drain(ctx context.Context) error
}

// ControlSignal is the process-local cache the API pokes on status changes.
type ControlSignal interface {
	RequestPause(jobID string)
	RequestCancel(jobID string)
	Invalidate(jobID string)
}

// Deps bundles the server's collaborators.
type Deps struct {
	Jobs        crawl.JobStore
	Settings    crawl.SettingsStore
	Queue       crawl.QueueStore
	Checkpoints crawl.CheckpointStore
	Progress    crawl.ProgressStore
	Detector    *dupe.Detector
	Signal      ControlSignal
	Dispatcher  Dispatcher
	IDs         crawl.IDGenerator
	Clock       crawl.Clock
	Logger      *zap.Logger
}

// Server wires HTTP handlers to the processor and stores.
type Server struct {
	router chi.Router
	deps   Deps
	log    *zap.Logger

	// dispatch runs a job asynchronously; tests replace it to run inline.
	dispatch func(jobID string)
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	metrics.Init()
	s := &Server{deps: deps, log: deps.Logger}
	s.dispatch = func(jobID string) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if err := deps.Dispatcher.DispatchJob(ctx, jobID); err != nil {
				s.log.Error("dispatch failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}()
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/duplicates/check", s.checkDuplicate)
		r.Post("/drain", s.drain)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.deleteJob)
				r.Get("/children", s.listChildren)
				r.Get("/progress", s.getProgress)
				r.Post("/start", s.startJob)
				r.Post("/pause", s.pauseJob)
				r.Post("/resume", s.resumeJob)
				r.Post("/cancel", s.cancelJob)
				r.Post("/retry", s.retryJob)
				r.Post("/retry-failed", s.retryFailedItems)
				r.Post("/restore", s.restoreJob)
				r.Patch("/settings", s.updateSettings)
			})
		})
	})
	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) drain(w http.ResponseWriter, _ *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := s.deps.Dispatcher.Drain(ctx); err != nil {
			s.log.Error("manual drain failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
}

type createJobRequest struct {
	URL      string          `json:"url"`
	Level    string          `json:"level"`
	Mode     string          `json:"mode"`
	Operator string          `json:"operator"`
	Force    bool            `json:"force"`
	Settings *crawl.Settings `json:"settings"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	level, mode, err := validateCreate(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	check, err := s.deps.Detector.CheckURL(r.Context(), req.URL, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "duplicate check failed")
		return
	}
	if check.HasDuplicate() && !req.Force {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     "duplicate detected",
			"duplicate": check,
		})
		return
	}

	id, err := s.deps.IDs.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate job id failed")
		return
	}
	job := crawl.Job{
		ID:        id,
		Level:     level,
		RootID:    id,
		TargetURL: req.URL,
		ContentID: -1,
		Status:    crawl.JobPending,
		Mode:      mode,
		Operator:  req.Operator,
	}
	// UPDATE crawls need the previous child count to know where new items
	// begin; a fresh job inherits it from the duplicate it extends.
	if mode == crawl.ModeUpdate && check.ExistingChildren > 0 {
		job.TotalItems = check.ExistingChildren
	}
	if err := s.deps.Jobs.Create(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, "create job failed")
		return
	}
	settings := crawl.DefaultSettings(id)
	if req.Settings != nil {
		settings = *req.Settings
		settings.JobID = id
		if settings.RangeStart == 0 {
			settings.RangeStart = -1
		}
		if settings.RangeEnd == 0 {
			settings.RangeEnd = -1
		}
	}
	if err := s.deps.Settings.SaveSettings(r.Context(), settings); err != nil {
		writeError(w, http.StatusInternalServerError, "save settings failed")
		return
	}

	s.dispatch(id)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":    id,
		"duplicate": check,
	})
}

func validateCreate(req createJobRequest) (crawl.Level, crawl.DownloadMode, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", errors.New("url must be a valid http(s) URL")
	}
	level := crawl.Level(strings.ToUpper(req.Level))
	switch level {
	case crawl.LevelCategory, crawl.LevelComic, crawl.LevelChapter:
	default:
		return "", "", fmt.Errorf("level must be CATEGORY, COMIC or CHAPTER")
	}
	mode := crawl.ModeFull
	if req.Mode != "" {
		mode = crawl.DownloadMode(strings.ToUpper(req.Mode))
		switch mode {
		case crawl.ModeFull, crawl.ModeUpdate, crawl.ModePartial, crawl.ModeNone:
		default:
			return "", "", fmt.Errorf("mode must be FULL, UPDATE, PARTIAL or NONE")
		}
	}
	return level, mode, nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	settings, err := s.deps.Settings.GetSettings(r.Context(), job.ID)
	if err != nil {
		settings = crawl.DefaultSettings(job.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "settings": settings})
}

func (s *Server) listChildren(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	children, err := s.deps.Jobs.ListChildren(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list children failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": children})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	progress, err := s.deps.Progress.Get(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no progress recorded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": progress})
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != crawl.JobPending {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, not PENDING", job.Status))
		return
	}
	s.dispatch(job.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "starting"})
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != crawl.JobRunning {
		writeError(w, http.StatusConflict, fmt.Sprintf("cannot pause a %s job", job.Status))
		return
	}
	// The store transition is authoritative; the signal makes the in-flight
	// handler observe it between items.
	if err := s.deps.Jobs.UpdateStatus(r.Context(), job.ID, crawl.JobPaused, ""); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.deps.Checkpoints.MarkPaused(r.Context(), job.ID, s.deps.Clock.Now()); err != nil {
		s.log.Warn("mark paused failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	s.deps.Signal.RequestPause(job.ID)
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": string(crawl.JobPaused)})
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != crawl.JobPaused {
		writeError(w, http.StatusConflict, fmt.Sprintf("cannot resume a %s job", job.Status))
		return
	}
	if err := s.deps.Jobs.UpdateStatus(r.Context(), job.ID, crawl.JobRunning, ""); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.deps.Checkpoints.MarkResumed(r.Context(), job.ID, s.deps.Clock.Now()); err != nil {
		s.log.Warn("mark resumed failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	s.deps.Signal.Invalidate(job.ID)
	s.dispatch(job.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": string(crawl.JobRunning)})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if err := s.deps.Jobs.UpdateStatus(r.Context(), job.ID, crawl.JobCancelled, ""); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.deps.Signal.RequestCancel(job.ID)
	skipped, err := s.deps.Queue.SkipPendingForJob(r.Context(), job.ID)
	if err != nil {
		s.log.Warn("skip pending entries failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":          job.ID,
		"status":          string(crawl.JobCancelled),
		"entries_skipped": skipped,
	})
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != crawl.JobFailed {
		writeError(w, http.StatusConflict, fmt.Sprintf("cannot retry a %s job", job.Status))
		return
	}
	s.deps.Signal.Invalidate(job.ID)
	s.dispatch(job.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "retrying"})
}

// retryFailedItems re-dispatches the children recorded in the job's failed
// set and clears it. The parent's failed counter gives the slots back so a
// successful retry finalizes cleanly.
func (s *Server) retryFailedItems(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	cp, err := s.deps.Checkpoints.Get(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no checkpoint recorded")
		return
	}
	if len(cp.FailedIndices) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "retried": 0})
		return
	}
	failed := make(map[int]bool, len(cp.FailedIndices))
	for _, idx := range cp.FailedIndices {
		failed[idx] = true
	}

	children, err := s.deps.Jobs.ListChildren(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list children failed")
		return
	}
	var retried []string
	for _, child := range children {
		if !failed[child.Position] || child.Status != crawl.JobFailed {
			continue
		}
		s.deps.Signal.Invalidate(child.ID)
		retried = append(retried, child.ID)
	}
	if err := s.deps.Jobs.IncrementCounters(r.Context(), job.ID, 0, -len(retried), 0); err != nil {
		s.log.Warn("rewind failed counter failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := s.deps.Checkpoints.ClearFailedIndices(r.Context(), job.ID); err != nil {
		s.log.Warn("clear failed indices failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	for _, id := range retried {
		s.dispatch(id)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "retried": len(retried)})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status == crawl.JobRunning {
		writeError(w, http.StatusConflict, "cancel the job before deleting it")
		return
	}
	if err := s.deps.Jobs.SoftDelete(r.Context(), job.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": "deleted"})
}

func (s *Server) restoreJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.deps.Jobs.Restore(r.Context(), jobID); err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "restored"})
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status == crawl.JobRunning {
		writeError(w, http.StatusConflict, "pause the job before changing settings")
		return
	}
	var settings crawl.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	settings.JobID = job.ID
	if err := s.deps.Settings.SaveSettings(r.Context(), settings); err != nil {
		writeError(w, http.StatusInternalServerError, "save settings failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "settings": settings})
}

type duplicateCheckRequest struct {
	URL         string   `json:"url"`
	URLs        []string `json:"urls"`
	ContentHash string   `json:"content_hash"`
}

// checkDuplicate accepts either a single url or a urls batch. The batch form
// skips content-hash matching since hashes are per page.
func (s *Server) checkDuplicate(w http.ResponseWriter, r *http.Request) {
	var req duplicateCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.URL == "" && len(req.URLs) == 0) {
		writeError(w, http.StatusBadRequest, "url or urls required")
		return
	}
	if len(req.URLs) > 0 {
		results, err := s.deps.Detector.CheckURLs(r.Context(), req.URLs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "duplicate check failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}
	result, err := s.deps.Detector.CheckURL(r.Context(), req.URL, req.ContentHash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "duplicate check failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// loadJob resolves the job_id path parameter, writing a 404 on miss.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (crawl.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
		} else {
			writeError(w, http.StatusInternalServerError, "load job failed")
		}
		return crawl.Job{}, false
	}
	return job, true
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
