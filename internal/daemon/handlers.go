package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"montage/internal/api"
	"montage/internal/logging"
	"montage/internal/objectstore"
	"montage/internal/services"
	"montage/internal/store"
)

const (
	maxRequestBody = 1 << 20
	logPollTimeout = 25 * time.Second
)

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.daemon.Status(r.Context())
	stats := make(map[string]int, len(status.Worker.JobStats))
	for k, v := range status.Worker.JobStats {
		stats[string(k)] = v
	}
	deps := make([]api.DependencyStatus, 0, len(status.Preflight))
	for _, res := range status.Preflight {
		deps = append(deps, api.DependencyStatus{Name: res.Name, Passed: res.Passed, Detail: res.Detail})
	}
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:      status.Running,
		PID:          s.daemon.pid(),
		DatabasePath: status.DatabasePath,
		LockFilePath: status.LockFilePath,
		Encoder:      status.Encoder,
		Database:     &status.Database,
		Worker: api.WorkerStatus{
			Running:    status.Worker.Running,
			Slots:      status.Worker.Slots,
			ActiveJobs: status.Worker.ActiveJobs,
			Finished:   status.Worker.Finished,
			LastError:  status.Worker.LastError,
			JobStats:   stats,
		},
		Dependencies: deps,
	})
}

func (s *apiServer) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.TemplateListResponse{Templates: api.FromCatalog(s.daemon.deps.Catalog)})
}

func (s *apiServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var since uint64
	if raw := query.Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be a sequence number")
			return
		}
		since = parsed
	}
	limit := 200
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	wait := query.Get("follow") == "true"
	ctx := r.Context()
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, logPollTimeout)
		defer cancel()
	}
	events, next, err := s.daemon.deps.Logs.Fetch(ctx, since, limit, strings.TrimSpace(query.Get("job")), wait)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.writeFailure(w, err)
		return
	}
	if events == nil {
		events = []logging.LogEvent{}
	}
	s.writeJSON(w, http.StatusOK, api.LogStreamResponse{Events: events, Next: next})
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []store.JobStatus
	for _, value := range r.URL.Query()["status"] {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := store.ParseJobStatus(part)
			if !ok {
				s.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(part))
				return
			}
			statuses = append(statuses, status)
		}
	}
	jobs, err := s.daemon.jobs.List(r.Context(), statuses...)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if jobs == nil {
		jobs = []api.Job{}
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: jobs})
}

func (s *apiServer) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.daemon.jobs.Submit(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.JobResponse{Job: *job})
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.daemon.jobs.Describe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobResponse{Job: *job})
}

func (s *apiServer) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req api.RegenerateRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.daemon.jobs.Regenerate(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.JobResponse{Job: *job})
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.daemon.deps.Pool.Cancel(r.Context(), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancel requested"})
}

func (s *apiServer) handleListCleanup(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.daemon.deps.Cleanup.PendingTasks(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CleanupListResponse{Tasks: api.FromCleanupTasks(tasks)})
}

func (s *apiServer) handleRunCleanup(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
		force = parsed
	}
	result, err := s.daemon.deps.Cleanup.ExecuteCleanup(r.Context(), force)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) handleListCache(w http.ResponseWriter, r *http.Request) {
	var (
		assets []*store.CachedAsset
		err    error
	)
	if assetType := strings.TrimSpace(r.URL.Query().Get("type")); assetType != "" {
		assets, err = s.daemon.deps.Store.CachedAssetsByType(r.Context(), assetType)
	} else {
		assets, err = s.daemon.deps.Store.ListCachedAssets(r.Context())
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CacheListResponse{Entries: api.FromCachedAssets(assets)})
}

func (s *apiServer) handleInvalidateCacheType(w http.ResponseWriter, r *http.Request) {
	assetType := strings.TrimSpace(r.URL.Query().Get("type"))
	if assetType == "" {
		s.writeError(w, http.StatusBadRequest, "type query parameter is required")
		return
	}
	removed, err := s.daemon.deps.Cache.InvalidateByType(r.Context(), assetType)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *apiServer) handleInvalidateCacheEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.deps.Cache.Invalidate(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleObject(w http.ResponseWriter, r *http.Request) {
	objects := s.daemon.deps.Objects
	signer := objects.Signer()
	if signer == nil {
		s.writeError(w, http.StatusNotFound, "presigned downloads are disabled")
		return
	}
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")
	query := r.URL.Query()
	if err := signer.Verify(bucket, key, query.Get("expires"), query.Get("sig")); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, objectstore.ErrLinkExpired) {
			status = http.StatusGone
		}
		s.writeError(w, status, err.Error())
		return
	}
	path, _, err := objects.ObjectPath(bucket, key)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeError(w, http.StatusNotFound, "object not found")
			return
		}
		s.writeFailure(w, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeFailure(w, services.Wrap(services.ErrValidation, "api", "decode", "invalid request body", err))
		return false
	}
	return true
}
