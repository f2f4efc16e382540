package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
	"github.com/adverant/nexus/beanscan-worker/internal/registry"
	"github.com/adverant/nexus/beanscan-worker/internal/utils"
)

// SubmitResponse acknowledges an accepted job
type SubmitResponse struct {
	JobID string          `json:"job_id"`
	State models.JobState `json:"state"`
}

// forwardedFields are copied verbatim into the job metadata
var forwardedFields = []string{"farm_id", "field_id"}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Now().Add(s.cfg.UploadTimeout))

	r.Body = http.MaxBytesReader(w, r.Body, s.deps.Intake.MaxFileSize()+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		if !errors.Is(err, http.ErrNotMultipart) {
			s.writeSubmitError(w, err)
			return
		}
		if err := r.ParseForm(); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
			return
		}
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	jobID := models.NewJobID()
	metadata := metadataFromForm(r)

	var inputPath string
	file, header, err := r.FormFile("video")
	switch {
	case err == nil:
		defer file.Close()
		metadata.SourceName = header.Filename
		inputPath, err = s.deps.Intake.SaveUpload(jobID, header.Filename, file)
	case strings.TrimSpace(r.FormValue("video_url")) != "":
		videoURL := strings.TrimSpace(r.FormValue("video_url"))
		metadata.SourceName = videoURL
		inputPath, err = s.deps.Intake.DownloadFile(r.Context(), videoURL, jobID)
	default:
		s.writeError(w, http.StatusBadRequest, "a video file or video_url is required")
		return
	}
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	job, err := s.deps.Registry.Create(jobID, metadata)
	if err != nil {
		s.deps.Intake.Cleanup(inputPath)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.deps.Hub.Open(jobID)

	payload := models.JobPayload{
		JobID:        jobID,
		InputPath:    inputPath,
		CleanupInput: !s.cfg.KeepUploads,
		Metadata:     job.Metadata,
	}
	if err := s.deps.Dispatcher.Dispatch(r.Context(), payload); err != nil {
		s.logger.Error("dispatch failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		s.abandon(jobID, err)
		s.deps.Intake.Cleanup(inputPath)
		s.writeError(w, http.StatusServiceUnavailable, "job could not be scheduled: "+err.Error())
		return
	}

	s.logger.Info("job accepted",
		slog.String("job_id", jobID),
		slog.String("source", metadata.SourceName),
		slog.String("dispatch", s.deps.Dispatcher.Mode()),
	)
	s.writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: jobID, State: job.State})
}

// abandon fails a job no worker will ever pick up and ends its stream
func (s *Server) abandon(jobID string, cause error) {
	now := time.Now()
	_ = s.deps.Registry.Update(jobID, func(job *models.Job) {
		job.State = models.StateFailed
		job.Error = "dispatch failed: " + cause.Error()
		job.ErrorKind = "internal"
		job.FinishedAt = &now
	})
	if ch, ok := s.deps.Hub.Get(jobID); ok {
		if job, err := s.deps.Registry.Get(jobID); err == nil {
			_ = ch.Close(models.TerminalEvent(job))
		}
	}
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var (
		validation *utils.ValidationError
		httpErr    *utils.HTTPError
		tooLarge   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validation):
		s.writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &tooLarge):
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.deps.Intake.MaxFileSize()))
	case errors.As(err, &httpErr):
		s.writeError(w, http.StatusBadGateway, "video download failed: "+httpErr.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func metadataFromForm(r *http.Request) models.JobMetadata {
	meta := models.JobMetadata{
		OwnerID: strings.TrimSpace(r.FormValue("owner_id")),
		Notes:   r.FormValue("notes"),
	}
	forwarded := map[string]string{}
	for _, key := range forwardedFields {
		if v := strings.TrimSpace(r.FormValue(key)); v != "" {
			forwarded[key] = v
		}
	}
	for key, values := range r.Form {
		if strings.HasPrefix(key, "meta_") && len(values) > 0 {
			forwarded[key] = values[0]
		}
	}
	if r.MultipartForm != nil {
		for key, values := range r.MultipartForm.Value {
			if strings.HasPrefix(key, "meta_") && len(values) > 0 {
				forwarded[key] = values[0]
			}
		}
	}
	if len(forwarded) > 0 {
		meta.Forwarded = forwarded
	}
	return meta
}

// lookupJob returns the live snapshot, or one rebuilt from the result store
// once the registry has evicted the job
func (s *Server) lookupJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.deps.Registry.Get(jobID)
	if err == nil || !errors.Is(err, registry.ErrNotFound) || s.deps.Results == nil {
		return job, err
	}
	record, loadErr := s.deps.Results.LoadResult(ctx, jobID)
	if loadErr != nil {
		return nil, registry.ErrNotFound
	}
	return record.Job(), nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, err := s.lookupJob(r.Context(), jobID)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs := s.deps.Registry.List()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := jobs[:0]
		for _, job := range jobs {
			if string(job.State) == state {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if s.deps.Results == nil {
		s.writeError(w, http.StatusServiceUnavailable, "result store disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.deps.Results.ListResults(r.Context(), r.URL.Query().Get("owner_id"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": records})
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, err := s.lookupJob(r.Context(), jobID)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job.State != models.StateCompleted {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("output not available: job is %s", job.State))
		return
	}

	file, err := os.Open(job.OutputPath)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "output file not found")
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	name := filepath.Base(job.OutputPath)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), file)
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.deps.Hub.Get(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "no live channel for job")
		return
	}
	s.writeJSON(w, http.StatusOK, ch.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"jobs":     s.deps.Registry.Len(),
		"channels": s.deps.Hub.Len(),
		"dispatch": s.deps.Dispatcher.Mode(),
	})
}
