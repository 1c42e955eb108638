package api

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/yangwenmai/readaloud/internal/lifecycle"
	"github.com/yangwenmai/readaloud/internal/model"
	"github.com/yangwenmai/readaloud/internal/view"
)

// refreshCount is the htmx event that makes the page reload the count fragment.
const refreshCount = "refreshCount"

// renderHTML buffers a fragment so template errors still yield a clean 500.
func (s *Server) renderHTML(w http.ResponseWriter, status int, render func(io.Writer) error) {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		s.logger.Error("render fragment", zap.Error(err))
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func (s *Server) renderError(w http.ResponseWriter, status int, msg string) {
	s.renderHTML(w, status, func(w io.Writer) error { return s.view.Error(w, msg) })
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func toItem(e lifecycle.Entry) view.Item {
	return view.Item{Artifact: e.Artifact, Status: e.Status}
}

// pendingItem is the view of an artifact that was just queued, or failed to be.
func pendingItem(a *model.Artifact) view.Item {
	return view.Item{Artifact: *a, Status: a.Status(false)}
}

// ---------------------------------------------------------------------------
// GET /
// ---------------------------------------------------------------------------

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	entries, err := s.artifacts.List(r.Context(), s.opts.ListLimit)
	if err != nil {
		s.logger.Error("list artifacts", zap.Error(err))
		s.renderError(w, http.StatusInternalServerError, "Failed to load artifacts.")
		return
	}
	active, limit, err := s.artifacts.Active(r.Context())
	if err != nil {
		s.logger.Error("count artifacts", zap.Error(err))
		s.renderError(w, http.StatusInternalServerError, "Failed to count artifacts.")
		return
	}

	items := make([]view.Item, 0, len(entries))
	for _, e := range entries {
		items = append(items, toItem(e))
	}
	s.renderHTML(w, http.StatusOK, func(w io.Writer) error {
		return s.view.Index(w, items, active, limit)
	})
}

// ---------------------------------------------------------------------------
// POST /
// ---------------------------------------------------------------------------

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderError(w, http.StatusBadRequest, "Invalid form.")
		return
	}

	a, err := s.artifacts.CreateArtifact(r.Context(), r.PostForm.Get("prompt"))
	switch {
	case errors.Is(err, model.ErrEmptyPrompt):
		s.renderError(w, http.StatusBadRequest, "Please enter some text.")
		return
	case errors.Is(err, model.ErrQuotaExceeded):
		s.renderQuota(w, r)
		return
	case err != nil:
		s.logger.Error("create artifact", zap.Error(err))
		s.renderError(w, http.StatusInternalServerError, "Failed to create artifact.")
		return
	}

	w.Header().Set("HX-Trigger", refreshCount)
	s.renderHTML(w, http.StatusOK, func(w io.Writer) error {
		return s.view.Created(w, pendingItem(a))
	})
}

func (s *Server) renderQuota(w http.ResponseWriter, r *http.Request, before ...view.Item) {
	_, limit, err := s.artifacts.Active(r.Context())
	if err != nil {
		s.logger.Error("count artifacts", zap.Error(err))
		s.renderError(w, http.StatusInternalServerError, "Failed to count artifacts.")
		return
	}
	s.renderHTML(w, http.StatusOK, func(w io.Writer) error {
		for _, it := range before {
			if _, err := s.view.Artifact(w, it, 0); err != nil {
				return err
			}
		}
		return s.view.QuotaExceeded(w, limit)
	})
}

// ---------------------------------------------------------------------------
// GET /artifact/{id}
// ---------------------------------------------------------------------------

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.renderError(w, http.StatusBadRequest, "Invalid artifact id.")
		return
	}
	poll, _ := strconv.Atoi(r.URL.Query().Get("poll"))
	if poll < 0 {
		poll = 0
	}

	e, err := s.artifacts.Status(r.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		s.renderError(w, http.StatusNotFound, "Artifact not found.")
		return
	}
	if err != nil {
		s.logger.Error("load artifact", zap.Int64("artifact_id", id), zap.Error(err))
		s.renderError(w, http.StatusInternalServerError, "Failed to load artifact.")
		return
	}

	s.renderHTML(w, http.StatusOK, func(w io.Writer) error {
		_, err := s.view.Artifact(w, toItem(*e), poll)
		return err
	})
}

// ---------------------------------------------------------------------------
// DELETE /artifact/{id}
// ---------------------------------------------------------------------------

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.renderError(w, http.StatusBadRequest, "Invalid artifact id.")
		return
	}

	if err := s.artifacts.DeleteArtifact(r.Context(), id); err != nil {
		s.logger.Error("delete artifact", zap.Int64("artifact_id", id), zap.Error(err))
		s.renderError(w, http.StatusInternalServerError, "Failed to delete artifact.")
		return
	}

	w.Header().Set("HX-Trigger", refreshCount)
	s.renderHTML(w, http.StatusOK, s.view.Deleted)
}

// ---------------------------------------------------------------------------
// POST /artifact/{id}/retry
// ---------------------------------------------------------------------------

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.renderError(w, http.StatusBadRequest, "Invalid artifact id.")
		return
	}

	a, err := s.artifacts.RetryArtifact(r.Context(), id)
	switch {
	case errors.Is(err, model.ErrNotFound):
		s.renderError(w, http.StatusNotFound, "Artifact not found.")
		return
	case errors.Is(err, model.ErrNotFailed):
		s.renderError(w, http.StatusConflict, "Only failed artifacts can be retried.")
		return
	case errors.Is(err, model.ErrQuotaExceeded):
		// Keep the failed artifact on the page and show the notice under it.
		if e, sErr := s.artifacts.Status(r.Context(), id); sErr == nil {
			s.renderQuota(w, r, toItem(*e))
		} else {
			s.renderQuota(w, r)
		}
		return
	case err != nil:
		s.logger.Error("retry artifact", zap.Int64("artifact_id", id), zap.Error(err))
		s.renderError(w, http.StatusInternalServerError, "Failed to retry artifact.")
		return
	}

	w.Header().Set("HX-Trigger", refreshCount)
	s.renderHTML(w, http.StatusOK, func(w io.Writer) error {
		_, err := s.view.Artifact(w, pendingItem(a), 0)
		return err
	})
}

// ---------------------------------------------------------------------------
// GET /artifact_count
// ---------------------------------------------------------------------------

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	active, limit, err := s.artifacts.Active(r.Context())
	if err != nil {
		s.logger.Error("count artifacts", zap.Error(err))
		s.renderError(w, http.StatusInternalServerError, "Failed to count artifacts.")
		return
	}
	s.renderHTML(w, http.StatusOK, func(w io.Writer) error {
		return s.view.Count(w, active, limit)
	})
}

// ---------------------------------------------------------------------------
// GET /audio/{id}
// ---------------------------------------------------------------------------

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid artifact id", http.StatusBadRequest)
		return
	}

	rc, size, a, err := s.artifacts.Open(r.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("open audio", zap.Int64("artifact_id", id), zap.Error(err))
		http.Error(w, "failed to open audio", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", audioContentType(a.Format))
	w.Header().Set("Cache-Control", "private, max-age=3600")

	// Seekable sources get range requests so players can scrub.
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, a.Key(), time.Time{}, rs)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("stream audio", zap.Int64("artifact_id", id), zap.Error(err))
	}
}

var audioTypes = map[string]string{
	"flac": "audio/flac",
	"wav":  "audio/wav",
	"mp3":  "audio/mpeg",
	"ogg":  "audio/ogg",
}

func audioContentType(format string) string {
	if ct, ok := audioTypes[format]; ok {
		return ct
	}
	if ct := mime.TypeByExtension("." + format); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// ---------------------------------------------------------------------------
// GET /api/artifacts, GET /api/artifacts/{id}
// ---------------------------------------------------------------------------

type artifactResponse struct {
	ID        int64            `json:"id"`
	Prompt    string           `json:"prompt"`
	Status    model.Status     `json:"status"`
	Format    string           `json:"format"`
	AudioURL  string           `json:"audio_url,omitempty"`
	Error     *model.ErrorInfo `json:"error,omitempty"`
	CreatedAt string           `json:"created_at"`
}

func toResponse(e lifecycle.Entry) artifactResponse {
	resp := artifactResponse{
		ID:        e.Artifact.ID,
		Prompt:    e.Artifact.Prompt,
		Status:    e.Status,
		Format:    e.Artifact.Format,
		CreatedAt: e.Artifact.CreatedAt,
	}
	switch e.Status {
	case model.StatusReady:
		resp.AudioURL = "/audio/" + strconv.FormatInt(e.Artifact.ID, 10)
	case model.StatusFailed:
		resp.Error = e.Artifact.Failure()
	}
	return resp
}

func (s *Server) handleListJSON(w http.ResponseWriter, r *http.Request) {
	limit := s.opts.ListLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}

	entries, err := s.artifacts.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	out := make([]artifactResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJSON(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid artifact id")
		return
	}

	e, err := s.artifacts.Status(r.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get artifact")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(*e))
}

// ---------------------------------------------------------------------------
// GET /healthz
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
