package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aseda-sam/tennis-coach-app/pkg/analysis"
	"github.com/aseda-sam/tennis-coach-app/pkg/store"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// videoByFilename resolves the filename route parameter to a video row,
// writing a 404 when it is unknown.
func (s *server) videoByFilename(
	w http.ResponseWriter, r *http.Request,
) (*store.Video, bool) {
	filename := chi.URLParam(r, "filename")

	vid, err := s.store.GetVideoByFilename(r.Context(), filename)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"video not found"})
		} else {
			s.log.WithError(err).Error("Failed to look up video")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})
		}

		return nil, false
	}

	return vid, true
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Video handlers ---

// handleUploadVideo accepts a multipart upload, probes its metadata, and
// registers the video for analysis.
func (s *server) handleUploadVideo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Storage.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"multipart field 'file' is required"})

		return
	}
	defer func() { _ = file.Close() }()

	filename := header.Filename

	if !s.cfg.FormatSupported(filename) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			fmt.Sprintf("unsupported format, accepted: %v",
				s.cfg.Storage.SupportedFormats),
		})

		return
	}

	_, err = s.store.GetVideoByFilename(r.Context(), filename)
	if err == nil {
		writeJSON(w, http.StatusConflict,
			errorResponse{"video already exists"})

		return
	}

	if !errors.Is(err, store.ErrNotFound) {
		s.log.WithError(err).Error("Failed to look up video")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	size, err := s.videos.Put(filename, file)
	if err != nil {
		s.log.WithError(err).WithField("filename", filename).
			Error("Failed to store upload")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"storing upload failed"})

		return
	}

	meta, err := s.videos.Probe(filename)
	if err != nil {
		// An unreadable clip would fail every run; reject it up front.
		_ = s.videos.Delete(filename)

		s.log.WithError(err).WithField("filename", filename).
			Warn("Uploaded file is not decodable")
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"file is not a decodable video"})

		return
	}

	vid := &store.Video{
		Filename:        filename,
		SizeBytes:       size,
		DurationSeconds: meta.DurationSeconds,
		FPS:             meta.FPS,
		Width:           meta.Width,
		Height:          meta.Height,
		FrameCount:      meta.FrameCount,
	}
	if err := s.store.CreateVideo(r.Context(), vid); err != nil {
		s.log.WithError(err).Error("Failed to create video record")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	s.log.WithField("filename", filename).
		WithField("size", size).
		Info("Video uploaded")

	writeJSON(w, http.StatusCreated, vid)
}

func (s *server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := s.store.ListVideos(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list videos")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"videos": videos})
}

func (s *server) handleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	vid, ok := s.videoByFilename(w, r)
	if !ok {
		return
	}

	if _, err := s.store.GetActiveRun(r.Context(), vid.ID); err == nil {
		writeJSON(w, http.StatusConflict,
			errorResponse{"analysis in progress, cancel it first"})

		return
	}

	if err := s.store.DeleteAnalysisData(r.Context(), vid.ID); err != nil {
		s.log.WithError(err).Error("Failed to delete analysis data")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	if err := s.store.DeleteVideo(r.Context(), vid.ID); err != nil {
		s.log.WithError(err).Error("Failed to delete video record")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	if err := s.videos.Delete(vid.Filename); err != nil {
		s.log.WithError(err).WithField("filename", vid.Filename).
			Warn("Failed to delete video file")
	}

	writeJSON(w, http.StatusOK, map[string]string{"deleted": vid.Filename})
}

// --- Analysis handlers ---

// handleStartAnalysis queues a new analysis run for a video.
func (s *server) handleStartAnalysis(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	run, err := s.controller.StartRun(r.Context(), filename)
	if err != nil {
		switch {
		case errors.Is(err, analysis.ErrRunAlreadyInProgress):
			writeJSON(w, http.StatusConflict,
				errorResponse{"analysis already in progress"})
		case errors.Is(err, store.ErrNotFound):
			writeJSON(w, http.StatusNotFound,
				errorResponse{"video not found"})
		default:
			s.log.WithError(err).Error("Failed to start analysis")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})
		}

		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

// handleAnalysisStatus returns the video's most recent run.
func (s *server) handleAnalysisStatus(w http.ResponseWriter, r *http.Request) {
	vid, ok := s.videoByFilename(w, r)
	if !ok {
		return
	}

	run, err := s.store.GetLatestRun(r.Context(), vid.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"no analysis run for video"})
		} else {
			s.log.WithError(err).Error("Failed to get latest run")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})
		}

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleGetSummary returns the video's analysis summary.
func (s *server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	vid, ok := s.videoByFilename(w, r)
	if !ok {
		return
	}

	summary, err := s.store.GetSummaryByVideo(r.Context(), vid.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"no completed analysis for video"})
		} else {
			s.log.WithError(err).Error("Failed to get summary")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})
		}

		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *server) handleListSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ListSummaries(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list summaries")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"summaries": summaries})
}

// handleDeleteAnalysis removes all analysis data for a video, keeping the
// video itself.
func (s *server) handleDeleteAnalysis(w http.ResponseWriter, r *http.Request) {
	vid, ok := s.videoByFilename(w, r)
	if !ok {
		return
	}

	if _, err := s.store.GetActiveRun(r.Context(), vid.ID); err == nil {
		writeJSON(w, http.StatusConflict,
			errorResponse{"analysis in progress, cancel it first"})

		return
	}

	if err := s.store.DeleteAnalysisData(r.Context(), vid.ID); err != nil {
		s.log.WithError(err).Error("Failed to delete analysis data")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"deleted": vid.Filename})
}
