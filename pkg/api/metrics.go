package api

import (
	"io"
	"net/http"
	"time"
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "window must be a positive duration such as 15m or 24h")
			return
		}
		window = d
	}
	snap, err := s.deps.Meter.Snapshot(r.Context(), OrganizationFrom(r.Context()), window)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleUploadMedia stores the raw body and returns its media_ref for use in
// AUDIO and MEDIA payloads.
func (s *Server) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	if s.deps.Media == nil {
		WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented", "media storage is not configured")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMediaBytes))
	if err != nil {
		WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "media exceeds the upload limit")
		return
	}
	if len(data) == 0 {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "empty media body")
		return
	}
	ref, err := s.deps.Media.Put(r.Context(), data)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"media_ref": ref, "size": len(data)})
}
