package api

import (
	"net/http"
	"strconv"

	"github.com/zapguard/guardrail/pkg/intent"
	"github.com/zapguard/guardrail/pkg/jobs"
)

func (s *Server) intentFor(w http.ResponseWriter, r *http.Request) (*intent.MessageIntent, bool) {
	m, err := s.deps.Pipeline.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return nil, false
	}
	if m.OrganizationID != OrganizationFrom(r.Context()) {
		WriteDomainError(w, r, intent.ErrNotFound)
		return nil, false
	}
	return m, true
}

// handleDecide creates and decides an intent. The response is 201 whatever
// the decision; the outcome is in the body's status.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req intent.Request
	if !decodeBody(w, r, &req, false) {
		return
	}
	req.OrganizationID = OrganizationFrom(r.Context())
	m, err := s.deps.Pipeline.Decide(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := intent.Filter{
		OrganizationID: OrganizationFrom(r.Context()),
		Status:         intent.Status(q.Get("status")),
		Purpose:        intent.Purpose(q.Get("purpose")),
		InstanceID:     q.Get("instance_id"),
		Limit:          100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	list, err := s.deps.Pipeline.List(r.Context(), f)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []*intent.MessageIntent{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	m, ok := s.intentFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	m, ok := s.intentFor(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body, true) {
		return
	}
	updated, err := s.deps.Pipeline.Cancel(r.Context(), m.ID, body.Reason)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleIntentTimeline(w http.ResponseWriter, r *http.Request) {
	m, ok := s.intentFor(w, r)
	if !ok {
		return
	}
	view, err := s.deps.Pipeline.Timeline(r.Context(), m.ID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Store().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if job.OrganizationID != OrganizationFrom(r.Context()) {
		WriteDomainError(w, r, jobs.ErrNotFound)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body, true) {
		return
	}
	if body.Reason == "" {
		body.Reason = "by operator"
	}
	updated, err := s.deps.Jobs.Cancel(r.Context(), job.ID, body.Reason)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
