package api

import (
	"net/http"

	"github.com/zapguard/guardrail/pkg/health"
	"github.com/zapguard/guardrail/pkg/instance"
)

// instanceFor loads the path instance, hiding other organizations' records.
func (s *Server) instanceFor(w http.ResponseWriter, r *http.Request) (*instance.Instance, bool) {
	inst, err := s.deps.Instances.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return nil, false
	}
	if inst.OrganizationID != OrganizationFrom(r.Context()) {
		WriteDomainError(w, r, instance.ErrNotFound)
		return nil, false
	}
	return inst, true
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Instances.List(r.Context(), OrganizationFrom(r.Context()))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	views := make([]instance.View, 0, len(list))
	for _, inst := range list {
		views = append(views, instance.NewView(inst))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req instance.ProvisionRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	req.OrganizationID = OrganizationFrom(r.Context())
	inst, err := s.deps.Instances.Provision(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, instance.NewView(inst))
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instanceFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, instance.NewView(inst))
}

func (s *Server) handleInstanceHealth(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instanceFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, health.AssessmentOf(inst))
}

// handleEvaluate scores the instance from the posted signals, or from the
// collected window when the body is empty.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instanceFor(w, r)
	if !ok {
		return
	}
	var body struct {
		Signals *health.Signals `json:"signals"`
	}
	if !decodeBody(w, r, &body, true) {
		return
	}
	signals := s.deps.Evaluator.SignalsFor(inst)
	if body.Signals != nil {
		signals = *body.Signals
	}
	a, err := s.deps.Evaluator.Evaluate(r.Context(), inst.ID, signals)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleConnectionEvent(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instanceFor(w, r)
	if !ok {
		return
	}
	var body struct {
		Event instance.ConnectionEvent `json:"event"`
	}
	if !decodeBody(w, r, &body, false) {
		return
	}
	updated, err := s.deps.Instances.ApplyConnectionEvent(r.Context(), inst.ID, body.Event)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instance.NewView(updated))
}

// handleBlockReport records a recipient block or spam report as a health
// signal for the next evaluation.
func (s *Server) handleBlockReport(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instanceFor(w, r)
	if !ok {
		return
	}
	if s.deps.Signals == nil {
		WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented", "signal collection is not configured")
		return
	}
	s.deps.Signals.RecordBlockReport(inst.ID)
	writeJSON(w, http.StatusAccepted, s.deps.Signals.Signals(inst.ID))
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instanceFor(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body, true) {
		return
	}
	updated, err := s.deps.Instances.Ban(r.Context(), inst.ID, body.Reason)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instance.NewView(updated))
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instanceFor(w, r)
	if !ok {
		return
	}
	updated, err := s.deps.Instances.Reactivate(r.Context(), inst.ID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instance.NewView(updated))
}

func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	org := OrganizationFrom(r.Context())
	gate, err := s.deps.Instances.Gate(r.Context(), org)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"organization_id": org, "status": gate})
}
