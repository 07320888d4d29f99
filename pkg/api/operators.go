package api

import (
	"net/http"

	"github.com/zapguard/guardrail/pkg/operators"
)

func (s *Server) conversationFor(w http.ResponseWriter, r *http.Request) (*operators.Conversation, bool) {
	c, err := s.deps.Queue.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return nil, false
	}
	if c.OrganizationID != OrganizationFrom(r.Context()) {
		WriteDomainError(w, r, operators.ErrConversationNotFound)
		return nil, false
	}
	return c, true
}

// operatorsInOrg checks that every named operator belongs to the caller's
// organization, so a conversation cannot be handed across tenants.
func (s *Server) operatorsInOrg(w http.ResponseWriter, r *http.Request, ids ...string) bool {
	org := OrganizationFrom(r.Context())
	for _, id := range ids {
		op, err := s.deps.Queue.Operator(r.Context(), id)
		if err != nil {
			WriteDomainError(w, r, err)
			return false
		}
		if op.OrganizationID != org {
			WriteDomainError(w, r, operators.ErrOperatorNotFound)
			return false
		}
	}
	return true
}

func (s *Server) handleListOperators(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Queue.Operators(r.Context(), OrganizationFrom(r.Context()))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []*operators.Operator{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAddOperator(w http.ResponseWriter, r *http.Request) {
	var req operators.NewOperator
	if !decodeBody(w, r, &req, false) {
		return
	}
	req.OrganizationID = OrganizationFrom(r.Context())
	op, err := s.deps.Queue.AddOperator(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (s *Server) handleOperatorStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.operatorsInOrg(w, r, id) {
		return
	}
	var body struct {
		Status operators.Status `json:"status"`
	}
	if !decodeBody(w, r, &body, false) {
		return
	}
	if err := s.deps.Queue.SetStatus(r.Context(), id, body.Status); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	op, err := s.deps.Queue.Operator(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.deps.Queue.Conversations(r.Context(), operators.ConversationFilter{
		OrganizationID: OrganizationFrom(r.Context()),
		InstanceID:     q.Get("instance_id"),
		OpenOnly:       q.Get("open") != "false",
		UnassignedOnly: q.Get("unassigned") == "true",
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []*operators.Conversation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	var req operators.NewConversation
	if !decodeBody(w, r, &req, false) {
		return
	}
	req.OrganizationID = OrganizationFrom(r.Context())
	if req.InstanceID != "" {
		inst, err := s.deps.Instances.Get(r.Context(), req.InstanceID)
		if err != nil {
			WriteDomainError(w, r, err)
			return
		}
		if inst.OrganizationID != req.OrganizationID {
			WriteErrorR(w, r, http.StatusNotFound, "Not Found", "instance not found")
			return
		}
	}
	c, err := s.deps.Queue.OpenConversation(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type operatorBody struct {
	OperatorID string `json:"operator_id"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversationFor(w, r)
	if !ok {
		return
	}
	var body operatorBody
	if !decodeBody(w, r, &body, false) || !s.operatorsInOrg(w, r, body.OperatorID) {
		return
	}
	updated, err := s.deps.Queue.Claim(r.Context(), c.ID, body.OperatorID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversationFor(w, r)
	if !ok {
		return
	}
	var body operatorBody
	if !decodeBody(w, r, &body, false) {
		return
	}
	updated, err := s.deps.Queue.Release(r.Context(), c.ID, body.OperatorID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversationFor(w, r)
	if !ok {
		return
	}
	var body struct {
		FromOperatorID string `json:"from_operator_id"`
		ToOperatorID   string `json:"to_operator_id"`
	}
	if !decodeBody(w, r, &body, false) || !s.operatorsInOrg(w, r, body.ToOperatorID) {
		return
	}
	updated, err := s.deps.Queue.Transfer(r.Context(), c.ID, body.FromOperatorID, body.ToOperatorID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversationFor(w, r)
	if !ok {
		return
	}
	if err := s.deps.Queue.RecordInbound(r.Context(), c.ID); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversationFor(w, r)
	if !ok {
		return
	}
	var body operatorBody
	if !decodeBody(w, r, &body, false) {
		return
	}
	if err := s.deps.Queue.RecordOperatorReply(r.Context(), c.ID, body.OperatorID); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversationFor(w, r)
	if !ok {
		return
	}
	if err := s.deps.Queue.Close(r.Context(), c.ID); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
