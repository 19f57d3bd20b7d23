package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/roastops/company-kernel/pkg/auth"
	"github.com/roastops/company-kernel/pkg/command"
)

// writeCommandError maps command pipeline sentinels to HTTP statuses.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, command.ErrNotFound):
		WriteNotFound(w, "proposal not found")
	case errors.Is(err, command.ErrInvalidInput),
		errors.Is(err, command.ErrUnknownCommand),
		errors.Is(err, command.ErrOutOfBounds):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, command.ErrNotPending),
		errors.Is(err, command.ErrNotApproved),
		errors.Is(err, command.ErrNotExecuting),
		errors.Is(err, command.ErrNotAbortable),
		errors.Is(err, command.ErrExpired),
		errors.Is(err, command.ErrApprovalBlocked),
		errors.Is(err, command.ErrConflict):
		WriteConflict(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var in command.ProposeInput
	if err := decodeValidated(r, proposalCreateCompiled, &in); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	actor := auth.MustActor(r.Context())
	p, err := s.commands.Propose(r.Context(), in, actor.ID, actor.Kind)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	s.obs.RecordCommand(r.Context(), "propose")
	if p.Governance != nil {
		s.obs.RecordDecision(r.Context(), string(p.Governance.Action))
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := command.Filter{
		MachineID: q.Get("machineId"),
		SessionID: q.Get("sessionId"),
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, command.Status(strings.TrimSpace(part)))
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	proposals, err := s.commands.List(r.Context(), f)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposals": proposals,
		"count":     len(proposals),
	})
}

// handlePendingProposals is the operator work queue. Proposals whose
// approval window lapsed are filtered here; the rows expire on their
// next direct observation.
func (s *Server) handlePendingProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.commands.List(r.Context(), command.Filter{
		Statuses: []command.Status{command.StatusPendingApproval},
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}

	now := s.now()
	live := make([]*command.Proposal, 0, len(proposals))
	for _, p := range proposals {
		if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
			continue
		}
		live = append(live, p)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposals": live,
		"count":     len(live),
	})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.commands.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleApproveProposal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ApprovedBy string `json:"approvedBy,omitempty"`
		Note       string `json:"note,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}
	if body.ApprovedBy == "" {
		body.ApprovedBy = auth.MustActor(r.Context()).ID
	}

	p, err := s.commands.Approve(r.Context(), r.PathValue("id"), body.ApprovedBy, body.Note)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	s.obs.RecordCommand(r.Context(), "approve")
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RejectedBy string `json:"rejectedBy,omitempty"`
		Reason     string `json:"reason,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}
	if body.RejectedBy == "" {
		body.RejectedBy = auth.MustActor(r.Context()).ID
	}

	p, err := s.commands.Reject(r.Context(), r.PathValue("id"), body.RejectedBy, body.Reason)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	s.obs.RecordCommand(r.Context(), "reject")
	writeJSON(w, http.StatusOK, p)
}

// executeResponse is the ack shape for execution control endpoints.
type executeResponse struct {
	Status   string            `json:"status"`
	Message  string            `json:"message"`
	Error    string            `json:"error,omitempty"`
	Proposal *command.Proposal `json:"proposal,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentName string `json:"agentName,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}
	if body.AgentName == "" {
		body.AgentName = auth.MustActor(r.Context()).ID
	}

	p, err := s.commands.Start(r.Context(), r.PathValue("id"), body.AgentName)
	if err != nil {
		if errors.Is(err, command.ErrNotFound) {
			WriteNotFound(w, "proposal not found")
			return
		}
		writeJSON(w, http.StatusConflict, executeResponse{
			Status:  "FAILED",
			Message: "execution not started",
			Error:   err.Error(),
		})
		return
	}
	s.obs.RecordCommand(r.Context(), "execute")
	writeJSON(w, http.StatusOK, executeResponse{
		Status:   "ACCEPTED",
		Message:  "execution started",
		Proposal: p,
	})
}

func (s *Server) handleExecuteResult(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OK    bool           `json:"ok"`
		Error string         `json:"error,omitempty"`
		Meta  map[string]any `json:"meta,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	var (
		p   *command.Proposal
		err error
	)
	if body.OK {
		p, err = s.commands.Complete(r.Context(), r.PathValue("id"), body.Meta)
	} else {
		if body.Error == "" {
			WriteBadRequest(w, "error is required when ok is false")
			return
		}
		p, err = s.commands.Fail(r.Context(), r.PathValue("id"), body.Error, body.Meta)
	}
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAbortProposal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Note string `json:"note,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}

	actor := auth.MustActor(r.Context())
	p, err := s.commands.Abort(r.Context(), r.PathValue("id"), actor.ID, body.Note)
	if err != nil {
		if errors.Is(err, command.ErrNotFound) {
			WriteNotFound(w, "proposal not found")
			return
		}
		writeJSON(w, http.StatusConflict, executeResponse{
			Status:  "FAILED",
			Message: "abort not applied",
			Error:   err.Error(),
		})
		return
	}
	s.obs.RecordCommand(r.Context(), "abort")
	writeJSON(w, http.StatusOK, executeResponse{
		Status:   "ACCEPTED",
		Message:  "proposal aborted",
		Proposal: p,
	})
}

func (s *Server) handleProposalAudit(w http.ResponseWriter, r *http.Request) {
	// 404 for unknown proposals, empty chain for known ones without
	// entries is unreachable: every proposal writes at least one entry.
	if _, err := s.commands.Get(r.Context(), r.PathValue("id")); err != nil {
		writeCommandError(w, err)
		return
	}
	entries, err := s.commands.Audit(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.commands.VerifyAudit(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"intact": false,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intact": true})
}
