package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/roastops/company-kernel/pkg/auth"
	"github.com/roastops/company-kernel/pkg/mission"
)

// defaultListLimit bounds GET /missions when the client sends no limit.
const defaultListLimit = 50

// writeMissionError maps service sentinels to HTTP statuses.
func writeMissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mission.ErrNotFound):
		WriteNotFound(w, "mission not found")
	case errors.Is(err, mission.ErrInvalidInput):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, auth.ErrOrgMismatch):
		WriteForbidden(w, "mission belongs to another org")
	case errors.Is(err, mission.ErrLeaseMismatch),
		errors.Is(err, mission.ErrNotRunning),
		errors.Is(err, mission.ErrNotQuarantined),
		errors.Is(err, mission.ErrNotRetry),
		errors.Is(err, mission.ErrTerminal),
		errors.Is(err, mission.ErrConflict):
		WriteConflict(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var in mission.CreateInput
	if err := decodeValidated(r, missionCreateCompiled, &in); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	actor := auth.MustActor(r.Context())
	if actor.OrgID != "" {
		if in.Context.OrgID == "" {
			in.Context.OrgID = actor.OrgID
		} else if in.Context.OrgID != actor.OrgID {
			WriteForbidden(w, "cannot create missions for another org")
			return
		}
	}

	m, isNew, err := s.missions.Create(r.Context(), in, actor.ID)
	if err != nil {
		writeMissionError(w, err)
		return
	}

	if isNew {
		s.obs.RecordMission(r.Context(), "create", m.Goal)
		if m.Governance != nil {
			s.obs.RecordDecision(r.Context(), string(m.Governance.Action))
		}
		writeJSON(w, http.StatusCreated, m)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := mission.Filter{
		Goal:      q.Get("goal"),
		Agent:     q.Get("agent"),
		SessionID: q.Get("sessionId"),
		SubjectID: q.Get("subjectId"),
		OrgID:     q.Get("orgId"),
		SiteID:    q.Get("siteId"),
		MachineID: q.Get("machineId"),
		Limit:     defaultListLimit,
	}

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := mission.Status(strings.TrimSpace(part))
			if !st.Valid() {
				WriteBadRequest(w, "unknown status: "+string(st))
				return
			}
			f.Statuses = append(f.Statuses, st)
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

	// Org-bound actors only ever see their own org.
	if actor := auth.MustActor(r.Context()); actor.OrgID != "" {
		f.OrgID = actor.OrgID
	}

	missions, err := s.missions.List(r.Context(), f)
	if err != nil {
		writeMissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"missions": missions,
		"count":    len(missions),
	})
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	m, err := s.missions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMissionError(w, err)
		return
	}
	if err := auth.AuthorizeOrg(auth.MustActor(r.Context()), m.Context.OrgID); err != nil {
		writeMissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// authorizeMission gates every mission mutation on the actor's org. The
// 404 for unknown missions falls out of the lookup.
func (s *Server) authorizeMission(r *http.Request, id string) error {
	m, err := s.missions.Get(r.Context(), id)
	if err != nil {
		return err
	}
	return auth.AuthorizeOrg(auth.MustActor(r.Context()), m.Context.OrgID)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentName string   `json:"agentName"`
		Goals     []string `json:"goals,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	m, err := s.missions.ClaimNext(r.Context(), body.AgentName, body.Goals)
	if err != nil {
		writeMissionError(w, err)
		return
	}
	s.agents.TouchAgent(body.AgentName, s.now())
	if m == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.obs.RecordMission(r.Context(), "claim", m.Goal)
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LeaseID string `json:"leaseId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if err := s.authorizeMission(r, r.PathValue("id")); err != nil {
		writeMissionError(w, err)
		return
	}
	m, err := s.missions.Heartbeat(r.Context(), r.PathValue("id"), body.LeaseID)
	if err != nil {
		writeMissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Summary map[string]any `json:"summary,omitempty"`
		LeaseID string         `json:"leaseId,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if err := s.authorizeMission(r, r.PathValue("id")); err != nil {
		writeMissionError(w, err)
		return
	}
	m, err := s.missions.Complete(r.Context(), r.PathValue("id"), body.Summary, body.LeaseID)
	if err != nil {
		writeMissionError(w, err)
		return
	}
	s.obs.RecordMission(r.Context(), "complete", m.Goal)
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Error     string         `json:"error"`
		Details   map[string]any `json:"details,omitempty"`
		Retryable *bool          `json:"retryable,omitempty"`
		LeaseID   string         `json:"leaseId,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if body.Error == "" {
		WriteBadRequest(w, "error is required")
		return
	}
	retryable := body.Retryable == nil || *body.Retryable

	if err := s.authorizeMission(r, r.PathValue("id")); err != nil {
		writeMissionError(w, err)
		return
	}
	m, err := s.missions.Fail(r.Context(), r.PathValue("id"),
		mission.LastError{Error: body.Error, Details: body.Details}, retryable, body.LeaseID)
	if err != nil {
		writeMissionError(w, err)
		return
	}
	s.obs.RecordMission(r.Context(), "fail", m.Goal)
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleApproveMission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Note string `json:"note,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}
	if err := s.authorizeMission(r, r.PathValue("id")); err != nil {
		writeMissionError(w, err)
		return
	}
	actor := auth.MustActor(r.Context())
	m, err := s.missions.Approve(r.Context(), r.PathValue("id"), actor.ID, body.Note)
	if err != nil {
		writeMissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCancelMission(w http.ResponseWriter, r *http.Request) {
	if err := s.authorizeMission(r, r.PathValue("id")); err != nil {
		writeMissionError(w, err)
		return
	}
	m, err := s.missions.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRetryNow(w http.ResponseWriter, r *http.Request) {
	if err := s.authorizeMission(r, r.PathValue("id")); err != nil {
		writeMissionError(w, err)
		return
	}
	m, err := s.missions.RetryNow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMissionMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.missions.Metrics(r.Context())
	if err != nil {
		writeMissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}
