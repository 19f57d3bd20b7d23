package api

import (
	"io"
	"net/http"

	"github.com/roastops/company-kernel/pkg/auth"
	"github.com/roastops/company-kernel/pkg/governance"
)

func (s *Server) handleGetGovernorConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.governor.GetConfig(r.Context()))
}

func (s *Server) handlePutGovernorConfig(w http.ResponseWriter, r *http.Request) {
	// Agents never rewrite policy, whatever their autonomy level.
	if actor := auth.MustActor(r.Context()); actor.Kind == governance.ActorAgent {
		WriteForbidden(w, "agents cannot modify governor config")
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "unreadable request body")
		return
	}
	cfg, err := s.governor.SetConfig(r.Context(), raw, s.now())
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePolicyCheck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Goal      string         `json:"goal"`
		OrgID     string         `json:"orgId,omitempty"`
		SiteID    string         `json:"siteId,omitempty"`
		MachineID string         `json:"machineId,omitempty"`
		Params    map[string]any `json:"params,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if body.Goal == "" {
		WriteBadRequest(w, "goal is required")
		return
	}

	allowed, reasons := s.engine.CheckPolicy(r.Context(), governance.MissionInput{
		Goal:      body.Goal,
		OrgID:     body.OrgID,
		SiteID:    body.SiteID,
		MachineID: body.MachineID,
		Params:    body.Params,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed": allowed,
		"reasons": reasons,
	})
}
